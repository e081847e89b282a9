package diag

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives diagnostics. Report must not panic and must not call back
// into the store.
type Sink interface {
	Report(err *Error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(err *Error)

// Report implements Sink.
func (f SinkFunc) Report(err *Error) { f(err) }

// LogSink writes every diagnostic to slog at Warn level.
// A nil Logger uses slog.Default().
type LogSink struct {
	Logger *slog.Logger
}

// Report implements Sink.
func (s LogSink) Report(err *Error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"code", string(err.Code), "message", err.Message}
	if err.Type != "" {
		attrs = append(attrs, "type", err.Type)
	}
	if err.StoreKey != "" {
		attrs = append(attrs, "store_key", err.StoreKey)
	}
	if err.QueryID != "" {
		attrs = append(attrs, "query", err.QueryID)
	}
	if err.Err != nil {
		attrs = append(attrs, "error", err.Err)
	}
	logger.Warn("store diagnostic", attrs...)
}

// MetricsSink counts diagnostics by code.
type MetricsSink struct {
	counter *prometheus.CounterVec
}

// NewMetricsSink creates a sink exporting recsync_diagnostics_total{code}.
// If reg is non-nil the counter is registered with it.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recsync",
		Name:      "diagnostics_total",
		Help:      "Locally recovered store and query anomalies, by code.",
	}, []string{"code"})
	if reg != nil {
		if err := reg.Register(counter); err != nil {
			return nil, err
		}
	}
	return &MetricsSink{counter: counter}, nil
}

// Report implements Sink.
func (s *MetricsSink) Report(err *Error) {
	s.counter.WithLabelValues(string(err.Code)).Inc()
}

// Counter exposes the underlying counter vector.
func (s *MetricsSink) Counter() *prometheus.CounterVec {
	return s.counter
}

// Multi fans a diagnostic out to several sinks in order.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(err *Error) {
	for _, s := range m {
		if s != nil {
			s.Report(err)
		}
	}
}

// Recorder keeps every diagnostic in memory. Used by tests and the scenario
// harness.
type Recorder struct {
	mu     sync.Mutex
	errors []*Error
}

// Report implements Sink.
func (r *Recorder) Report(err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

// Errors returns a copy of everything recorded so far.
func (r *Recorder) Errors() []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Error, len(r.errors))
	copy(out, r.errors)
	return out
}

// Codes returns the recorded codes in order.
func (r *Recorder) Codes() []Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Code, len(r.errors))
	for i, e := range r.errors {
		out[i] = e.Code
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = nil
}
