package harness

// Trace event kinds.
const (
	KindStep       = "step"
	KindSource     = "source"
	KindDiagnostic = "diagnostic"
	KindQuery      = "query"
)

// TraceEvent is one entry of a scenario trace. Args holds only strings,
// booleans, int64s and nested map[string]any, so it converts cleanly to a
// value.Value for canonical output.
type TraceEvent struct {
	Seq  int64          `json:"seq"`
	Kind string         `json:"kind"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every expect step and assertion held.
	Pass bool `json:"pass"`

	// Trace lists steps, source requests, diagnostics and query events in
	// the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation.
	Errors []string `json:"errors,omitempty"`

	// Turns is the number of run-loop turns the scenario took.
	Turns int64 `json:"turns"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(seq int64, kind, name string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{Seq: seq, Kind: kind, Name: name, Args: args})
}
