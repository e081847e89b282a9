package harness

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/recsync/internal/sqlsource"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface. Trace assertions include the trace
// so a failure can be read without re-running the scenario.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\n\ntrace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %v\n", ev.Seq, ev.Kind, ev.Name, ev.Args)
		}
	}
	return buf.String()
}

func (r *runner) check(a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(r.result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(r.result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(r.result.Trace, a)
	case AssertRecord:
		return r.assertRecord(a)
	case AssertServerRecord:
		return r.assertServerRecord(a)
	case AssertQuery:
		return r.assertQuery(a)
	case AssertDiagnostics:
		return r.assertDiagnostics(a)
	case AssertClientState:
		return r.assertClientState(a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertTraceContains looks for an event named action whose args contain
// the expected args.
func assertTraceContains(trace []TraceEvent, a *Assertion) error {
	want, err := value.FromAny(toAnyMap(a.Args))
	if err != nil {
		return fmt.Errorf("trace_contains: args: %w", err)
	}
	for _, ev := range trace {
		if ev.Name != a.Action {
			continue
		}
		got, err := value.FromAny(toAnyMap(ev.Args))
		if err != nil {
			continue
		}
		if contains(got, want) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with args %v", a.Action, a.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each action comes
// after the first occurrence of the one before it.
func assertTraceOrder(trace []TraceEvent, a *Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Name]; !seen && slices.Contains(a.Actions, ev.Name) {
			positions[ev.Name] = i + 1
		}
	}
	for _, action := range a.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a *Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Name == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func (r *runner) assertRecord(a *Assertion) error {
	ref := RecordRef{Ref: a.Ref, Type: a.RecordType, ID: a.ID}
	sk, err := r.resolve(ref)
	if err != nil {
		return err
	}
	st := r.store()

	if a.Status != "" {
		want, ok := status.Parse(a.Status)
		if !ok {
			return fmt.Errorf("record: unknown status %q", a.Status)
		}
		if got := st.GetStatus(sk); got != want {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s has status %s", ref, want),
				Actual:   got.String(),
			}
		}
	}
	if a.Data != nil {
		want, err := value.ObjectFromMap(a.Data)
		if err != nil {
			return fmt.Errorf("record: data: %w", err)
		}
		got := st.GetData(sk)
		if !contains(got, want) {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s data contains %s", ref, canonical(want)),
				Actual:   canonical(got),
			}
		}
	}
	return nil
}

func (r *runner) assertServerRecord(a *Assertion) error {
	ref := RecordRef{Type: a.RecordType, ID: a.ID}
	got, err := r.src.Get(r.ctx, a.RecordType, a.ID)
	switch {
	case errors.Is(err, sqlsource.ErrNotFound):
		if a.Absent {
			return nil
		}
		return &AssertionError{
			Type:     AssertServerRecord,
			Expected: fmt.Sprintf("%s on the server", ref),
			Actual:   "not found",
		}
	case err != nil:
		return fmt.Errorf("server_record: %w", err)
	case a.Absent:
		return &AssertionError{
			Type:     AssertServerRecord,
			Expected: fmt.Sprintf("%s absent on the server", ref),
			Actual:   canonical(got),
		}
	}
	want, err := value.ObjectFromMap(a.Data)
	if err != nil {
		return fmt.Errorf("server_record: data: %w", err)
	}
	if !contains(got, want) {
		return &AssertionError{
			Type:     AssertServerRecord,
			Expected: fmt.Sprintf("%s data contains %s", ref, canonical(want)),
			Actual:   canonical(got),
		}
	}
	return nil
}

func (r *runner) assertQuery(a *Assertion) error {
	var keys []string
	if q, ok := r.live[a.Query]; ok {
		keys = q.StoreKeys()
	} else if q, ok := r.windowed[a.Query]; ok {
		keys = q.StoreKeys()
	} else {
		return fmt.Errorf("query: unknown query %q", a.Query)
	}

	got := make([]string, len(keys))
	for i, sk := range keys {
		got[i] = r.label(r.store(), sk)
	}
	want := a.IDs
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertQuery,
			Expected: fmt.Sprintf("%s lists %v", a.Query, want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func (r *runner) assertDiagnostics(a *Assertion) error {
	codes := r.diags.Codes()
	got := make([]string, len(codes))
	for i, c := range codes {
		got[i] = string(c)
	}
	want := a.Codes
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertDiagnostics,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func (r *runner) assertClientState(a *Assertion) error {
	if got := r.root.ClientState(a.RecordType); got != a.State {
		return &AssertionError{
			Type:     AssertClientState,
			Expected: fmt.Sprintf("%s at state %q", a.RecordType, a.State),
			Actual:   fmt.Sprintf("%q", got),
		}
	}
	return nil
}

// contains reports whether got matches want, where objects in want only
// need to be a subset of the corresponding objects in got.
func contains(got, want value.Value) bool {
	wantObj, ok := want.(value.Object)
	if !ok {
		return value.Equal(got, want)
	}
	gotObj, ok := got.(value.Object)
	if !ok {
		return len(wantObj) == 0 && got == nil
	}
	for k, w := range wantObj {
		if !contains(gotObj.Get(k), w) {
			return false
		}
	}
	return true
}

// toAnyMap keeps a nil map from turning into a JSON null.
func toAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func canonical(v value.Value) string {
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
