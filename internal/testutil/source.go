package testutil

import (
	"maps"
	"slices"
	"sync"

	"github.com/roach88/recsync/internal/store"
)

// SourceCall is one request a RecordingSource saw.
type SourceCall struct {
	Method string
	Type   string
	ID     string
	State  string
	// Counts summarises a commit: "Type.create", "Type.update" and
	// "Type.destroy" to the number of records of each kind.
	Counts map[string]int
	// Accepted is what the wrapped source (or Refuse) answered.
	Accepted bool
}

// RecordingSource wraps a store.Source and records every request before
// handing it on. With a nil Inner every request is refused, which makes it
// a stand-in for an offline source.
type RecordingSource struct {
	Inner store.Source

	// Refuse, if set, is consulted first; returning true refuses the
	// request without reaching Inner.
	Refuse func(method string) bool

	// OnCall, if set, is called with every recorded request.
	OnCall func(SourceCall)

	mu    sync.Mutex
	calls []SourceCall
}

var _ store.Source = (*RecordingSource)(nil)

// Calls returns a copy of the recorded requests in order.
func (r *RecordingSource) Calls() []SourceCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Methods returns the method names of the recorded requests in order.
func (r *RecordingSource) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Method
	}
	return out
}

// Reset forgets every recorded request.
func (r *RecordingSource) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *RecordingSource) record(call SourceCall, forward func() bool) bool {
	if r.Inner != nil && (r.Refuse == nil || !r.Refuse(call.Method)) {
		call.Accepted = forward()
	}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	if r.OnCall != nil {
		r.OnCall(call)
	}
	return call.Accepted
}

// FetchRecord implements store.Source.
func (r *RecordingSource) FetchRecord(st *store.Store, typ, id string) bool {
	return r.record(SourceCall{Method: "FetchRecord", Type: typ, ID: id}, func() bool {
		return r.Inner.FetchRecord(st, typ, id)
	})
}

// RefreshRecord implements store.Source.
func (r *RecordingSource) RefreshRecord(st *store.Store, typ, id string) bool {
	return r.record(SourceCall{Method: "RefreshRecord", Type: typ, ID: id}, func() bool {
		return r.Inner.RefreshRecord(st, typ, id)
	})
}

// FetchAllRecords implements store.Source.
func (r *RecordingSource) FetchAllRecords(st *store.Store, typ, clientState string) bool {
	return r.record(SourceCall{Method: "FetchAllRecords", Type: typ, State: clientState}, func() bool {
		return r.Inner.FetchAllRecords(st, typ, clientState)
	})
}

// CommitChanges implements store.Source. A refused commit never calls
// done; the store handles that itself.
func (r *RecordingSource) CommitChanges(st *store.Store, changes store.Changes, done func()) bool {
	counts := make(map[string]int)
	for _, typ := range slices.Sorted(maps.Keys(changes)) {
		tc := changes[typ]
		if n := len(tc.Create.StoreKeys); n > 0 {
			counts[typ+".create"] = n
		}
		if n := len(tc.Update.StoreKeys); n > 0 {
			counts[typ+".update"] = n
		}
		if n := len(tc.Destroy.StoreKeys); n > 0 {
			counts[typ+".destroy"] = n
		}
	}
	return r.record(SourceCall{Method: "CommitChanges", Counts: counts}, func() bool {
		return r.Inner.CommitChanges(st, changes, done)
	})
}

// FetchQuery implements store.Source.
func (r *RecordingSource) FetchQuery(q store.Query) bool {
	return r.record(SourceCall{Method: "FetchQuery", Type: q.Type(), ID: q.ID()}, func() bool {
		return r.Inner.FetchQuery(q)
	})
}
