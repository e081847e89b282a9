package store

import (
	"testing"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
	"github.com/stretchr/testify/require"
)

// fakeSource records every request and answers nothing by itself; tests
// drive the store callbacks directly.
type fakeSource struct {
	refuse    bool
	fetches   []string
	refreshes []string
	fetchAlls []string
	commits   []Changes
	dones     []func()
	queries   []Query
}

func (f *fakeSource) FetchRecord(_ *Store, typ, id string) bool {
	if f.refuse {
		return false
	}
	f.fetches = append(f.fetches, typ+"/"+id)
	return true
}

func (f *fakeSource) RefreshRecord(_ *Store, typ, id string) bool {
	if f.refuse {
		return false
	}
	f.refreshes = append(f.refreshes, typ+"/"+id)
	return true
}

func (f *fakeSource) FetchAllRecords(_ *Store, typ, clientState string) bool {
	if f.refuse {
		return false
	}
	f.fetchAlls = append(f.fetchAlls, typ+"@"+clientState)
	return true
}

func (f *fakeSource) CommitChanges(_ *Store, changes Changes, done func()) bool {
	if f.refuse {
		return false
	}
	f.commits = append(f.commits, changes)
	f.dones = append(f.dones, done)
	return true
}

func (f *fakeSource) FetchQuery(q Query) bool {
	if f.refuse {
		return false
	}
	f.queries = append(f.queries, q)
	return true
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeSource, *diag.Recorder) {
	t.Helper()
	src := &fakeSource{}
	rec := &diag.Recorder{}
	st := New(src, append([]Option{WithSink(rec)}, opts...)...)
	t.Cleanup(func() { requireInvariants(t, st) })
	return st, src, rec
}

func todo(id, title string) value.Object {
	return value.Object{"id": value.String(id), "title": value.String(title), "done": value.Bool(false)}
}

// seed loads records of type Todo as a complete fetch at state s1 and
// returns their keys.
func seed(t *testing.T, st *Store, records ...value.Object) []string {
	t.Helper()
	st.SourceDidFetchRecords("Todo", records, "s1", true)
	var keys []string
	for _, r := range records {
		sk, ok := st.ids.lookup("Todo", r.StringOf("id"))
		require.True(t, ok)
		require.Equal(t, status.Ready, st.GetStatus(sk))
		keys = append(keys, sk)
	}
	return keys
}

// requireInvariants checks the status rules over every known key.
func requireInvariants(t *testing.T, st *Store) {
	t.Helper()
	for _, typ := range st.TypeNames() {
		for _, sk := range st.ids.keysOfType(typ) {
			s := st.GetStatus(sk)
			require.True(t, s.Valid(), "key %s has invalid status %s", sk, s)
			require.False(t, s.Is(status.Ready|status.Destroyed), "key %s is READY and DESTROYED", sk)
			if s.Is(status.New) {
				require.NotNil(t, st.GetData(sk), "key %s is NEW without data", sk)
			}
		}
	}
}

type fakeQuery struct {
	id, typ string
	calls   [][]string
	types   []string
}

func (q *fakeQuery) ID() string   { return q.id }
func (q *fakeQuery) Type() string { return q.typ }

func (q *fakeQuery) StoreDidChangeRecords(keys []string) {
	q.calls = append(q.calls, keys)
}

func (q *fakeQuery) StoreTypeDidChange(typ string) {
	q.types = append(q.types, typ)
}
