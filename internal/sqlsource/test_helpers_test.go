package sqlsource

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/testutil"
	"github.com/roach88/recsync/internal/value"
)

// createTestSource opens a source on a fresh database file.
func createTestSource(t *testing.T) *Source {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.NewID = testutil.NewIDSequence("id-").Next
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestStore wires a store to src with commits on and diagnostics
// recorded.
func createTestStore(t *testing.T, src *Source) (*store.Store, *diag.Recorder) {
	t.Helper()
	rec := &diag.Recorder{}
	st := store.New(src, store.WithSink(rec))
	return st, rec
}

func todo(id, title string, rank int) value.Object {
	return value.Object{
		"id":    value.String(id),
		"title": value.String(title),
		"rank":  value.Int(rank),
		"done":  value.Bool(false),
	}
}

func mustPut(t *testing.T, s *Source, typ string, data value.Object) string {
	t.Helper()
	state, err := s.Put(context.Background(), typ, data.StringOf("id"), data)
	require.NoError(t, err)
	return state
}
