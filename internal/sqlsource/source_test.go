package sqlsource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/value"
)

func TestFetchRecord_Found(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, rec := createTestStore(t, s)

	r := st.GetRecord("Todo", "a")
	assert.True(t, r.Status().Is(status.Loading))

	st.Loop().Flush()
	assert.Equal(t, status.Ready, r.Status())
	assert.True(t, value.Equal(todo("a", "one", 1), r.Data()))
	assert.Empty(t, rec.Codes())
}

func TestFetchRecord_NotFound(t *testing.T) {
	s := createTestSource(t)
	st, rec := createTestStore(t, s)

	r := st.GetRecord("Todo", "missing")
	st.Loop().Flush()

	assert.Equal(t, status.NonExistent, r.Status())
	assert.Empty(t, rec.Codes())
}

func TestRefreshRecord_PicksUpRemoteWrite(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, _ := createTestStore(t, s)

	r := st.GetRecord("Todo", "a")
	st.Loop().Flush()
	mustPut(t, s, "Todo", todo("a", "uno", 1))

	require.True(t, r.Refresh())
	st.Loop().Flush()
	assert.Equal(t, status.Ready, r.Status())
	assert.Equal(t, value.String("uno"), r.Get("title"))
}

func TestFetchAll_Full(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	mustPut(t, s, "Todo", todo("b", "two", 2))
	st, rec := createTestStore(t, s)

	require.True(t, st.FetchAll("Todo", false))
	st.Loop().Flush()

	assert.Equal(t, "2", st.ClientState("Todo"))
	assert.True(t, st.TypeStatus("Todo").Is(status.Ready))
	assert.Len(t, st.StoreKeysOfType("Todo"), 2)
	for _, id := range []string{"a", "b"} {
		assert.Equal(t, status.Ready, st.GetStatus(st.GetStoreKey("Todo", id)), id)
	}
	assert.Empty(t, rec.Codes())
}

func TestFetchAll_Delta(t *testing.T) {
	s := createTestSource(t)
	ctx := context.Background()
	mustPut(t, s, "Todo", todo("a", "one", 1))
	mustPut(t, s, "Todo", todo("b", "two", 2))
	st, rec := createTestStore(t, s)
	st.FetchAll("Todo", false)
	st.Loop().Flush()
	require.Equal(t, "2", st.ClientState("Todo"))
	skB := st.GetStoreKey("Todo", "b")

	// Another client writes.
	mustPut(t, s, "Todo", todo("c", "three", 3))
	_, err := s.Delete(ctx, "Todo", "a")
	require.NoError(t, err)
	mustPut(t, s, "Todo", todo("b", "deux", 2))

	require.True(t, st.FetchAll("Todo", true))
	st.Loop().Flush()

	assert.Equal(t, "5", st.ClientState("Todo"))
	assert.False(t, st.GetStatus(st.GetStoreKey("Todo", "a")).Is(status.Ready))
	assert.Equal(t, "deux", st.GetData(skB).StringOf("title"))
	assert.Equal(t, status.Ready, st.GetStatus(st.GetStoreKey("Todo", "c")))
	assert.Empty(t, rec.Codes())
}

func TestFetchAll_StateAheadOfServerReloads(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, _ := createTestStore(t, s)

	// A client state this source never issued is answered with the whole
	// type.
	st.SourceDidFetchRecords("Todo", nil, "99", true)
	require.Equal(t, "99", st.ClientState("Todo"))

	require.True(t, st.FetchAll("Todo", true))
	st.Loop().Flush()
	assert.Equal(t, "1", st.ClientState("Todo"))
	assert.Equal(t, status.Ready, st.GetStatus(st.GetStoreKey("Todo", "a")))
}

func TestCommit_CreateAssignsID(t *testing.T) {
	s := createTestSource(t)
	st, rec := createTestStore(t, s)

	r := st.NewRecord("Todo")
	r.Set("title", value.String("new"))
	require.True(t, r.SaveToStore())
	assert.True(t, r.Status().Is(status.New))

	st.Loop().Flush()

	assert.Equal(t, status.Ready, r.Status())
	assert.Equal(t, "id-1", r.ID())
	assert.Equal(t, value.String("id-1"), r.Get("id"))
	got, err := s.Get(context.Background(), "Todo", "id-1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.StringOf("title"))
	assert.Empty(t, rec.Codes())
}

func TestCommit_CreateWithExistingIDRejected(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, rec := createTestStore(t, s)

	r := st.NewRecord("Todo")
	r.Set("id", value.String("a"))
	r.Set("title", value.String("clash"))
	require.True(t, r.SaveToStore())
	st.Loop().Flush()

	assert.Equal(t, []diag.Code{diag.CommitRejected}, rec.Codes())
	assert.False(t, r.Status().Is(status.Ready))
	got, err := s.Get(context.Background(), "Todo", "a")
	require.NoError(t, err)
	assert.Equal(t, "one", got.StringOf("title"))
}

func TestCommit_UpdateMovesState(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, rec := createTestStore(t, s)
	st.FetchAll("Todo", false)
	st.Loop().Flush()

	r := st.GetRecord("Todo", "a")
	require.True(t, r.Set("title", value.String("changed")))
	assert.True(t, r.Status().Is(status.Dirty))
	st.Loop().Flush()

	assert.Equal(t, status.Ready, r.Status())
	assert.Equal(t, "2", st.ClientState("Todo"))
	got, err := s.Get(context.Background(), "Todo", "a")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.StringOf("title"))
	assert.Equal(t, value.Int(1), got.Get("rank"))
	assert.Empty(t, rec.Codes())
}

func TestCommit_UpdateMergesOnlyChangedAttributes(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, _ := createTestStore(t, s)
	r := st.GetRecord("Todo", "a")
	st.Loop().Flush()

	// Written elsewhere after this client loaded the record.
	mustPut(t, s, "Todo", todo("a", "one", 7))

	r.Set("title", value.String("mine"))
	st.Loop().Flush()

	got, err := s.Get(context.Background(), "Todo", "a")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.StringOf("title"))
	assert.Equal(t, value.Int(7), got.Get("rank"))
}

func TestCommit_DestroyMissingRejected(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, rec := createTestStore(t, s)
	r := st.GetRecord("Todo", "a")
	st.Loop().Flush()

	_, err := s.Delete(context.Background(), "Todo", "a")
	require.NoError(t, err)

	require.True(t, r.Destroy())
	st.Loop().Flush()

	assert.Contains(t, rec.Codes(), diag.CommitRejected)
	assert.False(t, r.Status().Is(status.Ready))
}

func TestCommit_Destroy(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, rec := createTestStore(t, s)
	st.FetchAll("Todo", false)
	st.Loop().Flush()

	require.True(t, st.GetRecord("Todo", "a").Destroy())
	st.Loop().Flush()

	_, err := s.Get(context.Background(), "Todo", "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "2", st.ClientState("Todo"))
	assert.Empty(t, rec.Codes())
}

func TestCommit_OnUnknownStateReloads(t *testing.T) {
	s := createTestSource(t)
	mustPut(t, s, "Todo", todo("a", "one", 1))
	st, rec := createTestStore(t, s)
	st.FetchAll("Todo", false)
	st.Loop().Flush()

	mustPut(t, s, "Todo", todo("b", "two", 2))

	st.GetRecord("Todo", "a").Set("title", value.String("changed"))
	st.Loop().Flush()

	assert.Equal(t, []diag.Code{diag.SourceCommitOnUnknownState}, rec.Codes())
	assert.Equal(t, "3", st.ClientState("Todo"))
	assert.Equal(t, status.Ready, st.GetStatus(st.GetStoreKey("Todo", "b")))
}

func TestCommit_CoalescedAcrossTypes(t *testing.T) {
	s := createTestSource(t)
	st, rec := createTestStore(t, s)

	for _, typ := range []string{"Todo", "Todo", "Note"} {
		r := st.NewRecord(typ)
		r.Set("title", value.String(typ))
		require.True(t, r.SaveToStore())
	}
	st.Loop().Flush()

	all, err := s.Dump(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	// One transaction, one state per type.
	for _, typ := range []string{"Todo", "Note"} {
		state, err := s.State(context.Background(), typ)
		require.NoError(t, err)
		assert.Equal(t, "1", state, typ)
	}
	assert.Empty(t, rec.Codes())
}

func TestCommit_FromNestedStore(t *testing.T) {
	s := createTestSource(t)
	st, rec := createTestStore(t, s)
	nested := store.NewNested(st)

	r := nested.NewRecord("Todo")
	r.Set("title", value.String("draft"))
	require.True(t, r.SaveToStore())
	st.Loop().Flush()

	all, err := s.Dump(context.Background(), "Todo")
	require.NoError(t, err)
	assert.Empty(t, all)

	nested.CommitChanges()
	st.Loop().Flush()

	all, err = s.Dump(context.Background(), "Todo")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "draft", all[0].Data.StringOf("title"))
	assert.Equal(t, "id-1", st.GetIDFromStoreKey(r.StoreKey()))
	assert.Empty(t, rec.Codes())
}

func TestCommit_ClosedSourceRefuses(t *testing.T) {
	s := createTestSource(t)
	st, _ := createTestStore(t, s)
	require.NoError(t, s.Close())

	r := st.NewRecord("Todo")
	require.True(t, r.SaveToStore())
	st.Loop().Flush()

	assert.True(t, r.Status().Is(status.New))
	assert.True(t, st.HasChanges())
}
