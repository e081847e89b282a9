package store

import (
	"errors"
	"testing"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStoreKey(t *testing.T) {
	st, _, _ := newTestStore(t)

	a := st.GetStoreKey("Todo", "t1")
	assert.Equal(t, a, st.GetStoreKey("Todo", "t1"))
	assert.NotEqual(t, a, st.GetStoreKey("Mailbox", "t1"))
	assert.NotEqual(t, st.GetStoreKey("Todo", ""), st.GetStoreKey("Todo", ""))
	assert.Equal(t, "t1", st.GetIDFromStoreKey(a))
	assert.Equal(t, "Todo", st.GetTypeFromStoreKey(a))
	assert.Equal(t, status.Empty, st.GetStatus(a))
}

func TestCommitChanges_CoalescedPerTurn(t *testing.T) {
	st, src, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		sk := st.GetStoreKey("Todo", "")
		require.True(t, st.CreateRecord(sk, value.Object{"title": value.String("x")}))
		st.CommitChanges()
		st.CommitChanges()
	}
	assert.Empty(t, src.commits, "commit must wait for the end of the turn")

	st.Loop().Flush()

	require.Len(t, src.commits, 1)
	create := src.commits[0]["Todo"].Create
	assert.Len(t, create.StoreKeys, 3)
	assert.Equal(t, "id", src.commits[0]["Todo"].PrimaryKey)
	for _, sk := range create.StoreKeys {
		assert.Equal(t, status.Ready|status.New|status.Committing, st.GetStatus(sk))
	}
}

func TestCreateRecord_Lifecycle(t *testing.T) {
	st, src, _ := newTestStore(t)
	seed(t, st)
	sk := st.GetStoreKey("Todo", "")

	require.True(t, st.CreateRecord(sk, value.Object{"title": value.String("buy milk")}))
	assert.Equal(t, status.Ready|status.New, st.GetStatus(sk))
	assert.True(t, st.HasChanges())

	st.Loop().Flush()
	require.Len(t, src.commits, 1)
	assert.Equal(t, "s1", src.commits[0]["Todo"].State)
	assert.True(t, st.TypeStatus("Todo").Is(status.Committing))

	st.SourceDidCommitCreate(map[string]value.Object{sk: {"id": value.String("t9")}})
	st.SourceCommitDidChangeState("Todo", "s1", "s2")
	src.dones[0]()

	assert.Equal(t, status.Ready, st.GetStatus(sk))
	assert.Equal(t, "t9", st.GetIDFromStoreKey(sk))
	assert.Equal(t, sk, st.GetStoreKey("Todo", "t9"))
	assert.Equal(t, "t9", st.GetData(sk).StringOf("id"))
	assert.Equal(t, "s2", st.ClientState("Todo"))
	assert.False(t, st.HasChanges())
	assert.False(t, st.TypeStatus("Todo").Is(status.Committing))
}

func TestCreateRecord_RefusesLiveRecord(t *testing.T) {
	st, _, rec := newTestStore(t)
	sk := seed(t, st, todo("t1", "a"))[0]

	assert.False(t, st.CreateRecord(sk, value.Object{}))
	assert.Equal(t, []diag.Code{diag.CannotCreateExistingRecord}, rec.Codes())
	assert.Equal(t, "a", st.GetData(sk).StringOf("title"))
}

func TestUpdateData_RefusesUnreadyRecord(t *testing.T) {
	st, _, rec := newTestStore(t)
	sk := st.GetStoreKey("Todo", "t1")

	assert.False(t, st.UpdateData(sk, value.Object{"title": value.String("x")}, true))
	assert.False(t, st.SetData(sk, value.Object{}))
	assert.Equal(t, []diag.Code{diag.CannotWriteToUnreadyRecord, diag.CannotWriteToUnreadyRecord}, rec.Codes())
	assert.Nil(t, st.GetData(sk))
}

func TestUpdateData_DirtyConvergence(t *testing.T) {
	orders := [][]value.Object{
		{{"title": value.String("b")}, {"done": value.Bool(true)}, {"title": value.String("a")}, {"done": value.Bool(false)}},
		{{"done": value.Bool(true)}, {"title": value.String("b")}, {"done": value.Bool(false)}, {"title": value.String("a")}},
		{{"title": value.String("b")}, {"title": value.String("c")}, {"title": value.String("a")}},
	}
	for i, writes := range orders {
		st, _, _ := newTestStore(t, WithAutoCommit(false))
		sk := seed(t, st, todo("t1", "a"))[0]

		for j, w := range writes {
			require.True(t, st.UpdateData(sk, w, true))
			if j < len(writes)-1 {
				assert.True(t, st.GetStatus(sk).Is(status.Dirty), "order %d write %d", i, j)
			}
		}
		assert.Equal(t, status.Ready, st.GetStatus(sk), "order %d", i)
		assert.Empty(t, st.ChangedAttributes(sk))
		assert.False(t, st.HasChanges())
	}
}

func TestUpdateData_NonDirtyWriteIsNotTracked(t *testing.T) {
	st, _, _ := newTestStore(t, WithAutoCommit(false))
	sk := seed(t, st, todo("t1", "a"))[0]

	require.True(t, st.UpdateData(sk, value.Object{"title": value.String("z")}, false))
	assert.Equal(t, status.Ready, st.GetStatus(sk))
	assert.Equal(t, "z", st.GetData(sk).StringOf("title"))
}

func TestRevertData(t *testing.T) {
	st, _, _ := newTestStore(t, WithAutoCommit(false))
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"title": value.String("b"), "extra": value.Int(1)}, true)
	require.True(t, st.RevertData(sk))

	assert.Equal(t, todo("t1", "a"), st.GetData(sk))
	assert.Equal(t, status.Ready, st.GetStatus(sk))
	assert.False(t, st.RevertData(sk))
}

func TestCommit_EditDuringFlightIsQueued(t *testing.T) {
	st, src, _ := newTestStore(t)
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"title": value.String("b")}, true)
	st.Loop().Flush()
	require.Len(t, src.commits, 1)
	upd := src.commits[0]["Todo"].Update
	assert.Equal(t, []string{sk}, upd.StoreKeys)
	assert.Equal(t, [][]string{{"title"}}, upd.Changed)
	assert.Equal(t, "a", upd.Committed[0].StringOf("title"))
	assert.Equal(t, "s1", src.commits[0]["Todo"].State)
	assert.Equal(t, status.Ready|status.Committing, st.GetStatus(sk))

	st.UpdateData(sk, value.Object{"title": value.String("c")}, true)
	st.Loop().Flush()
	assert.Len(t, src.commits, 1, "a committing record is never sent twice")
	assert.Equal(t, status.Ready|status.Committing|status.Dirty, st.GetStatus(sk))

	st.SourceDidCommitUpdate([]string{sk})
	src.dones[0]()
	assert.Equal(t, status.Ready|status.Dirty, st.GetStatus(sk))

	st.Loop().Flush()
	require.Len(t, src.commits, 2)
	upd = src.commits[1]["Todo"].Update
	assert.Equal(t, "c", upd.Records[0].StringOf("title"))
	assert.Equal(t, "b", upd.Committed[0].StringOf("title"))
}

func TestCommit_FetchDuringFlightKeepsInFlightValues(t *testing.T) {
	st, src, _ := newTestStore(t)
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"title": value.String("b")}, true)
	st.Loop().Flush()
	require.Len(t, src.commits, 1)
	require.Equal(t, status.Ready|status.Committing, st.GetStatus(sk))

	// Data read before the update landed.
	st.SourceDidFetchPartialRecords("Todo", map[string]value.Object{
		"t1": {"id": value.String("t1"), "title": value.String("a"), "done": value.Bool(true)},
	})
	assert.Equal(t, "b", st.GetData(sk).StringOf("title"))
	assert.Equal(t, value.Bool(true), st.GetData(sk).Get("done"))
	assert.Equal(t, status.Ready|status.Committing|status.Obsolete, st.GetStatus(sk))
	assert.Empty(t, src.refreshes)

	st.SourceDidCommitUpdate([]string{sk})
	src.dones[0]()
	assert.Equal(t, "b", st.GetData(sk).StringOf("title"))
	assert.Equal(t, status.Ready|status.Obsolete|status.Loading, st.GetStatus(sk))
	assert.Equal(t, []string{"Todo/t1"}, src.refreshes, "the record is refetched once the update resolves")

	st.SourceDidFetchPartialRecords("Todo", map[string]value.Object{
		"t1": {"id": value.String("t1"), "title": value.String("b"), "done": value.Bool(true)},
	})
	assert.Equal(t, status.Ready, st.GetStatus(sk))
	assert.Equal(t, "b", st.GetData(sk).StringOf("title"))
	assert.False(t, st.HasChanges())
}

func TestCommit_FetchDuringFlightThenRejected(t *testing.T) {
	st, src, rec := newTestStore(t)
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"title": value.String("b")}, true)
	st.Loop().Flush()
	require.Len(t, src.commits, 1)

	st.SourceDidFetchPartialRecords("Todo", map[string]value.Object{
		"t1": {"id": value.String("t1"), "title": value.String("z"), "done": value.Bool(true)},
	})
	assert.Equal(t, "b", st.GetData(sk).StringOf("title"))

	st.SourceDidNotUpdate([]string{sk}, true)
	src.dones[0]()
	assert.Equal(t, []diag.Code{diag.CommitRejected}, rec.Codes())
	assert.Equal(t, "z", st.GetData(sk).StringOf("title"), "rolls back to the latest server data")
	assert.Equal(t, value.Bool(true), st.GetData(sk).Get("done"))
}

func TestCommit_StripsNoSyncAttributes(t *testing.T) {
	st, src, _ := newTestStore(t, WithTypes(TypeDef{
		Name:       "Todo",
		Attributes: map[string]AttributeDef{"expanded": {NoSync: true}},
	}))
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"expanded": value.Bool(true)}, true)
	st.Loop().Flush()
	assert.Empty(t, src.commits)
	assert.Equal(t, status.Ready, st.GetStatus(sk))

	st.UpdateData(sk, value.Object{"expanded": value.Bool(false), "title": value.String("b")}, true)
	st.Loop().Flush()
	require.Len(t, src.commits, 1)
	upd := src.commits[0]["Todo"].Update
	assert.Equal(t, [][]string{{"title"}}, upd.Changed)
	_, has := upd.Records[0]["expanded"]
	assert.False(t, has)
}

func TestSourceDidNotUpdate_TemporaryKeepsEdits(t *testing.T) {
	st, src, _ := newTestStore(t)
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"title": value.String("b")}, true)
	st.Loop().Flush()
	st.SourceDidNotUpdate([]string{sk}, false)
	src.dones[0]()

	assert.Equal(t, status.Ready|status.Dirty, st.GetStatus(sk))
	assert.Equal(t, []string{"title"}, st.ChangedAttributes(sk))
	assert.Equal(t, "b", st.GetData(sk).StringOf("title"))

	st.Loop().Flush()
	assert.Len(t, src.commits, 1, "temporary failures wait for the next explicit commit")
	st.CommitChanges()
	st.Loop().Flush()
	assert.Len(t, src.commits, 2)
}

func TestSourceDidError_RollsBackAndRefetches(t *testing.T) {
	st, src, rec := newTestStore(t)
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"title": value.String("b")}, true)
	st.Loop().Flush()
	cause := errors.New("forbidden")
	st.SourceDidError([]string{sk}, cause)

	assert.Equal(t, "a", st.GetData(sk).StringOf("title"))
	assert.Equal(t, status.Ready|status.Obsolete|status.Loading, st.GetStatus(sk))
	assert.Equal(t, []string{"Todo/t1"}, src.refreshes)
	require.Len(t, rec.Errors(), 1)
	assert.Equal(t, diag.CommitRejected, rec.Errors()[0].Code)
	assert.ErrorIs(t, rec.Errors()[0], cause)
}

func TestSourceDidNotCreate(t *testing.T) {
	st, src, rec := newTestStore(t)
	a := st.GetStoreKey("Todo", "")
	b := st.GetStoreKey("Todo", "")
	st.CreateRecord(a, value.Object{"title": value.String("a")})
	st.CreateRecord(b, value.Object{"title": value.String("b")})
	st.Loop().Flush()

	st.SourceDidNotCreate([]string{a}, false)
	st.SourceDidNotCreate([]string{b}, true)

	assert.Equal(t, status.Ready|status.New, st.GetStatus(a))
	assert.True(t, st.created.has(a))
	assert.Equal(t, status.Empty, st.GetStatus(b))
	assert.Equal(t, []diag.Code{diag.CommitRejected}, rec.Codes())

	st.CommitChanges()
	st.Loop().Flush()
	require.Len(t, src.commits, 2)
	assert.Equal(t, []string{a}, src.commits[1]["Todo"].Create.StoreKeys)
}

func TestSourceDidCommitCreate_Mismatch(t *testing.T) {
	st, _, rec := newTestStore(t)
	sk := seed(t, st, todo("t1", "a"))[0]

	st.SourceDidCommitCreate(map[string]value.Object{sk: {"id": value.String("t1")}})

	assert.Equal(t, []diag.Code{diag.SourceCommitCreateMismatch}, rec.Codes())
	assert.Equal(t, status.Ready, st.GetStatus(sk))
}

func TestDestroyRecord(t *testing.T) {
	t.Run("uncommitted record is unloaded", func(t *testing.T) {
		st, src, _ := newTestStore(t)
		sk := st.GetStoreKey("Todo", "")
		st.CreateRecord(sk, value.Object{})

		require.True(t, st.DestroyRecord(sk))

		assert.Equal(t, status.Empty, st.GetStatus(sk))
		assert.False(t, st.HasChanges())
		st.Loop().Flush()
		assert.Empty(t, src.commits)
	})

	t.Run("committed record is destroyed through the source", func(t *testing.T) {
		st, src, _ := newTestStore(t)
		sk := seed(t, st, todo("t1", "a"))[0]
		st.UpdateData(sk, value.Object{"title": value.String("b")}, true)

		require.True(t, st.DestroyRecord(sk))
		assert.Equal(t, status.Destroyed|status.Dirty, st.GetStatus(sk))
		assert.Equal(t, "a", st.GetData(sk).StringOf("title"), "edits are reverted")

		st.Loop().Flush()
		require.Len(t, src.commits, 1)
		assert.Equal(t, []string{"t1"}, src.commits[0]["Todo"].Destroy.IDs)
		assert.Empty(t, src.commits[0]["Todo"].Update.StoreKeys)
		assert.Equal(t, status.Destroyed|status.Committing, st.GetStatus(sk))

		st.SourceDidCommitDestroy([]string{sk})
		assert.Equal(t, status.Empty, st.GetStatus(sk))
	})

	t.Run("undestroy before commit", func(t *testing.T) {
		st, _, _ := newTestStore(t, WithAutoCommit(false))
		sk := seed(t, st, todo("t1", "a"))[0]

		st.DestroyRecord(sk)
		require.True(t, st.UndestroyRecord(sk))

		assert.Equal(t, status.Ready, st.GetStatus(sk))
		assert.False(t, st.HasChanges())
	})

	t.Run("undestroy while destroy in flight", func(t *testing.T) {
		st, src, _ := newTestStore(t)
		sk := seed(t, st, todo("t1", "a"))[0]
		st.DestroyRecord(sk)
		st.Loop().Flush()

		require.True(t, st.UndestroyRecord(sk))
		assert.Equal(t, status.Ready|status.New|status.Committing, st.GetStatus(sk))

		st.SourceDidCommitDestroy([]string{sk})
		src.dones[0]()
		assert.Equal(t, status.Ready|status.New, st.GetStatus(sk))

		st.Loop().Flush()
		require.Len(t, src.commits, 2)
		assert.Equal(t, []string{sk}, src.commits[1]["Todo"].Create.StoreKeys)
	})

	t.Run("permanent destroy failure restores the record", func(t *testing.T) {
		st, src, rec := newTestStore(t)
		sk := seed(t, st, todo("t1", "a"))[0]
		st.DestroyRecord(sk)
		st.Loop().Flush()

		st.SourceDidNotDestroy([]string{sk}, true)

		assert.Equal(t, status.Ready|status.Obsolete|status.Loading, st.GetStatus(sk))
		assert.Equal(t, []string{"Todo/t1"}, src.refreshes)
		assert.Equal(t, []diag.Code{diag.CommitRejected}, rec.Codes())
	})
}

func TestDiscardChanges_Root(t *testing.T) {
	st, _, _ := newTestStore(t, WithAutoCommit(false))
	keys := seed(t, st, todo("t1", "a"), todo("t2", "b"))
	created := st.GetStoreKey("Todo", "")
	st.CreateRecord(created, value.Object{})
	st.UpdateData(keys[0], value.Object{"title": value.String("x")}, true)
	st.DestroyRecord(keys[1])

	st.DiscardChanges()

	assert.False(t, st.HasChanges())
	assert.Equal(t, status.Empty, st.GetStatus(created))
	assert.Equal(t, todo("t1", "a"), st.GetData(keys[0]))
	assert.Equal(t, status.Ready, st.GetStatus(keys[1]))
}

func TestUnloadRecord(t *testing.T) {
	st, _, _ := newTestStore(t, WithAutoCommit(false))
	keys := seed(t, st, todo("t1", "a"), todo("t2", "b"))

	cancel := st.Materialize(keys[0]).Observe(func(RecordEvent) {})
	assert.False(t, st.UnloadRecord(keys[0]), "observed")
	cancel()

	st.UpdateData(keys[1], value.Object{"title": value.String("x")}, true)
	assert.False(t, st.UnloadRecord(keys[1]), "dirty")

	nested := NewNested(st)
	nested.UpdateData(keys[0], value.Object{"title": value.String("n")}, true)
	assert.False(t, st.UnloadRecord(keys[0]), "overridden by nested store")
	nested.Destroy()

	require.True(t, st.UnloadRecord(keys[0]))
	assert.Equal(t, status.Empty, st.GetStatus(keys[0]))
	assert.Equal(t, "", st.GetIDFromStoreKey(keys[0]))
	assert.NotEqual(t, keys[0], st.GetStoreKey("Todo", "t1"))
}

func TestFetch(t *testing.T) {
	t.Run("GetRecord fetches empty records once", func(t *testing.T) {
		st, src, _ := newTestStore(t)

		r := st.GetRecord("Todo", "t1")
		st.GetRecord("Todo", "t1")

		assert.Equal(t, []string{"Todo/t1"}, src.fetches)
		assert.Equal(t, status.Empty|status.Loading, r.Status())

		st.SourceDidFetchRecords("Todo", []value.Object{todo("t1", "a")}, "s1", false)
		assert.Equal(t, status.Ready, r.Status())
		assert.Equal(t, value.String("a"), r.Get("title"))
		assert.Equal(t, "s1", st.ClientState("Todo"))
	})

	t.Run("not found becomes NON_EXISTENT", func(t *testing.T) {
		st, _, rec := newTestStore(t)
		r := st.GetRecord("Todo", "t1")

		st.SourceCouldNotFindRecords("Todo", []string{"t1"})
		assert.Equal(t, status.NonExistent, r.Status())

		st.SourceDidFetchRecords("Todo", []value.Object{todo("t1", "a")}, "", false)
		assert.Equal(t, status.Ready, r.Status())
		assert.Equal(t, []diag.Code{diag.FetchedDestroyedOrNonExistent}, rec.Codes())
	})

	t.Run("complete fetch drops missing records", func(t *testing.T) {
		st, _, _ := newTestStore(t)
		keys := seed(t, st, todo("t1", "a"), todo("t2", "b"))

		st.SourceDidFetchRecords("Todo", []value.Object{todo("t1", "a2")}, "s2", true)

		assert.Equal(t, "a2", st.GetData(keys[0]).StringOf("title"))
		assert.Equal(t, status.Empty, st.GetStatus(keys[1]))
		assert.Equal(t, "s2", st.ClientState("Todo"))
		assert.Equal(t, status.Ready, st.TypeStatus("Todo"))
	})

	t.Run("FetchAll skips loaded types unless forced", func(t *testing.T) {
		st, src, _ := newTestStore(t)
		require.True(t, st.FetchAll("Todo", false))
		assert.False(t, st.FetchAll("Todo", true), "already loading")
		st.SourceDidFetchRecords("Todo", nil, "s1", true)

		assert.False(t, st.FetchAll("Todo", false))
		assert.True(t, st.FetchAll("Todo", true))
		assert.Equal(t, []string{"Todo@", "Todo@s1"}, src.fetchAlls)
	})
}

func TestSourceDidFetchUpdates(t *testing.T) {
	st, src, _ := newTestStore(t)
	keys := seed(t, st, todo("t1", "a"), todo("t2", "b"))

	st.SourceDidFetchUpdates("Todo", []string{"t1"}, []string{"t2"}, "s1", "s2")

	assert.Equal(t, status.Ready|status.Obsolete|status.Loading, st.GetStatus(keys[0]))
	assert.Equal(t, []string{"Todo/t1"}, src.refreshes)
	assert.Equal(t, status.Empty, st.GetStatus(keys[1]))
	assert.Equal(t, "s2", st.ClientState("Todo"))

	st.SourceDidFetchPartialRecords("Todo", map[string]value.Object{"t1": {"title": value.String("a2")}})
	assert.Equal(t, status.Ready, st.GetStatus(keys[0]))
	assert.Equal(t, "a2", st.GetData(keys[0]).StringOf("title"))
}

func TestSourceDidFetchUpdates_StaleDeltaRefetches(t *testing.T) {
	st, src, _ := newTestStore(t)
	seed(t, st, todo("t1", "a"))

	st.SourceDidFetchUpdates("Todo", []string{"t1"}, nil, "s0", "s5")

	assert.Equal(t, "s1", st.ClientState("Todo"))
	assert.Equal(t, []string{"Todo@s1"}, src.fetchAlls)
	assert.Empty(t, src.refreshes)
}

func TestSourceStateDidChange_WaitsForInFlightFetch(t *testing.T) {
	st, src, _ := newTestStore(t)
	seed(t, st, todo("t1", "a"))

	require.True(t, st.FetchAll("Todo", true))
	st.SourceStateDidChange("Todo", "s2")
	assert.Len(t, src.fetchAlls, 1)
	assert.True(t, st.TypeStatus("Todo").Is(status.Obsolete))

	st.SourceDidFinishFetchingType("Todo")
	assert.Len(t, src.fetchAlls, 2)

	st.SourceDidFetchRecords("Todo", []value.Object{todo("t1", "a2")}, "s2", true)
	assert.Equal(t, status.Ready, st.TypeStatus("Todo"))
}

func TestMarkTypeObsolete_NextFetchAllGoesToSource(t *testing.T) {
	st, src, _ := newTestStore(t)
	seed(t, st, todo("t1", "a"))

	assert.False(t, st.FetchAll("Todo", false), "already loaded")
	assert.Empty(t, src.fetchAlls)

	st.MarkTypeObsolete("Todo")
	require.True(t, st.FetchAll("Todo", false))
	assert.Equal(t, []string{"Todo@s1"}, src.fetchAlls)
}

func TestSourceCommitDidChangeState_UnknownState(t *testing.T) {
	st, src, rec := newTestStore(t)
	seed(t, st, todo("t1", "a"))

	st.SourceCommitDidChangeState("Todo", "s0", "s2")

	assert.Equal(t, []diag.Code{diag.SourceCommitOnUnknownState}, rec.Codes())
	assert.Equal(t, []string{"Todo@"}, src.fetchAlls)
	assert.True(t, st.TypeStatus("Todo").Is(status.Loading))
}

func TestFetchedDataRebasesLocalEdits(t *testing.T) {
	st, _, _ := newTestStore(t, WithAutoCommit(false))
	sk := seed(t, st, todo("t1", "a"))[0]
	st.UpdateData(sk, value.Object{"title": value.String("mine")}, true)

	st.SourceDidFetchPartialRecords("Todo", map[string]value.Object{"t1": {"title": value.String("theirs"), "done": value.Bool(true)}})

	assert.Equal(t, "mine", st.GetData(sk).StringOf("title"))
	assert.Equal(t, value.Bool(true), st.GetData(sk)["done"])
	assert.Equal(t, "theirs", st.committed[sk].StringOf("title"))
	assert.Equal(t, status.Ready|status.Dirty, st.GetStatus(sk))

	st.SourceDidFetchPartialRecords("Todo", map[string]value.Object{"t1": {"title": value.String("mine")}})
	assert.Equal(t, status.Ready, st.GetStatus(sk))
	assert.False(t, st.HasChanges())
}

func TestFetchedDataDiscardsConflictsWhenNotRebasing(t *testing.T) {
	st, _, _ := newTestStore(t, WithAutoCommit(false), WithRebaseConflicts(false))
	sk := seed(t, st, todo("t1", "a"))[0]
	st.UpdateData(sk, value.Object{"title": value.String("mine")}, true)

	st.SourceDidFetchPartialRecords("Todo", map[string]value.Object{"t1": {"title": value.String("theirs")}})

	assert.Equal(t, "theirs", st.GetData(sk).StringOf("title"))
	assert.Equal(t, status.Ready, st.GetStatus(sk))
}

func TestLiveQueryRefreshIsBatchedPerTurn(t *testing.T) {
	st, _, _ := newTestStore(t, WithAutoCommit(false))
	q := &fakeQuery{id: "q1", typ: "Todo"}
	other := &fakeQuery{id: "q2", typ: "Mailbox"}
	st.AddQuery(q)
	st.AddQuery(other)
	assert.Equal(t, Query(q), st.GetQuery("q1"))

	keys := seed(t, st, todo("t1", "a"), todo("t2", "b"))
	st.UpdateData(keys[0], value.Object{"title": value.String("z")}, true)
	st.Loop().Flush()

	require.Len(t, q.calls, 1)
	assert.ElementsMatch(t, keys, q.calls[0])
	assert.Empty(t, other.calls)

	st.RemoveQuery(q)
	st.UpdateData(keys[1], value.Object{"title": value.String("z")}, true)
	st.Loop().Flush()
	assert.Len(t, q.calls, 1)
	assert.Nil(t, st.GetQuery("q1"))
}

func TestTypeObserversHearStateChanges(t *testing.T) {
	st, _, _ := newTestStore(t)
	q := &fakeQuery{id: "q1", typ: "Todo"}
	st.AddQuery(q)

	seed(t, st, todo("t1", "a"))
	assert.Empty(t, q.types, "first state is not a change")

	st.SourceCommitDidChangeState("Todo", "s1", "s2")
	assert.Equal(t, []string{"Todo"}, q.types)
}

func TestRecord(t *testing.T) {
	st, src, _ := newTestStore(t, WithTypes(TypeDef{
		Name:       "Todo",
		Attributes: map[string]AttributeDef{"done": {Default: value.Bool(false)}},
	}))

	r := st.NewRecord("Todo")
	assert.Equal(t, status.Empty, r.Status())
	r.Set("title", value.String("write tests"))
	assert.Equal(t, value.Bool(false), r.Get("done"))

	var events []RecordEventKind
	require.True(t, r.SaveToStore())
	r.Observe(func(ev RecordEvent) { events = append(events, ev.Kind) })
	assert.Equal(t, status.Ready|status.New, r.Status())
	assert.Equal(t, value.Bool(false), r.Data()["done"])
	assert.Same(t, r, st.Materialize(r.StoreKey()))
	assert.False(t, r.SaveToStore())

	st.Loop().Flush()
	st.SourceDidCommitCreate(map[string]value.Object{r.StoreKey(): {"id": value.String("t1")}})
	assert.Equal(t, "t1", r.ID())

	r.Set("title", value.String("ship it"))
	assert.Equal(t, status.Ready|status.Dirty, r.Status())
	assert.Equal(t, []RecordEventKind{StatusChanged, StatusChanged, DataChanged, DataChanged, StatusChanged}, events)

	src.dones[0]()
	st.Loop().Flush()
	st.SourceDidCommitUpdate([]string{r.StoreKey()})
	require.True(t, r.Refresh())
	assert.Equal(t, []string{"Todo/t1"}, src.refreshes)
}

func TestAggregateSource(t *testing.T) {
	a := &fakeSource{refuse: true}
	b := &fakeSource{}
	c := &fakeSource{}
	agg := NewAggregateSource(a, b)
	agg.AddSource(c)
	st := New(agg, WithSink(&diag.Recorder{}))

	assert.True(t, agg.FetchRecord(st, "Todo", "t1"))
	assert.Equal(t, []string{"Todo/t1"}, b.fetches)
	assert.Empty(t, c.fetches)

	done := 0
	assert.True(t, agg.CommitChanges(st, Changes{}, func() { done++ }))
	require.Len(t, b.dones, 1)
	require.Len(t, c.dones, 1)
	b.dones[0]()
	assert.Equal(t, 0, done)
	c.dones[0]()
	assert.Equal(t, 1, done)

	assert.False(t, NewAggregateSource(a).CommitChanges(st, Changes{}, func() { done++ }))
	assert.Equal(t, 1, done)
	assert.Len(t, agg.Sources(), 3)
}

func TestCommitRefusedBySourceLeavesChangesPending(t *testing.T) {
	st, src, _ := newTestStore(t)
	src.refuse = true
	sk := seed(t, st, todo("t1", "a"))[0]

	st.UpdateData(sk, value.Object{"title": value.String("b")}, true)
	st.Loop().Flush()

	assert.Equal(t, status.Ready|status.Dirty, st.GetStatus(sk))
	assert.True(t, st.HasChanges())
	assert.False(t, st.TypeStatus("Todo").Is(status.Committing))
}
