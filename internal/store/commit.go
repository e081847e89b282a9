package store

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
)

// CommitChanges sends every pending local edit to the source. On a root
// store the commit is deferred to the end of the current loop turn, so any
// number of calls within one turn produce a single source commit. On a
// nested store the edits are replayed onto the parent immediately.
//
// A record whose previous commit is still in flight stays pending and is
// committed after that commit resolves.
func (s *Store) CommitChanges() {
	if s.parent != nil {
		s.commitToParent()
		return
	}
	s.loop.Defer(s.name+":commit", s.commitNow)
}

func (s *Store) commitNow() {
	changes := Changes{}

	for _, sk := range s.created.keys() {
		st := s.GetStatus(sk)
		if st.Is(status.Committing) {
			s.skippedCommitting = true
			continue
		}
		typ := s.ids.typeOf(sk)
		def := s.types.get(typ)
		tc := changes.forType(typ, def.PrimaryKey)
		tc.Create.StoreKeys = append(tc.Create.StoreKeys, sk)
		tc.Create.Records = append(tc.Create.Records, def.StripNoSync(s.GetData(sk)))
		s.created.remove(sk)
		// Edits made while the create is in flight are tracked afresh.
		delete(s.changed, sk)
		delete(s.committed, sk)
		s.changedOrder.remove(sk)
		s.setStatus(sk, st&^status.Dirty|status.Committing)
	}

	for _, sk := range s.changedOrder.keys() {
		st := s.GetStatus(sk)
		if st.Any(status.Committing | status.New) {
			s.skippedCommitting = true
			continue
		}
		typ := s.ids.typeOf(sk)
		def := s.types.get(typ)
		committed := s.committed[sk]
		var attrs []string
		for _, k := range slices.Sorted(maps.Keys(s.changed[sk])) {
			if !def.Attributes[k].NoSync {
				attrs = append(attrs, k)
			}
		}
		delete(s.changed, sk)
		delete(s.committed, sk)
		s.changedOrder.remove(sk)
		if len(attrs) == 0 {
			// Only client-side attributes changed; nothing to send.
			s.setStatus(sk, st&^status.Dirty)
			continue
		}
		tc := changes.forType(typ, def.PrimaryKey)
		tc.Update.StoreKeys = append(tc.Update.StoreKeys, sk)
		tc.Update.Records = append(tc.Update.Records, def.StripNoSync(s.GetData(sk)))
		tc.Update.Committed = append(tc.Update.Committed, def.StripNoSync(committed))
		tc.Update.Changed = append(tc.Update.Changed, attrs)
		s.rollback[sk] = committed
		s.inflight[sk] = attrs
		s.setStatus(sk, st&^status.Dirty|status.Committing)
	}

	for _, sk := range s.destroyed.keys() {
		st := s.GetStatus(sk)
		if st.Any(status.Committing | status.New) {
			s.skippedCommitting = true
			continue
		}
		typ := s.ids.typeOf(sk)
		tc := changes.forType(typ, s.types.get(typ).PrimaryKey)
		tc.Destroy.StoreKeys = append(tc.Destroy.StoreKeys, sk)
		tc.Destroy.IDs = append(tc.Destroy.IDs, s.ids.idOf(sk))
		s.destroyed.remove(sk)
		s.setStatus(sk, st&^status.Dirty|status.Committing)
	}

	if len(changes) == 0 {
		return
	}
	types := slices.Sorted(maps.Keys(changes))
	for _, typ := range types {
		ts := s.typeState(typ)
		changes[typ].State = ts.clientState
		ts.commits++
		ts.status |= status.Committing
	}
	slog.Debug("committing changes", "store", s.name, "types", types)

	if s.source != nil && s.source.CommitChanges(s, changes, func() { s.commitDidFinish(types, true) }) {
		return
	}
	// Nobody took the commit; every record goes back to pending.
	slog.Debug("commit refused by source", "store", s.name)
	for _, typ := range types {
		tc := changes[typ]
		s.SourceDidNotCreate(tc.Create.StoreKeys, false)
		s.SourceDidNotUpdate(tc.Update.StoreKeys, false)
		s.SourceDidNotDestroy(tc.Destroy.StoreKeys, false)
	}
	s.commitDidFinish(types, false)
}

func (s *Store) commitDidFinish(types []string, retry bool) {
	for _, typ := range types {
		ts := s.typeState(typ)
		ts.commits--
		if ts.commits <= 0 {
			ts.commits = 0
			ts.status &^= status.Committing
		}
		s.checkServerStatus(typ)
	}
	if retry && s.skippedCommitting && s.autoCommit {
		s.skippedCommitting = false
		s.CommitChanges()
	}
}

// commitToParent replays the overlay onto the parent store and clears it.
func (s *Store) commitToParent() {
	p := s.parent
	created := s.created.keys()
	changed := s.changedOrder.keys()
	destroyed := s.destroyed.keys()

	createData := make(map[string]value.Object, len(created))
	for _, sk := range created {
		createData[sk] = s.GetData(sk).Clone()
	}
	updateData := make(map[string]value.Object, len(changed))
	for _, sk := range changed {
		updateData[sk] = s.GetData(sk).Pick(slices.Sorted(maps.Keys(s.changed[sk])))
	}

	s.resetOverlay()

	for _, sk := range created {
		p.CreateRecord(sk, createData[sk])
	}
	for _, sk := range changed {
		p.UpdateData(sk, updateData[sk], true)
	}
	for _, sk := range destroyed {
		p.DestroyRecord(sk)
	}
}

// SourceDidCommitCreate confirms created records. data maps each StoreKey
// to whatever the source wants merged into the record (at least its id).
func (s *Store) SourceDidCommitCreate(data map[string]value.Object) {
	for _, sk := range slices.Sorted(maps.Keys(data)) {
		st := s.GetStatus(sk)
		if !st.Is(status.New) {
			s.report(diag.SourceCommitCreateMismatch, "create confirmed for record with status "+st.String(), s.ids.typeOf(sk), sk, nil)
			continue
		}
		typ := s.ids.typeOf(sk)
		if id := idOf(data[sk], s.types.get(typ).PrimaryKey); id != "" {
			s.ids.bind(sk, typ, id)
		}
		s.setStatus(sk, st&^(status.Committing|status.New))
		if len(data[sk]) > 0 {
			s.mergeServerData(sk, data[sk])
		}
	}
}

// SourceDidNotCreate reports creates that failed. Temporary failures leave
// the records pending for the next commit; permanent ones drop them.
func (s *Store) SourceDidNotCreate(keys []string, permanent bool) {
	for _, sk := range keys {
		s.didNotCreate(sk, permanent, nil)
	}
}

func (s *Store) didNotCreate(sk string, permanent bool, cause error) {
	st := s.GetStatus(sk)
	if !st.Is(status.New) {
		s.report(diag.SourceCommitCreateMismatch, "create failure for record with status "+st.String(), s.ids.typeOf(sk), sk, cause)
		return
	}
	if permanent {
		s.report(diag.CommitRejected, "source rejected create", s.ids.typeOf(sk), sk, cause)
		s.forgetPending(sk)
		s.setStatus(sk, status.NonExistent)
		s.UnloadRecord(sk)
		return
	}
	st &^= status.Committing
	if st.Is(status.Destroyed) {
		// Destroyed before the create ever landed.
		s.forgetPending(sk)
		s.setStatus(sk, status.Destroyed)
		s.UnloadRecord(sk)
		return
	}
	delete(s.changed, sk)
	delete(s.committed, sk)
	s.changedOrder.remove(sk)
	s.created.add(sk)
	s.setStatus(sk, st&^status.Dirty)
}

// SourceDidCommitUpdate confirms updated records. Records that received
// server data while the update was in flight are refetched.
func (s *Store) SourceDidCommitUpdate(keys []string) {
	for _, sk := range keys {
		delete(s.rollback, sk)
		delete(s.inflight, sk)
		st := s.GetStatus(sk)
		if !st.Is(status.Committing) {
			continue
		}
		s.setStatus(sk, st&^status.Committing)
		if st.Is(status.Obsolete) {
			s.FetchData(sk)
		}
	}
}

// SourceDidNotUpdate reports updates that failed. The data last confirmed
// by the source becomes the committed snapshot again. Permanent failures
// also revert the record and refetch it.
func (s *Store) SourceDidNotUpdate(keys []string, permanent bool) {
	for _, sk := range keys {
		s.didNotUpdate(sk, permanent, nil)
	}
}

func (s *Store) didNotUpdate(sk string, permanent bool, cause error) {
	st := s.GetStatus(sk) &^ status.Committing
	rollback, ok := s.rollback[sk]
	delete(s.rollback, sk)
	delete(s.inflight, sk)
	if !ok {
		rollback = s.committed[sk]
		if rollback == nil {
			rollback = s.GetData(sk)
		}
	}
	if permanent {
		s.report(diag.CommitRejected, "source rejected update", s.ids.typeOf(sk), sk, cause)
		delete(s.changed, sk)
		delete(s.committed, sk)
		s.changedOrder.remove(sk)
		s.setData(sk, rollback)
		s.setStatus(sk, st&^status.Dirty|status.Obsolete)
		s.FetchData(sk)
		return
	}
	current := s.GetData(sk)
	changed := make(map[string]bool)
	for _, k := range diffKeys(current, rollback) {
		changed[k] = true
	}
	if len(changed) == 0 {
		delete(s.changed, sk)
		delete(s.committed, sk)
		s.changedOrder.remove(sk)
		s.setStatus(sk, st&^status.Dirty)
		return
	}
	s.changed[sk] = changed
	s.committed[sk] = rollback
	s.changedOrder.add(sk)
	s.setStatus(sk, st|status.Dirty)
}

// SourceDidCommitDestroy confirms destroyed records, which are then
// unloaded.
func (s *Store) SourceDidCommitDestroy(keys []string) {
	for _, sk := range keys {
		st := s.GetStatus(sk)
		switch {
		case st&^(status.Obsolete|status.Loading) == status.Ready|status.New|status.Committing:
			// Undestroyed while the destroy was in flight; it is created
			// again by the next commit.
			s.setStatus(sk, st&^status.Committing)
			s.skippedCommitting = true
		case st.Is(status.Destroyed):
			s.forgetPending(sk)
			s.setStatus(sk, status.Destroyed)
			s.UnloadRecord(sk)
		default:
			s.report(diag.SourceCommitDestroyMismatch, "destroy confirmed for record with status "+st.String(), s.ids.typeOf(sk), sk, nil)
		}
	}
}

// SourceDidNotDestroy reports destroys that failed. Temporary failures
// leave them pending; permanent ones bring the record back and refetch it.
func (s *Store) SourceDidNotDestroy(keys []string, permanent bool) {
	for _, sk := range keys {
		s.didNotDestroy(sk, permanent, nil)
	}
}

func (s *Store) didNotDestroy(sk string, permanent bool, cause error) {
	st := s.GetStatus(sk)
	if !st.Is(status.Destroyed) {
		s.report(diag.SourceCommitDestroyMismatch, "destroy failure for record with status "+st.String(), s.ids.typeOf(sk), sk, cause)
		return
	}
	if permanent {
		s.report(diag.CommitRejected, "source rejected destroy", s.ids.typeOf(sk), sk, cause)
		s.destroyed.remove(sk)
		s.setStatus(sk, status.Of(status.Ready, status.Obsolete))
		s.FetchData(sk)
		return
	}
	s.destroyed.add(sk)
	s.setStatus(sk, st&^status.Committing|status.Dirty)
}

// SourceDidError reports a permanent failure for records of a commit,
// whatever kind of change they carried. Each record is rolled back to its
// last committed state and refetched.
func (s *Store) SourceDidError(keys []string, err error) {
	for _, sk := range keys {
		st := s.GetStatus(sk)
		switch {
		case st.Is(status.New):
			s.didNotCreate(sk, true, err)
		case st.Is(status.Destroyed):
			s.didNotDestroy(sk, true, err)
		default:
			s.didNotUpdate(sk, true, err)
		}
	}
}

// SourceCommitDidChangeState records the state token a commit moved typ to.
// If the commit started from a state the client does not hold, the type is
// reloaded from scratch.
func (s *Store) SourceCommitDidChangeState(typ, oldState, newState string) {
	r := s.root()
	ts := r.typeState(typ)
	if ts.clientState == oldState {
		r.setClientState(typ, newState)
		return
	}
	r.report(diag.SourceCommitOnUnknownState, "commit moved type from state "+oldState+" but client holds "+ts.clientState, typ, "", nil)
	r.setClientState(typ, "")
	if ts.status.Is(status.Loading) {
		ts.serverState = newState
		return
	}
	ts.serverState = ""
	r.FetchAll(typ, true)
}
