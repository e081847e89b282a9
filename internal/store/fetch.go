package store

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
)

func (s *Store) typeState(typ string) *typeState {
	r := s.root()
	ts, ok := r.typeStates[typ]
	if !ok {
		ts = &typeState{status: status.Empty}
		r.typeStates[typ] = ts
	}
	return ts
}

// TypeStatus returns the coarse fetch status of a whole type.
func (s *Store) TypeStatus(typ string) status.Status {
	return s.typeState(typ).status
}

// ClientState returns the state token of the data the client holds for typ.
func (s *Store) ClientState(typ string) string {
	return s.typeState(typ).clientState
}

func (s *Store) setClientState(typ, state string) {
	ts := s.typeState(typ)
	old := ts.clientState
	ts.clientState = state
	if ts.serverState == state {
		ts.serverState = ""
	}
	if old != "" && old != state {
		s.root().notifyTypeChange(typ)
	}
}

// FetchAll asks the source for every record of typ. Unless force is set
// the request is skipped when the type is already loaded and not obsolete.
func (s *Store) FetchAll(typ string, force bool) bool {
	r := s.root()
	ts := r.typeState(typ)
	if ts.status.Is(status.Loading) {
		return false
	}
	if !force && ts.status.Is(status.Ready) && !ts.status.Is(status.Obsolete) {
		return false
	}
	if r.source == nil || !r.source.FetchAllRecords(r, typ, ts.clientState) {
		return false
	}
	slog.Debug("fetching type", "type", typ, "state", ts.clientState)
	ts.status |= status.Loading
	return true
}

// MarkTypeObsolete flags a whole type as out of date so the next FetchAll
// goes to the source.
func (s *Store) MarkTypeObsolete(typ string) {
	ts := s.typeState(typ)
	ts.status |= status.Obsolete
}

// FetchData loads sk if it is EMPTY or refreshes it if it is OBSOLETE.
func (s *Store) FetchData(sk string) bool {
	r := s.root()
	if r != s {
		return r.FetchData(sk)
	}
	st := s.GetStatus(sk)
	if st.Is(status.Loading) || s.source == nil {
		return false
	}
	typ, id := s.ids.typeOf(sk), s.ids.idOf(sk)
	if id == "" {
		return false
	}
	switch {
	case st.Is(status.Empty):
		if !s.source.FetchRecord(s, typ, id) {
			return false
		}
		s.setStatus(sk, st|status.Loading)
	case st.Is(status.Obsolete):
		if !s.source.RefreshRecord(s, typ, id) {
			return false
		}
		s.setStatus(sk, st|status.Loading)
	default:
		return false
	}
	return true
}

// Refresh marks a READY record obsolete and refetches it.
func (s *Store) Refresh(sk string) bool {
	r := s.root()
	r.markKeyObsolete(sk)
	return r.FetchData(sk)
}

// SourceDidFetchRecords delivers full records of typ. Records the client
// already holds are merged as updates (rebasing local edits). With isAll
// set the list is complete: loaded records missing from it were destroyed
// on the server.
func (s *Store) SourceDidFetchRecords(typ string, records []value.Object, state string, isAll bool) {
	def := s.types.get(typ)
	seen := make(map[string]bool, len(records))
	updates := make(map[string]value.Object)

	for _, data := range records {
		id := idOf(data, def.PrimaryKey)
		if id == "" {
			continue
		}
		sk := s.GetStoreKey(typ, id)
		seen[sk] = true
		st := s.GetStatus(sk)
		switch {
		case st.Is(status.Ready):
			updates[id] = data
		case st.Is(status.Destroyed) && st.Any(status.Dirty|status.Committing):
			// Being destroyed; keep the freshest data in case the destroy
			// is rolled back.
			s.data.set(sk, data.Clone())
		default:
			if !st.Is(status.Empty) {
				s.report(diag.FetchedDestroyedOrNonExistent, "fetched record with status "+st.String(), typ, sk, nil)
			}
			s.setData(sk, data.Clone())
			s.setStatus(sk, status.Ready)
		}
	}
	if len(updates) > 0 {
		s.SourceDidFetchPartialRecords(typ, updates)
	}

	ts := s.typeState(typ)
	if isAll {
		var gone []string
		for _, sk := range s.ids.keysOfType(typ) {
			st := s.GetStatus(sk)
			if !seen[sk] && st.Is(status.Ready) && !st.Is(status.New) {
				gone = append(gone, s.ids.idOf(sk))
			}
		}
		if len(gone) > 0 {
			s.SourceDidDestroyRecords(typ, gone)
		}
		ts.status = status.Of(status.Ready, ts.status&status.Committing)
		s.setClientState(typ, state)
		s.checkServerStatus(typ)
		return
	}
	if state == "" {
		return
	}
	switch {
	case ts.clientState == "":
		s.setClientState(typ, state)
	case ts.clientState != state:
		s.SourceStateDidChange(typ, state)
	}
}

// SourceDidFetchUpdates applies a delta for typ. It is only accepted when
// oldState is the client's current state; otherwise the type is refreshed.
// Changed records are marked obsolete and refetched; destroyed ones are
// dropped.
func (s *Store) SourceDidFetchUpdates(typ string, changed, destroyed []string, oldState, newState string) {
	ts := s.typeState(typ)
	ts.status &^= status.Loading
	if oldState != ts.clientState {
		s.SourceStateDidChange(typ, newState)
		return
	}
	ts.status = ts.status.WithCore(status.Ready) &^ status.Obsolete
	for _, id := range changed {
		if sk, ok := s.ids.lookup(typ, id); ok && s.GetStatus(sk).Is(status.Ready) {
			s.markKeyObsolete(sk)
			s.FetchData(sk)
		}
	}
	if len(destroyed) > 0 {
		s.SourceDidDestroyRecords(typ, destroyed)
	}
	s.setClientState(typ, newState)
	s.checkServerStatus(typ)
}

// SourceDidFetchPartialRecords merges partial data, keyed by id, into
// records the client holds. Anything not READY is ignored.
func (s *Store) SourceDidFetchPartialRecords(typ string, records map[string]value.Object) {
	for _, id := range slices.Sorted(maps.Keys(records)) {
		sk, ok := s.ids.lookup(typ, id)
		if !ok {
			continue
		}
		st := s.GetStatus(sk)
		if !st.Is(status.Ready) {
			continue
		}
		if st.Any(status.Dirty | status.Committing) {
			s.mergeServerData(sk, records[id])
		} else {
			s.applyData(sk, records[id])
		}
		settled := status.Obsolete | status.Loading
		if _, ok := s.inflight[sk]; ok {
			// Stays obsolete until the update resolves and the record is
			// fetched again.
			settled = status.Loading
		}
		s.setStatus(sk, s.GetStatus(sk)&^settled)
	}
}

// mergeServerData folds authoritative data into a record that may carry
// uncommitted edits.
func (s *Store) mergeServerData(sk string, data value.Object) {
	if rb, ok := s.rollback[sk]; ok {
		s.rollback[sk] = rb.Merge(data)
	}
	if attrs, ok := s.inflight[sk]; ok {
		// The data may predate the update in flight; its attributes keep
		// their local values.
		data = data.Clone()
		for _, k := range attrs {
			delete(data, k)
		}
		s.setStatus(sk, s.GetStatus(sk)|status.Obsolete)
	}
	committed, dirty := s.committed[sk]
	if !dirty {
		s.applyData(sk, data)
		return
	}
	changed := s.changed[sk]
	if !s.rebaseConflicts && conflicts(changed, committed, data) {
		delete(s.changed, sk)
		delete(s.committed, sk)
		s.changedOrder.remove(sk)
		s.setData(sk, committed.Merge(data))
		s.setStatus(sk, s.GetStatus(sk)&^status.Dirty)
		return
	}
	patch := value.Object{}
	for k, v := range data {
		if !changed[k] {
			patch[k] = v
		}
	}
	base := committed.Merge(data)
	s.committed[sk] = base
	s.applyData(sk, patch)
	current := s.GetData(sk)
	for k := range changed {
		if value.Equal(current.Get(k), base.Get(k)) {
			delete(changed, k)
		}
	}
	if len(changed) == 0 {
		delete(s.changed, sk)
		delete(s.committed, sk)
		s.changedOrder.remove(sk)
		s.setStatus(sk, s.GetStatus(sk)&^status.Dirty)
	}
}

// conflicts reports whether data moves an attribute the client changed
// away from its committed value.
func conflicts(changed map[string]bool, committed, data value.Object) bool {
	for k, v := range data {
		if changed[k] && !value.Equal(v, committed.Get(k)) {
			return true
		}
	}
	return false
}

// SourceCouldNotFindRecords reports ids the source does not have.
func (s *Store) SourceCouldNotFindRecords(typ string, ids []string) {
	for _, id := range ids {
		sk, ok := s.ids.lookup(typ, id)
		if !ok {
			continue
		}
		st := s.GetStatus(sk)
		if st.Is(status.Empty) {
			s.setStatus(sk, status.NonExistent)
			continue
		}
		if st.Is(status.Dirty) {
			s.RevertData(sk)
		}
		s.forgetPending(sk)
		s.setStatus(sk, status.Destroyed)
		s.UnloadRecord(sk)
	}
}

// SourceDidDestroyRecords reports records destroyed on the server.
func (s *Store) SourceDidDestroyRecords(typ string, ids []string) {
	for _, id := range ids {
		sk, ok := s.ids.lookup(typ, id)
		if !ok {
			continue
		}
		st := s.GetStatus(sk)
		if st.Any(status.Empty | status.NonExistent) {
			continue
		}
		s.forgetPending(sk)
		s.setStatus(sk, status.Destroyed)
		s.UnloadRecord(sk)
	}
}

// SourceStateDidChange tells the store the server's state for typ moved.
// The refetch waits until no fetch or commit for the type is in flight.
func (s *Store) SourceStateDidChange(typ, newState string) {
	ts := s.typeState(typ)
	if ts.clientState == "" || ts.clientState == newState {
		return
	}
	if ts.status.Any(status.Loading | status.Committing) {
		ts.serverState = newState
		s.MarkTypeObsolete(typ)
		return
	}
	ts.serverState = ""
	s.FetchAll(typ, true)
}

// SourceDidFinishFetchingType clears the type's LOADING flag.
func (s *Store) SourceDidFinishFetchingType(typ string) {
	ts := s.typeState(typ)
	ts.status &^= status.Loading
	s.checkServerStatus(typ)
}

func (s *Store) checkServerStatus(typ string) {
	ts := s.typeState(typ)
	if ts.serverState == "" || ts.serverState == ts.clientState {
		ts.serverState = ""
		return
	}
	if ts.status.Any(status.Loading | status.Committing) {
		return
	}
	ts.serverState = ""
	s.FetchAll(typ, true)
}
