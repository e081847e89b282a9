package store

import (
	"maps"
	"slices"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
)

// CreateRecord installs data for a record the source does not know yet and
// marks it READY|NEW. It fails unless sk is EMPTY or DESTROYED.
func (s *Store) CreateRecord(sk string, data value.Object) bool {
	st := s.GetStatus(sk)
	if st != status.Empty && st != status.Destroyed {
		s.report(diag.CannotCreateExistingRecord, "cannot create record with status "+st.String(), s.ids.typeOf(sk), sk, nil)
		return false
	}
	typ := s.ids.typeOf(sk)
	if id := idOf(data, s.types.get(typ).PrimaryKey); id != "" && s.ids.idOf(sk) == "" {
		s.ids.bind(sk, typ, id)
	}
	if data == nil {
		data = value.Object{}
	}
	s.created.add(sk)
	s.setData(sk, data.Clone())
	s.setStatus(sk, status.Of(status.Ready, status.New))
	s.autoCommitIfEnabled()
	return true
}

// UpdateData merges partial into the data of sk. With dirty set the write
// is a local edit: the first edit of a committed record snapshots its data,
// and an attribute counts as changed only while it differs from that
// snapshot. The record is DIRTY exactly while some attribute is changed.
//
// Fails unless sk is READY.
func (s *Store) UpdateData(sk string, partial value.Object, dirty bool) bool {
	st := s.GetStatus(sk)
	if !st.Is(status.Ready) {
		s.report(diag.CannotWriteToUnreadyRecord, "cannot update record with status "+st.String(), s.ids.typeOf(sk), sk, nil)
		return false
	}

	track := dirty && st != status.Ready|status.New
	var committed value.Object
	var changed map[string]bool
	if track {
		var ok bool
		if committed, ok = s.committed[sk]; !ok {
			committed = s.GetData(sk).Clone()
			if committed == nil {
				committed = value.Object{}
			}
			s.committed[sk] = committed
		}
		if changed = s.changed[sk]; changed == nil {
			changed = make(map[string]bool)
			s.changed[sk] = changed
			s.changedOrder.add(sk)
		}
	}

	keys := s.applyData(sk, partial)
	if !track {
		return true
	}
	current := s.GetData(sk)
	for _, k := range keys {
		if value.Equal(current.Get(k), committed.Get(k)) {
			delete(changed, k)
		} else {
			changed[k] = true
		}
	}

	st = s.GetStatus(sk)
	if len(changed) == 0 {
		delete(s.changed, sk)
		delete(s.committed, sk)
		s.changedOrder.remove(sk)
		s.setStatus(sk, st&^status.Dirty)
	} else {
		s.setStatus(sk, st|status.Dirty)
	}
	s.autoCommitIfEnabled()
	return true
}

// SetData replaces the whole data object of a READY record without dirty
// tracking.
func (s *Store) SetData(sk string, data value.Object) bool {
	st := s.GetStatus(sk)
	if !st.Is(status.Ready) {
		s.report(diag.CannotWriteToUnreadyRecord, "cannot set data of record with status "+st.String(), s.ids.typeOf(sk), sk, nil)
		return false
	}
	s.setData(sk, data.Clone())
	return true
}

// RevertData restores the committed data of a dirty record.
func (s *Store) RevertData(sk string) bool {
	committed, ok := s.committed[sk]
	if !ok {
		return false
	}
	delete(s.committed, sk)
	delete(s.changed, sk)
	s.changedOrder.remove(sk)
	s.setData(sk, committed)
	s.setStatus(sk, s.GetStatus(sk)&^status.Dirty)
	return true
}

// DestroyRecord marks a record for destruction. A record the source never
// saw is unloaded at once; otherwise uncommitted edits are reverted and the
// record becomes DESTROYED|DIRTY until the destroy is committed.
func (s *Store) DestroyRecord(sk string) bool {
	st := s.GetStatus(sk)
	if st&^(status.Obsolete|status.Loading) == status.Ready|status.New {
		s.forgetPending(sk)
		s.setStatus(sk, status.Destroyed)
		s.UnloadRecord(sk)
		return true
	}
	if !st.Is(status.Ready) {
		return false
	}
	if st.Is(status.Dirty) {
		s.RevertData(sk)
	}
	s.destroyed.add(sk)
	s.setStatus(sk, status.Of(status.Destroyed, status.Dirty|st&(status.Committing|status.New|status.Obsolete|status.Loading)))
	s.autoCommitIfEnabled()
	return true
}

// UndestroyRecord cancels a pending destroy.
func (s *Store) UndestroyRecord(sk string) bool {
	st := s.GetStatus(sk)
	switch {
	case !st.Is(status.Destroyed) || st == status.Destroyed:
		return false
	case st&^(status.Obsolete|status.Loading) == status.Destroyed|status.Committing:
		// The destroy is in flight; the record must be created again once
		// it lands.
		s.created.add(sk)
		s.setStatus(sk, status.Of(status.Ready, status.New|status.Committing|st&(status.Obsolete|status.Loading)))
	default:
		s.destroyed.remove(sk)
		s.setStatus(sk, st.WithCore(status.Ready)&^status.Dirty)
	}
	s.autoCommitIfEnabled()
	return true
}

// MarkObsolete flags loaded records of typ as out of date.
func (s *Store) MarkObsolete(typ string, ids []string) {
	for _, id := range ids {
		if sk, ok := s.ids.lookup(typ, id); ok {
			s.markKeyObsolete(sk)
		}
	}
}

func (s *Store) markKeyObsolete(sk string) {
	st := s.GetStatus(sk)
	if st.Is(status.Ready) && !st.Is(status.Obsolete) {
		s.setStatus(sk, st|status.Obsolete)
	}
}

// UnloadRecord evicts a record from memory. It refuses while the record is
// loading, new, dirty or committing, while its Record has observers, or
// while a nested store holds its own copy.
func (s *Store) UnloadRecord(sk string) bool {
	if !s.mayUnload(sk) {
		return false
	}
	delete(s.records, sk)
	s.forgetPending(sk)
	s.data.remove(sk)
	s.status.remove(sk)
	if s.parent == nil || s.parent.GetStatus(sk) == status.Empty {
		s.ids.forget(sk)
	}
	return true
}

func (s *Store) mayUnload(sk string) bool {
	if s.GetStatus(sk).Any(status.Loading | status.New | status.Dirty | status.Committing) {
		return false
	}
	if rec := s.records[sk]; rec != nil && rec.hasObservers() {
		return false
	}
	return !s.overriddenByNested(sk)
}

func (s *Store) overriddenByNested(sk string) bool {
	for _, child := range s.nested {
		if child.data.hasOwn(sk) || child.overriddenByNested(sk) {
			return true
		}
	}
	return false
}

// DiscardChanges throws away every uncommitted local edit. On a root store
// created records are destroyed, edited ones reverted and destroyed ones
// restored. On a nested store the overlay is dropped.
func (s *Store) DiscardChanges() {
	if s.parent != nil {
		s.dropAllOverlays()
		return
	}
	for _, sk := range s.created.keys() {
		s.DestroyRecord(sk)
	}
	for _, sk := range s.changedOrder.keys() {
		s.RevertData(sk)
	}
	for _, sk := range s.destroyed.keys() {
		s.UndestroyRecord(sk)
	}
}

// PendingStoreKeys returns every key with an uncommitted edit: created,
// then changed, then destroyed, each in edit order.
func (s *Store) PendingStoreKeys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, set := range []*keySet{s.created, s.changedOrder, s.destroyed} {
		for _, sk := range set.keys() {
			if !seen[sk] {
				seen[sk] = true
				out = append(out, sk)
			}
		}
	}
	return out
}

// ownKeys returns the keys this store holds its own copy of, sorted.
func (s *Store) ownKeys() []string {
	return slices.Sorted(maps.Keys(s.data.own))
}
