package store

import (
	"slices"

	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
)

// NewNested creates a copy-on-write overlay over parent. The overlay shares
// the parent's loop, sink, key generator, identity map and type registry.
// It never talks to a source: fetches go to the root store and
// CommitChanges replays onto the parent.
func NewNested(parent *Store, opts ...Option) *Store {
	s := &Store{
		parent:          parent,
		loop:            parent.loop,
		sink:            parent.sink,
		keys:            parent.keys,
		ids:             parent.ids,
		types:           parent.types,
		status:          newLayer(parent.status),
		data:            newLayer(parent.data),
		rebaseConflicts: parent.rebaseConflicts,
	}
	s.init()
	for _, opt := range opts {
		opt(s)
	}
	parent.nested = append(parent.nested, s)
	return s
}

// Destroy detaches a nested store from its parent. Its overlay is
// discarded and it receives no further notifications.
func (s *Store) Destroy() {
	if s.parent == nil || s.detached {
		return
	}
	s.detached = true
	s.parent.nested = slices.DeleteFunc(s.parent.nested, func(c *Store) bool { return c == s })
	s.resetOverlay()
}

func (s *Store) resetOverlay() {
	s.data.reset()
	s.status.reset()
	s.created.clear()
	s.destroyed.clear()
	s.changedOrder.clear()
	clear(s.changed)
	clear(s.committed)
	clear(s.rollback)
	clear(s.inflight)
}

// dropAllOverlays discards every local copy and tells observers about the
// records whose view changed.
func (s *Store) dropAllOverlays() {
	keys := s.ownKeys()
	before := make(map[string]status.Status, len(keys))
	data := make(map[string]value.Object, len(keys))
	for _, sk := range keys {
		before[sk] = s.GetStatus(sk)
		data[sk] = s.GetData(sk)
	}
	s.resetOverlay()
	for _, sk := range keys {
		if after := s.GetStatus(sk); after != before[sk] {
			s.statusDidChange(sk, before[sk], after)
		}
		s.dataDidChange(sk, diffKeys(data[sk], s.GetData(sk)))
	}
}

func (s *Store) dropOverlay(sk string) {
	before, old := s.GetStatus(sk), s.GetData(sk)
	s.forgetPending(sk)
	s.data.remove(sk)
	s.status.remove(sk)
	if after := s.GetStatus(sk); after != before {
		s.statusDidChange(sk, before, after)
	}
	s.dataDidChange(sk, diffKeys(old, s.GetData(sk)))
}

// parentDidChangeStatus reacts to a status change in the parent store.
func (s *Store) parentDidChangeStatus(sk string, prev, next status.Status) {
	if !s.data.hasOwn(sk) {
		before, after := prev&^status.OverlayOnly, next&^status.OverlayOnly
		if before != after {
			s.statusDidChange(sk, before, after)
		}
		return
	}
	own := s.GetStatus(sk)
	if own.Is(status.New) {
		return
	}
	if next.Is(status.Destroyed) {
		s.dropOverlay(sk)
		return
	}
	inherited := next & (status.Loading | status.Obsolete)
	var updated status.Status
	if own.Is(status.Destroyed) {
		updated = status.Of(status.Destroyed, inherited|own&status.Dirty)
	} else {
		updated = status.Of(next.Core(), inherited|own&status.Dirty)
	}
	if updated != own {
		s.status.set(sk, updated)
		s.statusDidChange(sk, own, updated)
	}
}

// parentDidUpdateData rebases a local copy onto new parent data. Attributes
// changed locally keep their local values with the parent's data as the new
// committed base; everything else follows the parent. A copy left with no
// local differences is dropped. With rebaseConflicts off, a parent change
// to a locally changed attribute discards the record's local edits.
func (s *Store) parentDidUpdateData(sk string, keys []string) {
	if !s.data.hasOwn(sk) {
		s.dataDidChange(sk, keys)
		return
	}
	own := s.GetStatus(sk)
	if own.Is(status.New) {
		return
	}
	base := s.parent.GetData(sk)
	old := s.GetData(sk)
	if own.Is(status.Destroyed) {
		s.data.set(sk, base.Clone())
		s.dataDidChange(sk, diffKeys(old, base))
		return
	}

	changed := s.changed[sk]
	if !s.rebaseConflicts {
		for _, k := range keys {
			if changed[k] {
				s.dropOverlay(sk)
				return
			}
		}
	}

	next := value.Object{}
	stillChanged := make(map[string]bool)
	for k, v := range base {
		next[k] = v
	}
	for k := range changed {
		v, ok := old[k]
		if !ok {
			delete(next, k)
		} else {
			next[k] = v
		}
		if !value.Equal(old.Get(k), base.Get(k)) {
			stillChanged[k] = true
		}
	}
	if len(stillChanged) == 0 {
		s.dropOverlay(sk)
		return
	}
	s.changed[sk] = stillChanged
	s.committed[sk] = base.Clone()
	s.data.set(sk, next)
	s.dataDidChange(sk, diffKeys(old, next))
}
