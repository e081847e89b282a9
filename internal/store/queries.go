package store

import (
	"maps"
	"slices"
)

// Query is anything that registers with a store to follow one record type.
type Query interface {
	ID() string
	Type() string
}

// RecordsObserver is implemented by queries computed from resident records.
// StoreDidChangeRecords is called once per turn with every key of the
// query's type whose data or READY bit changed.
type RecordsObserver interface {
	StoreDidChangeRecords(storeKeys []string)
}

// TypeObserver is implemented by queries that must hear when the client's
// state token for their type moves.
type TypeObserver interface {
	StoreTypeDidChange(typ string)
}

// AddQuery registers q.
func (s *Store) AddQuery(q Query) {
	s.queries[q.ID()] = q
}

// RemoveQuery deregisters q.
func (s *Store) RemoveQuery(q Query) {
	delete(s.queries, q.ID())
}

// GetQuery returns the registered query with id, or nil.
func (s *Store) GetQuery(id string) Query {
	return s.queries[id]
}

// Queries returns the registered queries ordered by id.
func (s *Store) Queries() []Query {
	out := make([]Query, 0, len(s.queries))
	for _, id := range slices.Sorted(maps.Keys(s.queries)) {
		out = append(out, s.queries[id])
	}
	return out
}

func (s *Store) queriesOfType(typ string) []Query {
	var out []Query
	for _, q := range s.Queries() {
		if q.Type() == typ {
			out = append(out, q)
		}
	}
	return out
}

func (s *Store) markChanged(sk string) {
	typ := s.ids.typeOf(sk)
	if typ == "" || len(s.queriesOfType(typ)) == 0 {
		return
	}
	set, ok := s.liveChanged[typ]
	if !ok {
		set = newKeySet()
		s.liveChanged[typ] = set
	}
	set.add(sk)
	s.loop.Defer(s.name+":refresh", s.RefreshLiveQueries)
}

// RefreshLiveQueries hands every record changed since the last refresh to
// the queries of its type. It normally runs deferred at the end of the
// turn in which the changes happened.
func (s *Store) RefreshLiveQueries() {
	pending := s.liveChanged
	s.liveChanged = make(map[string]*keySet)
	for _, typ := range slices.Sorted(maps.Keys(pending)) {
		keys := pending[typ].keys()
		slices.Sort(keys)
		for _, q := range s.queriesOfType(typ) {
			if ro, ok := q.(RecordsObserver); ok {
				ro.StoreDidChangeRecords(keys)
			}
		}
	}
}

func (s *Store) notifyTypeChange(typ string) {
	for _, q := range s.queriesOfType(typ) {
		if to, ok := q.(TypeObserver); ok {
			to.StoreTypeDidChange(typ)
		}
	}
	for _, child := range slices.Clone(s.nested) {
		child.notifyTypeChange(typ)
	}
}
