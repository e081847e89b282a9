package store

import (
	"maps"
	"slices"

	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
)

// RecordEventKind says what changed about a record.
type RecordEventKind int

const (
	// StatusChanged: Previous and Status are set.
	StatusChanged RecordEventKind = iota + 1
	// DataChanged: Keys lists the attributes whose values changed.
	DataChanged
)

// RecordEvent is delivered to record observers.
type RecordEvent struct {
	Kind     RecordEventKind
	Record   *Record
	Previous status.Status
	Status   status.Status
	Keys     []string
}

// Record is a handle on one record of a store. A Record made with
// NewRecord holds its data locally until SaveToStore.
type Record struct {
	store     *Store
	storeKey  string
	typ       string
	pending   value.Object
	observers map[uint64]func(RecordEvent)
	nextObs   uint64
}

// NewRecord returns an unsaved record of typ.
func (s *Store) NewRecord(typ string) *Record {
	return &Record{store: s, typ: typ, pending: value.Object{}}
}

// Materialize returns the Record for sk, creating the handle on first use.
// It does not fetch.
func (s *Store) Materialize(sk string) *Record {
	if rec, ok := s.records[sk]; ok {
		return rec
	}
	rec := &Record{store: s, storeKey: sk, typ: s.ids.typeOf(sk)}
	s.records[sk] = rec
	return rec
}

// GetRecord returns the Record for (typ, id), fetching it when the store
// does not hold it yet.
func (s *Store) GetRecord(typ, id string) *Record {
	sk := s.GetStoreKey(typ, id)
	rec := s.Materialize(sk)
	if s.GetStatus(sk) == status.Empty {
		s.FetchData(sk)
	}
	return rec
}

// Store returns the store the record belongs to.
func (r *Record) Store() *Store { return r.store }

// StoreKey returns the record's StoreKey, or "" before SaveToStore.
func (r *Record) StoreKey() string { return r.storeKey }

// Type returns the record type.
func (r *Record) Type() string { return r.typ }

// ID returns the server id, or "" if none is known.
func (r *Record) ID() string {
	if r.storeKey == "" {
		return idOf(r.pending, r.store.types.get(r.typ).PrimaryKey)
	}
	return r.store.GetIDFromStoreKey(r.storeKey)
}

// Status mirrors the store's status for the record. Unsaved records are
// EMPTY.
func (r *Record) Status() status.Status {
	if r.storeKey == "" {
		return status.Empty
	}
	return r.store.GetStatus(r.storeKey)
}

// Data returns a copy of the record's data.
func (r *Record) Data() value.Object {
	if r.storeKey == "" {
		return r.pending.Clone()
	}
	return r.store.GetData(r.storeKey).Clone()
}

// Get returns one attribute, falling back to the type's default.
func (r *Record) Get(attr string) value.Value {
	var data value.Object
	if r.storeKey == "" {
		data = r.pending
	} else {
		data = r.store.GetData(r.storeKey)
	}
	if v, ok := data[attr]; ok {
		return v
	}
	if def, ok := r.store.types.get(r.typ).Attributes[attr]; ok && def.Default != nil {
		return def.Default
	}
	return value.Null{}
}

// Set writes one attribute as a local edit.
func (r *Record) Set(attr string, v value.Value) bool {
	if r.storeKey == "" {
		r.pending[attr] = v
		return true
	}
	return r.store.UpdateData(r.storeKey, value.Object{attr: v}, true)
}

// SaveToStore creates an unsaved record in the store, filling in type
// defaults.
func (r *Record) SaveToStore() bool {
	if r.storeKey != "" {
		return false
	}
	def := r.store.types.get(r.typ)
	data := def.Defaults().Merge(r.pending)
	sk := r.store.GetStoreKey(r.typ, idOf(data, def.PrimaryKey))
	if !r.store.CreateRecord(sk, data) {
		return false
	}
	r.storeKey = sk
	r.pending = nil
	r.store.records[sk] = r
	return true
}

// Destroy destroys the record.
func (r *Record) Destroy() bool {
	if r.storeKey == "" {
		return false
	}
	return r.store.DestroyRecord(r.storeKey)
}

// Refresh refetches the record from the source.
func (r *Record) Refresh() bool {
	if r.storeKey == "" {
		return false
	}
	return r.store.Refresh(r.storeKey)
}

// Observe registers fn for status and data events and returns a function
// removing it. An observed record is never unloaded.
func (r *Record) Observe(fn func(RecordEvent)) (cancel func()) {
	if r.observers == nil {
		r.observers = make(map[uint64]func(RecordEvent))
	}
	r.nextObs++
	id := r.nextObs
	r.observers[id] = fn
	return func() { delete(r.observers, id) }
}

func (r *Record) hasObservers() bool {
	return len(r.observers) > 0
}

func (r *Record) notify(ev RecordEvent) {
	ev.Record = r
	for _, id := range slices.Sorted(maps.Keys(r.observers)) {
		if fn, ok := r.observers[id]; ok {
			fn(ev)
		}
	}
}
