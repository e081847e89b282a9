package store

import (
	"maps"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/roach88/recsync/internal/diag"
	"github.com/roach88/recsync/internal/runloop"
	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/value"
)

var storeSeq atomic.Uint64

// Store is the record cache. See the package documentation for the
// threading rules.
type Store struct {
	name   string
	parent *Store
	loop   *runloop.Loop
	source Source
	sink   diag.Sink
	keys   KeyGenerator

	// Shared by reference with nested stores.
	ids   *identity
	types *registry

	// Copy-on-write over the parent's layers when nested.
	status *layer[string, status.Status]
	data   *layer[string, value.Object]

	// Uncommitted local edits.
	created      *keySet
	destroyed    *keySet
	changedOrder *keySet
	changed      map[string]map[string]bool
	committed    map[string]value.Object

	// Last confirmed data of records whose update is in flight, and the
	// attributes that update carries.
	rollback map[string]value.Object
	inflight map[string][]string

	// Per-type fetch and commit bookkeeping. Root only.
	typeStates map[string]*typeState

	autoCommit      bool
	rebaseConflicts bool

	// Set when a commit had to leave a record behind because an earlier
	// commit for it was still in flight.
	skippedCommitting bool

	records     map[string]*Record
	nested      []*Store
	queries     map[string]Query
	liveChanged map[string]*keySet
	detached    bool
}

type typeState struct {
	status      status.Status
	clientState string
	serverState string
	commits     int
}

// Option configures a Store.
type Option func(*Store)

// WithAutoCommit controls whether every local edit schedules a commit.
// Default: true for a root store, false for a nested store.
func WithAutoCommit(on bool) Option {
	return func(s *Store) {
		s.autoCommit = on
	}
}

// WithRebaseConflicts controls what happens when authoritative data arrives
// for a record with uncommitted local edits to the same attributes. When
// true (the default) local values win and the new data becomes the base
// they are compared against. When false the record's local edits are
// dropped.
func WithRebaseConflicts(on bool) Option {
	return func(s *Store) {
		s.rebaseConflicts = on
	}
}

// WithSink sets the diagnostic sink. Default: diag.LogSink{}.
func WithSink(sink diag.Sink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithKeyGenerator sets the StoreKey allocator. Root stores only.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(s *Store) {
		s.keys = g
	}
}

// WithLoop sets the run loop the store schedules deferred work on. Root
// stores only; nested stores use their parent's loop.
func WithLoop(l *runloop.Loop) Option {
	return func(s *Store) {
		s.loop = l
	}
}

// WithTypes registers type definitions up front.
func WithTypes(defs ...TypeDef) Option {
	return func(s *Store) {
		for _, def := range defs {
			s.types.register(def)
		}
	}
}

// New creates a root store backed by source. source may be nil, in which
// case fetches and commits are refused.
func New(source Source, opts ...Option) *Store {
	s := &Store{
		source:          source,
		loop:            runloop.New(),
		sink:            diag.LogSink{},
		keys:            &SequentialKeys{},
		ids:             newIdentity(),
		types:           newRegistry(),
		status:          newLayer[string, status.Status](nil),
		data:            newLayer[string, value.Object](nil),
		typeStates:      make(map[string]*typeState),
		autoCommit:      true,
		rebaseConflicts: true,
	}
	s.init()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) init() {
	s.name = "store" + strconv.FormatUint(storeSeq.Add(1), 10)
	s.created = newKeySet()
	s.destroyed = newKeySet()
	s.changedOrder = newKeySet()
	s.changed = make(map[string]map[string]bool)
	s.committed = make(map[string]value.Object)
	s.rollback = make(map[string]value.Object)
	s.inflight = make(map[string][]string)
	s.records = make(map[string]*Record)
	s.queries = make(map[string]Query)
	s.liveChanged = make(map[string]*keySet)
}

// Loop returns the run loop the store schedules work on.
func (s *Store) Loop() *runloop.Loop {
	return s.loop
}

// Sink returns the diagnostic sink.
func (s *Store) Sink() diag.Sink {
	return s.sink
}

// Source returns the root store's source.
func (s *Store) Source() Source {
	return s.root().source
}

// Parent returns the parent of a nested store, or nil.
func (s *Store) Parent() *Store {
	return s.parent
}

// AutoCommit reports whether edits schedule commits automatically.
func (s *Store) AutoCommit() bool {
	return s.autoCommit
}

func (s *Store) root() *Store {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// RegisterType adds or replaces a type definition.
func (s *Store) RegisterType(def TypeDef) {
	s.types.register(def)
}

// TypeDef returns the definition of typ. Unknown types get a bare
// definition with the default primary key.
func (s *Store) TypeDef(typ string) TypeDef {
	return *s.types.get(typ)
}

// TypeNames returns the names of all known types, sorted.
func (s *Store) TypeNames() []string {
	return s.types.names()
}

// GetStoreKey returns the StoreKey for (typ, id), allocating one if needed.
// An empty id always allocates a fresh key.
func (s *Store) GetStoreKey(typ, id string) string {
	if id != "" {
		if sk, ok := s.ids.lookup(typ, id); ok {
			return sk
		}
	}
	sk := s.keys.Next()
	s.ids.bind(sk, typ, id)
	return sk
}

// GetIDFromStoreKey returns the server id bound to sk, or "".
func (s *Store) GetIDFromStoreKey(sk string) string {
	return s.ids.idOf(sk)
}

// GetTypeFromStoreKey returns the type sk was allocated for.
func (s *Store) GetTypeFromStoreKey(sk string) string {
	return s.ids.typeOf(sk)
}

// StoreKeysOfType returns every key of typ this store holds a non-EMPTY
// status for, sorted.
func (s *Store) StoreKeysOfType(typ string) []string {
	var out []string
	for _, sk := range s.ids.keysOfType(typ) {
		if s.GetStatus(sk) != status.Empty {
			out = append(out, sk)
		}
	}
	return out
}

// GetStatus returns the status of sk. Unknown keys are EMPTY.
//
// A nested store without its own copy of a record reports the parent's
// status with the overlay-only modifiers (NEW, COMMITTING, DIRTY) cleared:
// those describe the parent's pending work, not this store's.
func (s *Store) GetStatus(sk string) status.Status {
	st, ok := s.status.get(sk)
	if !ok || st == 0 {
		return status.Empty
	}
	if s.parent != nil && !s.data.hasOwn(sk) {
		return st &^ status.OverlayOnly
	}
	return st
}

// GetData returns the data of sk, or nil. The returned object must not be
// modified.
func (s *Store) GetData(sk string) value.Object {
	d, _ := s.data.get(sk)
	return d
}

// HasChanges reports whether any local edit is waiting to be committed.
func (s *Store) HasChanges() bool {
	return s.created.len() > 0 || len(s.changed) > 0 || s.destroyed.len() > 0
}

// ChangedAttributes returns the attributes of sk that differ from its
// committed data, sorted.
func (s *Store) ChangedAttributes(sk string) []string {
	return slices.Sorted(maps.Keys(s.changed[sk]))
}

func (s *Store) report(code diag.Code, msg, typ, sk string, cause error) {
	if s.sink == nil {
		return
	}
	s.sink.Report(&diag.Error{Code: code, Message: msg, Type: typ, StoreKey: sk, Err: cause})
}

// ensureOwn gives a nested store its own copy of sk before a local write.
func (s *Store) ensureOwn(sk string) {
	if s.parent == nil || s.data.hasOwn(sk) {
		return
	}
	st := s.GetStatus(sk)
	s.data.set(sk, s.GetData(sk).Clone())
	s.status.set(sk, st)
}

// setStatus writes a status and tells the record, nested stores and (when
// READY toggled) live queries.
func (s *Store) setStatus(sk string, next status.Status) {
	prev := s.GetStatus(sk)
	s.ensureOwn(sk)
	s.status.set(sk, next)
	if prev != next {
		s.statusDidChange(sk, prev, next)
	}
}

func (s *Store) statusDidChange(sk string, prev, next status.Status) {
	if rec := s.records[sk]; rec != nil {
		rec.notify(RecordEvent{Kind: StatusChanged, Previous: prev, Status: next})
	}
	for _, child := range slices.Clone(s.nested) {
		child.parentDidChangeStatus(sk, prev, next)
	}
	if (prev^next)&status.Ready != 0 {
		s.markChanged(sk)
	}
}

// setData replaces the data of sk without dirty tracking.
func (s *Store) setData(sk string, data value.Object) {
	s.ensureOwn(sk)
	old := s.GetData(sk)
	s.data.set(sk, data)
	s.dataDidChange(sk, diffKeys(old, data))
}

// applyData merges patch into the data of sk without dirty tracking and
// returns the attributes that actually changed.
func (s *Store) applyData(sk string, patch value.Object) []string {
	current := s.GetData(sk)
	var keys []string
	for _, k := range slices.Sorted(maps.Keys(patch)) {
		if _, present := current[k]; present && value.Equal(current[k], patch[k]) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	s.ensureOwn(sk)
	next := make(value.Object, len(current)+len(keys))
	maps.Copy(next, current)
	for _, k := range keys {
		next[k] = patch[k]
	}
	s.data.set(sk, next)
	s.dataDidChange(sk, keys)
	return keys
}

func (s *Store) dataDidChange(sk string, keys []string) {
	if len(keys) == 0 {
		return
	}
	if rec := s.records[sk]; rec != nil {
		rec.notify(RecordEvent{Kind: DataChanged, Keys: keys})
	}
	for _, child := range slices.Clone(s.nested) {
		child.parentDidUpdateData(sk, keys)
	}
	s.markChanged(sk)
}

// diffKeys returns the sorted attributes whose values differ between a and b.
func diffKeys(a, b value.Object) []string {
	var keys []string
	for k, v := range a {
		if bv, ok := b[k]; !ok || !value.Equal(v, bv) {
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (s *Store) forgetPending(sk string) {
	s.created.remove(sk)
	s.destroyed.remove(sk)
	s.changedOrder.remove(sk)
	delete(s.changed, sk)
	delete(s.committed, sk)
	delete(s.rollback, sk)
	delete(s.inflight, sk)
}

func (s *Store) autoCommitIfEnabled() {
	if s.autoCommit {
		s.CommitChanges()
	}
}
