package store

import (
	"cmp"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/roach88/recsync/internal/value"
)

// DefaultPrimaryKey is the attribute holding a record's server id when a
// TypeDef does not name one.
const DefaultPrimaryKey = "id"

// AttributeDef describes one attribute of a record type.
type AttributeDef struct {
	// Default is written into a record created through Record.SaveToStore
	// when the attribute has no value.
	Default value.Value

	// NoSync attributes live only on the client. They are stripped from
	// every change set sent to the source.
	NoSync bool
}

// TypeDef describes a record type.
type TypeDef struct {
	Name       string
	PrimaryKey string
	Attributes map[string]AttributeDef
}

// Defaults returns the default values of every attribute that has one.
func (t *TypeDef) Defaults() value.Object {
	out := value.Object{}
	for name, attr := range t.Attributes {
		if attr.Default != nil {
			out[name] = attr.Default
		}
	}
	return out
}

// StripNoSync returns data without client-only attributes.
func (t *TypeDef) StripNoSync(data value.Object) value.Object {
	out := make(value.Object, len(data))
	for k, v := range data {
		if attr, ok := t.Attributes[k]; ok && attr.NoSync {
			continue
		}
		out[k] = v
	}
	return out
}

// registry holds the type definitions shared by a root store and all its
// nested stores.
type registry struct {
	defs map[string]*TypeDef
}

func newRegistry() *registry {
	return &registry{defs: make(map[string]*TypeDef)}
}

func (r *registry) register(def TypeDef) *TypeDef {
	if def.PrimaryKey == "" {
		def.PrimaryKey = DefaultPrimaryKey
	}
	def.Attributes = maps.Clone(def.Attributes)
	if def.Attributes == nil {
		def.Attributes = make(map[string]AttributeDef)
	}
	d := &def
	r.defs[def.Name] = d
	return d
}

// get returns the definition for name, registering a bare one on first use.
func (r *registry) get(name string) *TypeDef {
	if d, ok := r.defs[name]; ok {
		return d
	}
	return r.register(TypeDef{Name: name})
}

func (r *registry) names() []string {
	return slices.Sorted(maps.Keys(r.defs))
}

// KeyGenerator allocates StoreKeys.
type KeyGenerator interface {
	Next() string
}

// SequentialKeys yields "k1", "k2", ... It is safe for concurrent use.
type SequentialKeys struct {
	n atomic.Uint64
}

// Next implements KeyGenerator.
func (g *SequentialKeys) Next() string {
	return "k" + strconv.FormatUint(g.n.Add(1), 10)
}

// identity is the (type, id) <-> StoreKey mapping. It is shared by reference
// between a root store and its nested stores.
type identity struct {
	mu           sync.Mutex
	typeToIDToSK map[string]map[string]string
	skToID       map[string]string
	skToType     map[string]string
}

func newIdentity() *identity {
	return &identity{
		typeToIDToSK: make(map[string]map[string]string),
		skToID:       make(map[string]string),
		skToType:     make(map[string]string),
	}
}

func (m *identity) lookup(typ, id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk, ok := m.typeToIDToSK[typ][id]
	return sk, ok
}

func (m *identity) bind(sk, typ, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skToType[sk] = typ
	if id == "" {
		return
	}
	if old, ok := m.skToID[sk]; ok && old != id {
		delete(m.typeToIDToSK[typ], old)
	}
	ids := m.typeToIDToSK[typ]
	if ids == nil {
		ids = make(map[string]string)
		m.typeToIDToSK[typ] = ids
	}
	ids[id] = sk
	m.skToID[sk] = id
}

func (m *identity) forget(sk string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	typ := m.skToType[sk]
	if id, ok := m.skToID[sk]; ok {
		delete(m.typeToIDToSK[typ], id)
	}
	delete(m.skToID, sk)
	delete(m.skToType, sk)
}

func (m *identity) idOf(sk string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skToID[sk]
}

func (m *identity) typeOf(sk string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skToType[sk]
}

func (m *identity) keysOfType(typ string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for sk, t := range m.skToType {
		if t == typ {
			out = append(out, sk)
		}
	}
	slices.Sort(out)
	return out
}

// idOf extracts a server id from record data. Integer ids are rendered in
// decimal.
func idOf(data value.Object, primaryKey string) string {
	switch v := data[primaryKey].(type) {
	case value.String:
		return string(v)
	case value.Int:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

// keySet is a set of StoreKeys that remembers insertion order.
type keySet struct {
	seq   uint64
	order map[string]uint64
}

func newKeySet() *keySet {
	return &keySet{order: make(map[string]uint64)}
}

func (k *keySet) add(sk string) {
	if _, ok := k.order[sk]; ok {
		return
	}
	k.seq++
	k.order[sk] = k.seq
}

func (k *keySet) remove(sk string) {
	delete(k.order, sk)
}

func (k *keySet) has(sk string) bool {
	_, ok := k.order[sk]
	return ok
}

func (k *keySet) len() int {
	return len(k.order)
}

func (k *keySet) keys() []string {
	out := slices.Collect(maps.Keys(k.order))
	slices.SortFunc(out, func(a, b string) int {
		return cmp.Compare(k.order[a], k.order[b])
	})
	return out
}

func (k *keySet) clear() {
	clear(k.order)
}
