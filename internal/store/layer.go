package store

// layer is a map with copy-on-write fallback to a parent layer. Reads of a
// key that was never written locally fall through to the parent; writes and
// deletes only ever touch the local table.
type layer[K comparable, V any] struct {
	own    map[K]V
	parent *layer[K, V]
}

func newLayer[K comparable, V any](parent *layer[K, V]) *layer[K, V] {
	return &layer[K, V]{own: make(map[K]V), parent: parent}
}

func (l *layer[K, V]) get(k K) (V, bool) {
	for cur := l; cur != nil; cur = cur.parent {
		if v, ok := cur.own[k]; ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

func (l *layer[K, V]) hasOwn(k K) bool {
	_, ok := l.own[k]
	return ok
}

func (l *layer[K, V]) set(k K, v V) {
	l.own[k] = v
}

func (l *layer[K, V]) remove(k K) {
	delete(l.own, k)
}

// reset drops every local override.
func (l *layer[K, V]) reset() {
	clear(l.own)
}
