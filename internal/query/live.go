package query

import (
	"cmp"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/roach88/recsync/internal/status"
	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/update"
)

var liveSeq atomic.Uint64

// Live is a sorted, filtered view of every READY record of one type held by
// a store. Ties in the comparator are broken by StoreKey, so the order is
// total.
type Live struct {
	id    string
	st    *store.Store
	typ   string
	where Filter
	sort  Comparator

	keys   []string
	status status.Status

	ranges rangeObservers
	subs   subscribers
}

// LiveOption configures a Live query.
type LiveOption func(*Live)

// WithWhere sets the filter. Default: every READY record.
func WithWhere(f Filter) LiveOption {
	return func(q *Live) {
		q.where = f
	}
}

// WithSort sets the comparator. Default: StoreKey order.
func WithSort(c Comparator) LiveOption {
	return func(q *Live) {
		q.sort = c
	}
}

// WithLiveID overrides the generated query id.
func WithLiveID(id string) LiveOption {
	return func(q *Live) {
		q.id = id
	}
}

// NewLive registers a live query for typ with st and computes its initial
// contents.
func NewLive(st *store.Store, typ string, opts ...LiveOption) *Live {
	q := &Live{
		id:  "live" + strconv.FormatUint(liveSeq.Add(1), 10),
		st:  st,
		typ: typ,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.keys = q.compute()
	q.status = status.Ready
	st.AddQuery(q)
	return q
}

// ID implements store.Query.
func (q *Live) ID() string { return q.id }

// Type implements store.Query.
func (q *Live) Type() string { return q.typ }

// Status is READY until the query is destroyed.
func (q *Live) Status() status.Status { return q.status }

// Length returns the number of matching records.
func (q *Live) Length() int { return len(q.keys) }

// StoreKeys returns a copy of the current list.
func (q *Live) StoreKeys() []string { return slices.Clone(q.keys) }

// StoreKeyAt returns the StoreKey at index, or "" when out of range.
func (q *Live) StoreKeyAt(index int) string {
	if index < 0 || index >= len(q.keys) {
		return ""
	}
	return q.keys[index]
}

// GetObjectAt returns the Record at index, or nil when out of range.
func (q *Live) GetObjectAt(index int) *store.Record {
	sk := q.StoreKeyAt(index)
	if sk == "" {
		return nil
	}
	return q.st.Materialize(sk)
}

// IndexOf returns the position of sk, or -1.
func (q *Live) IndexOf(sk string) int {
	return slices.Index(q.keys, sk)
}

// AddObserverForRange implements List.
func (q *Live) AddObserverForRange(r Range, fn RangeFunc) func() {
	return q.ranges.add(r, fn)
}

// Subscribe implements List.
func (q *Live) Subscribe(fn func(Event)) func() {
	return q.subs.add(fn)
}

// Fetch asks the store to load every record of the query's type.
func (q *Live) Fetch() bool {
	return q.st.FetchAll(q.typ, false)
}

// SetWhere replaces the filter and recomputes the list.
func (q *Live) SetWhere(f Filter) {
	q.where = f
	q.Reset()
}

// SetSort replaces the comparator and recomputes the list.
func (q *Live) SetSort(c Comparator) {
	q.sort = c
	q.Reset()
}

// Reset recomputes the list from scratch and fires EventReset.
func (q *Live) Reset() {
	if q.status.Is(status.Destroyed) {
		return
	}
	oldLen := len(q.keys)
	q.keys = q.compute()
	q.subs.emit(Event{Kind: EventReset, Query: q})
	q.ranges.rangeDidChange(len(q.keys), 0, max(oldLen, len(q.keys)))
}

// Destroy deregisters the query.
func (q *Live) Destroy() {
	q.st.RemoveQuery(q)
	q.keys = nil
	q.status = status.Destroyed
}

// StoreDidChangeRecords implements store.RecordsObserver. Each changed key
// is classified by whether it was in the list and whether it qualifies
// now; the surviving list and the sorted additions are then merged in one
// pass.
func (q *Live) StoreDidChangeRecords(storeKeys []string) {
	if q.status.Is(status.Destroyed) {
		return
	}
	positions := make(map[string]int, len(q.keys))
	for i, sk := range q.keys {
		positions[sk] = i
	}

	var removed []update.Entry
	var added []string
	seen := make(map[string]bool, len(storeKeys))
	for _, sk := range storeKeys {
		if seen[sk] {
			continue
		}
		seen[sk] = true
		idx, present := positions[sk]
		ok := q.qualifies(sk)
		if present {
			// A record still in the list may have moved; it is removed and
			// re-added and Normalize cancels the pair if it did not.
			removed = append(removed, update.Entry{Index: idx, ID: sk})
		}
		if ok {
			added = append(added, sk)
		}
	}
	if len(removed) == 0 && len(added) == 0 {
		return
	}

	slices.SortFunc(removed, func(a, b update.Entry) int { return a.Index - b.Index })
	kept := make([]string, 0, len(q.keys))
	ri := 0
	for i, sk := range q.keys {
		if ri < len(removed) && removed[ri].Index == i {
			ri++
			continue
		}
		kept = append(kept, sk)
	}
	slices.SortFunc(added, q.compare)

	next := make([]string, 0, len(kept)+len(added))
	var addedAt []update.Entry
	i, j := 0, 0
	for i < len(kept) || j < len(added) {
		if j < len(added) && (i == len(kept) || q.compare(added[j], kept[i]) < 0) {
			addedAt = append(addedAt, update.Entry{Index: len(next), ID: added[j]})
			next = append(next, added[j])
			j++
			continue
		}
		next = append(next, kept[i])
		i++
	}

	u := update.Normalize(update.New(removed, addedAt, nil, len(next)))
	oldLen := len(q.keys)
	q.keys = next
	if u.IsIdentity() {
		return
	}
	q.subs.emit(Event{Kind: EventUpdated, Query: q, Update: u})
	start, end := affected(u, oldLen)
	q.ranges.rangeDidChange(len(next), start, end)
}

func (q *Live) qualifies(sk string) bool {
	if !q.st.GetStatus(sk).Is(status.Ready) {
		return false
	}
	return q.where == nil || q.where(q.st.GetData(sk))
}

func (q *Live) compare(a, b string) int {
	if q.sort != nil {
		if c := q.sort(q.st.GetData(a), q.st.GetData(b)); c != 0 {
			return c
		}
	}
	return cmp.Compare(a, b)
}

func (q *Live) compute() []string {
	var keys []string
	for _, sk := range q.st.StoreKeysOfType(q.typ) {
		if q.qualifies(sk) {
			keys = append(keys, sk)
		}
	}
	slices.SortFunc(keys, q.compare)
	return keys
}

