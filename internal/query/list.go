package query

import (
	"maps"
	"slices"
	"strings"

	"github.com/roach88/recsync/internal/store"
	"github.com/roach88/recsync/internal/update"
	"github.com/roach88/recsync/internal/value"
)

// List is the contract shared by Live and Windowed.
type List interface {
	store.Query
	Length() int
	StoreKeyAt(index int) string
	GetObjectAt(index int) *store.Record
	AddObserverForRange(r Range, fn RangeFunc) (cancel func())
	Subscribe(fn func(Event)) (cancel func())
}

// EventKind says what happened to a query's list.
type EventKind int

const (
	// EventUpdated carries the Update from the previous list to the new one.
	EventUpdated EventKind = iota + 1
	// EventReset means the list was recomputed or dropped from scratch.
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventReset:
		return "reset"
	}
	return "unknown"
}

// Event is delivered to query subscribers.
type Event struct {
	Kind   EventKind
	Query  store.Query
	Update update.Update
}

// Range selects the indexes [Start, End) of a list. Negative values count
// back from the end of the list, and an End of zero means the end of the
// list, so the resolved range follows the list as it grows and shrinks.
type Range struct {
	Start int
	End   int
}

func (r Range) resolve(length int) (start, end int) {
	start, end = r.Start, r.End
	if start < 0 {
		start += length
	}
	if end <= 0 {
		end += length
	}
	start = min(max(start, 0), length)
	end = min(max(end, 0), length)
	if start > end {
		start = end
	}
	return start, end
}

// RangeFunc is called with the part of an observed range whose contents
// may have changed.
type RangeFunc func(start, end int)

type rangeObserver struct {
	r  Range
	fn RangeFunc
}

type rangeObservers struct {
	next uint64
	obs  map[uint64]rangeObserver
}

func (ro *rangeObservers) add(r Range, fn RangeFunc) func() {
	if ro.obs == nil {
		ro.obs = make(map[uint64]rangeObserver)
	}
	ro.next++
	id := ro.next
	ro.obs[id] = rangeObserver{r: r, fn: fn}
	return func() { delete(ro.obs, id) }
}

func (ro *rangeObservers) len() int {
	return len(ro.obs)
}

// ranges returns every observed range resolved against length.
func (ro *rangeObservers) ranges(length int) [][2]int {
	var out [][2]int
	for _, id := range slices.Sorted(maps.Keys(ro.obs)) {
		s, e := ro.obs[id].r.resolve(length)
		out = append(out, [2]int{s, e})
	}
	return out
}

// rangeDidChange tells every observer whose range intersects [start, end).
func (ro *rangeObservers) rangeDidChange(length, start, end int) {
	if start >= end {
		return
	}
	for _, id := range slices.Sorted(maps.Keys(ro.obs)) {
		o, ok := ro.obs[id]
		if !ok {
			continue
		}
		s, e := o.r.resolve(length)
		if start < e && end > s {
			o.fn(max(start, s), min(end, e))
		}
	}
}

type subscribers struct {
	next uint64
	fns  map[uint64]func(Event)
}

func (sub *subscribers) add(fn func(Event)) func() {
	if sub.fns == nil {
		sub.fns = make(map[uint64]func(Event))
	}
	sub.next++
	id := sub.next
	sub.fns[id] = fn
	return func() { delete(sub.fns, id) }
}

func (sub *subscribers) emit(ev Event) {
	for _, id := range slices.Sorted(maps.Keys(sub.fns)) {
		if fn, ok := sub.fns[id]; ok {
			fn(ev)
		}
	}
}

// affected returns the index window an update touches in a list whose
// length went from oldLen to u.Total. A change in length extends the window
// to the end of the longer list.
func affected(u update.Update, oldLen int) (start, end int) {
	start, end = -1, 0
	for _, idxs := range [][]int{u.RemovedIndexes, u.AddedIndexes} {
		if len(idxs) == 0 {
			continue
		}
		if start < 0 || idxs[0] < start {
			start = idxs[0]
		}
		end = max(end, idxs[len(idxs)-1]+1)
	}
	if oldLen != u.Total {
		if start < 0 {
			start = min(oldLen, u.Total)
		}
		end = max(oldLen, u.Total)
	}
	if start < 0 {
		return 0, 0
	}
	return start, end
}

// Filter selects records.
type Filter func(data value.Object) bool

// Comparator orders records.
type Comparator func(a, b value.Object) int

// Equals returns a Filter matching records whose attributes equal every
// attribute of want.
func Equals(want value.Object) Filter {
	want = want.Clone()
	return func(data value.Object) bool {
		for k, v := range want {
			if !value.Equal(data.Get(k), v) {
				return false
			}
		}
		return true
	}
}

// SortBy returns a Comparator ordering by each attribute in turn. An
// attribute prefixed with "-" sorts descending. Missing attributes sort as
// null.
func SortBy(attrs ...string) Comparator {
	attrs = slices.Clone(attrs)
	return func(a, b value.Object) int {
		for _, attr := range attrs {
			desc := strings.HasPrefix(attr, "-")
			name := strings.TrimPrefix(attr, "-")
			c := value.Compare(a.Get(name), b.Get(name))
			if desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}
