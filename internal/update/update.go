// Package update implements the diff algebra for server-ordered lists.
//
// An Update describes how one ordered list of ids becomes another: which
// positions of the old list were removed, which ids were inserted at which
// positions of the new list, which ids had their contents changed, and the
// resulting length. Updates compose (Compose), invert (Invert) and compare
// (Equal), and Apply replays them onto possibly sparse lists.
//
// Index conventions:
//
//   - RemovedIndexes are positions in the list BEFORE the update.
//   - AddedIndexes are positions in the list AFTER the update.
//
// Both are strictly ascending and paired with RemovedIDs/AddedIDs.
// Update values are never mutated once built; every operation returns a new
// value.
package update

import (
	"fmt"
	"slices"
	"strings"
)

// Entry is an (index, id) pair.
type Entry struct {
	Index int
	ID    string
}

// Update is a structured list diff. See the package documentation for the
// index conventions.
type Update struct {
	RemovedIndexes []int
	RemovedIDs     []string
	AddedIndexes   []int
	AddedIDs       []string

	// Changed holds ids whose contents changed but whose position did not.
	// Sorted, no duplicates.
	Changed []string

	// Total is the length of the list after the update.
	Total int

	// TruncateAtFirstGap drops every element from the first unknown slot
	// onward when the update is applied.
	TruncateAtFirstGap bool

	// UpTo, if set, is the last id whose position the producer of the
	// update vouches for.
	UpTo string
}

// New builds an Update from unsorted entries. Entries are sorted by index;
// changed ids are sorted and deduplicated.
func New(removed, added []Entry, changed []string, total int) Update {
	removed = slices.Clone(removed)
	added = slices.Clone(added)
	byIndex := func(a, b Entry) int { return a.Index - b.Index }
	slices.SortFunc(removed, byIndex)
	slices.SortFunc(added, byIndex)

	u := Update{Total: total, Changed: sortedSet(changed)}
	for _, e := range removed {
		u.RemovedIndexes = append(u.RemovedIndexes, e.Index)
		u.RemovedIDs = append(u.RemovedIDs, e.ID)
	}
	for _, e := range added {
		u.AddedIndexes = append(u.AddedIndexes, e.Index)
		u.AddedIDs = append(u.AddedIDs, e.ID)
	}
	return u
}

// Identity returns the no-op update for a list of the given length.
func Identity(total int) Update {
	return Update{Total: total}
}

// Insert is a convenience for a single insertion.
func Insert(index int, id string, total int) Update {
	return New(nil, []Entry{{index, id}}, nil, total)
}

// Remove is a convenience for a single removal.
func Remove(index int, id string, total int) Update {
	return New([]Entry{{index, id}}, nil, nil, total)
}

// Removed returns the removed (index, id) pairs.
func (u Update) Removed() []Entry {
	return entries(u.RemovedIndexes, u.RemovedIDs)
}

// Added returns the added (index, id) pairs.
func (u Update) Added() []Entry {
	return entries(u.AddedIndexes, u.AddedIDs)
}

// PreviousTotal is the length of the list the update applies to.
func (u Update) PreviousTotal() int {
	return u.Total - len(u.AddedIndexes) + len(u.RemovedIndexes)
}

// IsIdentity reports whether applying the update changes nothing.
func (u Update) IsIdentity() bool {
	return len(u.RemovedIndexes) == 0 && len(u.AddedIndexes) == 0 &&
		len(u.Changed) == 0 && !u.TruncateAtFirstGap
}

// Equal reports whether two updates have the same removed and added
// (index, id) pairs and the same total. Changed ids, truncation and UpTo are
// not part of the shape and are ignored.
//
// Equal is structural. A move can be recorded by moving different ids (in
// [A B C] -> [A C B], either B or C moved), and an update only names the ids
// it moves, so two updates with the same effect on a list may differ here.
// Compare the results of Apply when moves are involved.
func Equal(a, b Update) bool {
	return a.Total == b.Total &&
		slices.Equal(a.RemovedIndexes, b.RemovedIndexes) &&
		slices.Equal(a.RemovedIDs, b.RemovedIDs) &&
		slices.Equal(a.AddedIndexes, b.AddedIndexes) &&
		slices.Equal(a.AddedIDs, b.AddedIDs)
}

// Invert returns the update that undoes u.
func Invert(u Update) Update {
	return Update{
		RemovedIndexes: slices.Clone(u.AddedIndexes),
		RemovedIDs:     slices.Clone(u.AddedIDs),
		AddedIndexes:   slices.Clone(u.RemovedIndexes),
		AddedIDs:       slices.Clone(u.RemovedIDs),
		Changed:        slices.Clone(u.Changed),
		Total:          u.PreviousTotal(),
	}
}

// Compose returns the single update equivalent to applying u1 then u2.
// Removed indexes of the result refer to the list before u1; added indexes
// refer to the list after u2. The result is normalized.
func Compose(u1, u2 Update) Update {
	// u1's additions, keyed by their position in the intermediate list.
	added1 := make(map[int]int, len(u1.AddedIndexes))
	for i, idx := range u1.AddedIndexes {
		added1[idx] = i
	}
	cancelled := make([]bool, len(u1.AddedIndexes))

	removed := u1.Removed()
	for i, idx := range u2.RemovedIndexes {
		if j, ok := added1[idx]; ok {
			cancelled[j] = true
			continue
		}
		survivor := idx - countBelow(u1.AddedIndexes, idx)
		removed = append(removed, Entry{Index: bumpOver(u1.RemovedIndexes, survivor), ID: u2.RemovedIDs[i]})
	}

	added := u2.Added()
	for j, idx := range u1.AddedIndexes {
		if cancelled[j] {
			continue
		}
		pos := idx - countBelow(u2.RemovedIndexes, idx)
		added = append(added, Entry{Index: bumpOver(u2.AddedIndexes, pos), ID: u1.AddedIDs[j]})
	}

	out := New(removed, added, append(slices.Clone(u1.Changed), u2.Changed...), u2.Total)
	out.TruncateAtFirstGap = u1.TruncateAtFirstGap || u2.TruncateAtFirstGap
	out.UpTo = u2.UpTo
	if out.UpTo == "" {
		out.UpTo = u1.UpTo
	}
	return Normalize(out)
}

// ComposeAll folds Compose over us. An empty slice composes to the identity
// on a list of length total.
func ComposeAll(total int, us ...Update) Update {
	acc := Identity(total)
	for i, u := range us {
		if i == 0 {
			acc = u
			continue
		}
		acc = Compose(acc, u)
	}
	return acc
}

// Normalize cancels every id that is both removed and re-added at the
// position it would have occupied anyway, so that the update only records
// genuine moves. It does not choose between equivalent sets of moves; see
// Equal.
func Normalize(u Update) Update {
	removed := u.Removed()
	added := u.Added()
	for {
		cancelledAny := false
		for ri := 0; ri < len(removed); ri++ {
			ai := indexOfID(added, removed[ri].ID)
			if ai < 0 {
				continue
			}
			otherRemoved := indexesExcept(removed, ri)
			otherAdded := indexesExcept(added, ai)
			survivor := removed[ri].Index - countBelow(otherRemoved, removed[ri].Index)
			if bumpOver(otherAdded, survivor) != added[ai].Index {
				continue
			}
			removed = slices.Delete(removed, ri, ri+1)
			added = slices.Delete(added, ai, ai+1)
			cancelledAny = true
			break
		}
		if !cancelledAny {
			break
		}
	}
	out := New(removed, added, u.Changed, u.Total)
	out.TruncateAtFirstGap = u.TruncateAtFirstGap
	out.UpTo = u.UpTo
	return out
}

// Apply replays u onto list and returns the new list. The input may be
// sparse: "" marks a slot whose id is unknown, and the list may be shorter
// than the true length. Removals beyond the known prefix are ignored,
// additions beyond it pad with unknown slots. Trailing unknown slots are
// trimmed.
func (u Update) Apply(list []string) []string {
	out := make([]string, 0, len(list)+len(u.AddedIndexes))
	ri := 0
	for i, id := range list {
		for ri < len(u.RemovedIndexes) && u.RemovedIndexes[ri] < i {
			ri++
		}
		if ri < len(u.RemovedIndexes) && u.RemovedIndexes[ri] == i {
			ri++
			continue
		}
		out = append(out, id)
	}
	for i, idx := range u.AddedIndexes {
		for len(out) < idx {
			out = append(out, "")
		}
		out = slices.Insert(out, idx, u.AddedIDs[i])
	}
	if len(out) > u.Total {
		out = out[:u.Total]
	}
	if u.TruncateAtFirstGap {
		if gap := slices.Index(out, ""); gap >= 0 {
			out = out[:gap]
		}
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// String renders the update compactly for traces and test failures.
func (u Update) String() string {
	var b strings.Builder
	b.WriteString("update{")
	if len(u.RemovedIndexes) > 0 {
		fmt.Fprintf(&b, "removed:%v ", u.Removed())
	}
	if len(u.AddedIndexes) > 0 {
		fmt.Fprintf(&b, "added:%v ", u.Added())
	}
	if len(u.Changed) > 0 {
		fmt.Fprintf(&b, "changed:%v ", u.Changed)
	}
	if u.TruncateAtFirstGap {
		b.WriteString("truncate ")
	}
	if u.UpTo != "" {
		fmt.Fprintf(&b, "upto:%s ", u.UpTo)
	}
	fmt.Fprintf(&b, "total:%d}", u.Total)
	return b.String()
}

// countBelow returns how many of the ascending indexes are < x.
func countBelow(indexes []int, x int) int {
	n, _ := slices.BinarySearch(indexes, x)
	return n
}

// bumpOver maps a rank among the elements that are not at the ascending
// indexes to an absolute position.
func bumpOver(indexes []int, rank int) int {
	pos := rank
	for _, idx := range indexes {
		if idx > pos {
			break
		}
		pos++
	}
	return pos
}

func entries(indexes []int, ids []string) []Entry {
	out := make([]Entry, len(indexes))
	for i := range indexes {
		out[i] = Entry{Index: indexes[i], ID: ids[i]}
	}
	return out
}

func indexOfID(es []Entry, id string) int {
	for i, e := range es {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func indexesExcept(es []Entry, skip int) []int {
	out := make([]int, 0, len(es))
	for i, e := range es {
		if i != skip {
			out = append(out, e.Index)
		}
	}
	return out
}

func sortedSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
