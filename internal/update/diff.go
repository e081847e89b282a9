package update

import "slices"

// Diff computes an update turning old into next. Ids must be unique within
// each list. Elements common to both lists keep their place when they lie
// on a longest increasing subsequence of positions in next; every other common
// element is expressed as a move (removed, then added).
func Diff(old, next []string) Update {
	newPos := make(map[string]int, len(next))
	for i, id := range next {
		newPos[id] = i
	}

	// Positions in next of the common elements, in old order.
	var seq []int
	var seqOld []int
	for i, id := range old {
		if p, ok := newPos[id]; ok {
			seq = append(seq, p)
			seqOld = append(seqOld, i)
		}
	}
	kept := make(map[string]bool, len(seq))
	for _, k := range longestIncreasing(seq) {
		kept[old[seqOld[k]]] = true
	}

	var removed, added []Entry
	for i, id := range old {
		if !kept[id] {
			removed = append(removed, Entry{Index: i, ID: id})
		}
	}
	for i, id := range next {
		if !kept[id] {
			added = append(added, Entry{Index: i, ID: id})
		}
	}
	return New(removed, added, nil, len(next))
}

// longestIncreasing returns the indexes into seq of one longest strictly
// increasing subsequence.
func longestIncreasing(seq []int) []int {
	if len(seq) == 0 {
		return nil
	}
	tails := make([]int, 0, len(seq)) // indexes into seq
	prev := make([]int, len(seq))
	for i, v := range seq {
		lo, _ := slices.BinarySearchFunc(tails, v, func(t int, target int) int {
			return seq[t] - target
		})
		if lo > 0 {
			prev[i] = tails[lo-1]
		} else {
			prev[i] = -1
		}
		if lo == len(tails) {
			tails = append(tails, i)
		} else {
			tails[lo] = i
		}
	}
	out := make([]int, len(tails))
	for i, k := len(tails)-1, tails[len(tails)-1]; i >= 0; i, k = i-1, prev[k] {
		out[i] = k
	}
	return out
}
