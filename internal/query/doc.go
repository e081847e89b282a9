// Package query provides ordered views over the records of one type in a
// store.Store.
//
// Live is computed locally from resident records: a filter selects READY
// records and a comparator orders them. It recomputes incrementally from the
// store's per-turn change notifications.
//
// Windowed is ordered by the source. Its ids are fetched lazily in
// fixed-size windows, and local optimistic edits (preemptive updates) are
// reconciled against the deltas the source reports, using the algebra in
// package update.
//
// Both satisfy List, so range observers need not tell them apart. Like the
// store itself, queries must only be used from the goroutine driving the
// store's loop.
package query
