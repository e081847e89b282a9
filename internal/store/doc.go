// Package store is the client-resident record cache.
//
// A Store holds the data and lifecycle Status of every resident record,
// keyed by a client-local StoreKey, and is the only component that talks to
// a Source. Local edits are tracked against a snapshot of the last committed
// data so that a value set back to its committed state is no longer dirty;
// edits are batched into one commit per loop turn.
//
// A nested Store (NewNested) is a copy-on-write overlay over a parent
// Store. Reads fall through to the parent until the overlay writes a key;
// CommitChanges replays the overlay onto the parent and DiscardChanges
// drops it.
//
// Thread-safety model:
//   - Every Store method must run on the goroutine driving the store's
//     runloop.Loop.
//   - Sources answer by posting their callbacks onto that loop (Loop.Post),
//     never by calling the store from another goroutine.
//
// Programmer errors (writing to a record that is not ready, creating over a
// live record, commit outcomes that contradict local state) never panic.
// They are reported to the store's diag.Sink and the operation is a no-op.
package store
