// Package runloop implements the single-threaded task loop every store,
// query and source callback runs on.
//
// ARCHITECTURE:
//
// Single-Writer Loop:
// All mutation of store state happens inside loop turns. A turn runs one
// posted task and then drains the end-of-turn queue. This gives:
//   - Coalescing: Defer with the same key runs once per turn, which is how a
//     burst of attribute writes becomes one batched commit
//   - Ordering: posted tasks run in FIFO order; callbacks from a source
//     are applied in the order they were posted
//   - Determinism: tests step the loop with Flush instead of sleeping
//
// Post is safe from any goroutine, so a source talking to the network can
// hand results back to the loop. Everything else must be called from the
// goroutine driving the loop (Run, Turn or Flush).
package runloop
