// Package sqlsource is a store.Source backed by SQLite.
//
// It plays the server: it owns the authoritative copy of every record, gives
// each record type a state token that moves on every write, keeps a change
// log so clients holding an older state can be sent a delta, and answers
// windowed queries from a filtered, sorted list of ids.
//
// # Tables
//
//   - records: one row per (type, id); data is canonical JSON.
//   - type_states: the current sequence number of each type. The state
//     token of a type is that number in decimal.
//   - changes: every put and delete, stamped with the type sequence it
//     produced.
//   - query_snapshots: the id list a windowed query was last served at a
//     given state, used to compute list deltas.
//
// # Threading
//
// Source methods are called on the store's loop goroutine. The database
// work happens synchronously inside the call; the resulting callbacks are
// posted to the store's loop so they always run on a later turn.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package sqlsource
