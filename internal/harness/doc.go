// Package harness runs YAML scenarios against a real store backed by an
// in-memory sqlsource.
//
// # Scenario Format
//
//	name: create_and_commit
//	description: "A created record is committed and gets a server id"
//	schema: schema            # optional CUE directory, relative to the file
//	types:                    # optional inline type definitions
//	  - name: Todo
//	    attributes:
//	      done: { default: false }
//	      draft: { no_sync: true }
//	seed:
//	  - type: Todo
//	    data: { id: a, title: one }
//	steps:
//	  - create: { type: Todo, as: t1, data: { title: two } }
//	  - flush: true
//	  - expect: { type: record, ref: t1, status: READY }
//	assertions:
//	  - type: trace_contains
//	    action: CommitChanges
//	    args: { counts: { Todo.create: 1 } }
//
// # Steps
//
// Record steps: create, update, destroy, get, refresh_record.
// Store steps: commit, discard, flush, fetch_all.
// Source steps: remote_put, remote_delete, source (online or offline).
// Nested stores: nested_begin, nested_commit, nested_discard. While a nested
// store is open, record steps act on it.
// Queries: live_query, windowed_query, load_range, refresh.
// An expect step evaluates one assertion at that point of the run.
//
// Steps do not flush the store's loop. Source answers and coalesced commits
// run on the next flush step, and once more before the final assertions.
//
// # Assertion Types
//
//   - trace_contains: an event named action whose args contain args
//   - trace_order: actions appear in the given order
//   - trace_count: action appears exactly count times
//   - record: status and a subset of data of one record
//   - server_record: a subset of the source's copy, or absent
//   - query: the ids a named query lists
//   - diagnostics: the exact codes reported so far
//   - client_state: the client's state token for record_type
//
// # Determinism
//
// Server ids come from a counter ("id-1", "id-2", ...) unless the scenario
// sets id_prefix, and every trace event carries a sequence number, so the
// same scenario always produces the same trace. RunWithGolden compares that
// trace against testdata/golden/<name>.golden.
package harness
