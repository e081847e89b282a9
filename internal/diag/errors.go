// Package diag is the single diagnostic sink for conditions the store and
// queries recover from locally.
//
// Nothing in this system throws across an asynchronous boundary: a source
// callback that arrives for a record in the wrong state, a write to a record
// that is not ready, or a server delta the client cannot place are all
// repaired in place and then reported here as an *Error. Sinks decide what
// to do with them (log, count, record for tests).
package diag

import (
	"errors"
	"fmt"
)

// Code categorises a diagnostic.
type Code string

const (
	// CannotCreateExistingRecord: createRecord on a key that is not EMPTY or DESTROYED.
	CannotCreateExistingRecord Code = "CANNOT_CREATE_EXISTING_RECORD"

	// CannotWriteToUnreadyRecord: updateData/setData on a key without READY.
	CannotWriteToUnreadyRecord Code = "CANNOT_WRITE_TO_UNREADY_RECORD"

	// FetchedDestroyedOrNonExistent: the source delivered data for a key the
	// client believes destroyed or non-existent. The data is still accepted.
	FetchedDestroyedOrNonExistent Code = "FETCHED_DESTROYED_OR_NON_EXISTENT"

	// SourceCommitCreateMismatch: a create was confirmed for a key that is not NEW.
	SourceCommitCreateMismatch Code = "SOURCE_COMMIT_CREATE_MISMATCH"

	// SourceCommitDestroyMismatch: a destroy outcome arrived for a key that is not DESTROYED.
	SourceCommitDestroyMismatch Code = "SOURCE_COMMIT_DESTROY_MISMATCH"

	// SourceCommitOnUnknownState: a commit moved a type from a state the
	// client does not hold. The type is refetched from scratch.
	SourceCommitOnUnknownState Code = "SOURCE_COMMIT_ON_UNKNOWN_STATE"

	// ListReconciliationGap: a server delta referenced an id the windowed
	// query cannot locate. The list is truncated or reset.
	ListReconciliationGap Code = "LIST_RECONCILIATION_GAP"

	// CommitRejected: the source permanently refused a commit; the record
	// was rolled back to its last committed data.
	CommitRejected Code = "COMMIT_REJECTED"
)

// Error is one diagnostic. Fields other than Code and Message are optional
// context.
type Error struct {
	Code    Code
	Message string

	// Type is the record type involved, if any.
	Type string

	// StoreKey identifies the record involved, if any.
	StoreKey string

	// QueryID identifies the query involved, if any.
	QueryID string

	// Err is an underlying cause (e.g. the source's rejection).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StoreKey != "" && e.Type != "":
		return fmt.Sprintf("%s: %s (type=%s, key=%s)", e.Code, e.Message, e.Type, e.StoreKey)
	case e.StoreKey != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.StoreKey)
	case e.QueryID != "":
		return fmt.Sprintf("%s: %s (query=%s)", e.Code, e.Message, e.QueryID)
	case e.Type != "":
		return fmt.Sprintf("%s: %s (type=%s)", e.Code, e.Message, e.Type)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is, or wraps, a diagnostic with the given code.
func IsCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
