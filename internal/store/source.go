package store

import (
	"github.com/roach88/recsync/internal/value"
)

// Source is the collaborator that actually fetches and commits records.
//
// Every method returns immediately. A method returns true when the source
// accepted the request; the outcome is delivered later by posting the
// matching Store (or query) callback onto the store's loop.
type Source interface {
	// FetchRecord loads one record. Answered with SourceDidFetchRecords or
	// SourceCouldNotFindRecords.
	FetchRecord(st *Store, typ, id string) bool

	// RefreshRecord reloads a record the store already holds. Answered
	// like FetchRecord, or with SourceDidFetchPartialRecords.
	RefreshRecord(st *Store, typ, id string) bool

	// FetchAllRecords loads every record of a type. An empty clientState
	// asks for a full load (answered with SourceDidFetchRecords, isAll set);
	// otherwise the source may answer with SourceDidFetchUpdates relative
	// to clientState.
	FetchAllRecords(st *Store, typ, clientState string) bool

	// CommitChanges sends a change set. The source posts the per-record
	// outcome callbacks and then calls done exactly once.
	CommitChanges(st *Store, changes Changes, done func()) bool

	// FetchQuery services a remote query.
	FetchQuery(q Query) bool
}

// CreateSet lists records to create. StoreKeys and Records are parallel.
type CreateSet struct {
	StoreKeys []string
	Records   []value.Object
}

// UpdateSet lists records to update. All slices are parallel: Records holds
// the full current data, Committed the data last confirmed by the source and
// Changed the attribute names that differ.
type UpdateSet struct {
	StoreKeys []string
	Records   []value.Object
	Committed []value.Object
	Changed   [][]string
}

// DestroySet lists records to destroy. StoreKeys and IDs are parallel.
type DestroySet struct {
	StoreKeys []string
	IDs       []string
}

// TypeChanges is the part of a commit concerning one record type.
type TypeChanges struct {
	PrimaryKey string
	// State is the client's state token for the type when the commit was
	// built.
	State   string
	Create  CreateSet
	Update  UpdateSet
	Destroy DestroySet
}

// Empty reports whether nothing is to be committed for the type.
func (c *TypeChanges) Empty() bool {
	return len(c.Create.StoreKeys) == 0 && len(c.Update.StoreKeys) == 0 && len(c.Destroy.StoreKeys) == 0
}

// Changes is one commit, keyed by type name.
type Changes map[string]*TypeChanges

func (c Changes) forType(typ, primaryKey string) *TypeChanges {
	tc, ok := c[typ]
	if !ok {
		tc = &TypeChanges{PrimaryKey: primaryKey}
		c[typ] = tc
	}
	return tc
}
