package datastore

import (
	"fmt"

	"github.com/nova-db/stdb/rowptr"
)

// ErrNoSuchTable is returned when an operation names a TableId the
// datastore has no schema for.
type ErrNoSuchTable struct {
	TableId rowptr.TableId
}

func (e *ErrNoSuchTable) Error() string {
	return fmt.Sprintf("datastore: no such table %d", e.TableId)
}

func errNoSuchTable(id rowptr.TableId) error { return &ErrNoSuchTable{TableId: id} }

// ErrWriteInProgress is returned by BeginWrite while another write
// transaction is already live, enforcing the single-writer model.
var ErrWriteInProgress = fmt.Errorf("datastore: a write transaction is already in progress")

// ErrMergeConflict is returned by Commit when a unique index in committed
// state collides with a row the transaction tried to insert, and the
// colliding committed row was not itself deleted by this transaction.
type ErrMergeConflict struct {
	TableId rowptr.TableId
	IndexId rowptr.IndexId
}

func (e *ErrMergeConflict) Error() string {
	return fmt.Sprintf("datastore: merge conflict on table %d index %d", e.TableId, e.IndexId)
}
