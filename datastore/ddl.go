package datastore

import (
	"github.com/pkg/errors"

	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
)

// CreateTable allocates a TableId (and an IndexId for any index definition
// that doesn't already carry one), registers the new table in committed
// state immediately, and writes its descriptive rows into the system
// catalog. Per spec section 6.1 create_table takes effect inside a write
// transaction, but unlike row inserts the new Table object itself is not
// staged in TxState: nothing below this layer has a notion of a
// tx-local schema overlay, so the table is visible to every reader the
// instant CreateTable returns. Rollback undoes this by dropping the table
// again; see WriteTx.rollbackDDL.
func (tx *WriteTx) CreateTable(name string, columns []table.ColumnDef, indexes []table.IndexDef) (rowptr.TableId, error) {
	if tx.done {
		return 0, errors.New("datastore: transaction already finished")
	}
	id := tx.ds.committed.allocTableId()
	for i := range indexes {
		if indexes[i].Id == 0 {
			indexes[i].Id = tx.ds.committed.allocIndexId()
		}
	}
	var sequences []table.SequenceDef
	for _, c := range columns {
		if c.AutoInc {
			sequences = append(sequences, table.SequenceDef{Id: tx.ds.committed.allocSequenceId(), ColId: c.Id})
		}
	}
	schema := table.Schema{Id: id, Name: name, Columns: columns, Indexes: indexes, Sequences: sequences}

	t, err := tx.ds.committed.newCommittedTable(schema)
	if err != nil {
		return 0, errors.Wrap(err, "datastore: create table")
	}
	tx.ds.committed.registerTable(t)
	if err := tx.ds.committed.writeCatalogRows(schema); err != nil {
		tx.ds.committed.dropTable(id)
		return 0, err
	}
	tx.state.createdTables = append(tx.state.createdTables, id)
	return id, nil
}

// DropTable marks table_id for removal. The table stops being visible to
// SchemaForTable/GetTable lookups immediately (matching create_table's
// eager-visibility simplification) but its catalog rows are only removed,
// and the drop only becomes permanent, at Commit; Rollback re-registers it.
func (tx *WriteTx) DropTable(id rowptr.TableId) error {
	if tx.done {
		return errors.New("datastore: transaction already finished")
	}
	t, ok := tx.ds.committed.GetTable(id)
	if !ok {
		return errNoSuchTable(id)
	}
	tx.ds.committed.stageDrop(id, t)
	tx.state.droppedTables = append(tx.state.droppedTables, id)
	return nil
}

// rollbackDDL undoes the eager committed-state effects of CreateTable and
// DropTable performed by this transaction.
func (tx *WriteTx) rollbackDDL() {
	for _, id := range tx.state.createdTables {
		tx.ds.committed.dropTable(id)
	}
	for _, id := range tx.state.droppedTables {
		tx.ds.committed.unstageDrop(id)
	}
}

// commitDDL permanently removes every table this transaction dropped and
// deletes its catalog rows.
func (tx *WriteTx) commitDDL() error {
	for _, id := range tx.state.droppedTables {
		if t, ok := tx.ds.committed.GetStaged(id); ok {
			if err := tx.ds.committed.removeCatalogRows(t.Schema()); err != nil {
				return err
			}
		}
		tx.ds.committed.dropTable(id)
	}
	return nil
}
