package datastore

import (
	"github.com/nova-db/stdb/blobstore"
	"github.com/nova-db/stdb/deleteset"
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
)

// Reader is the read path every query primitive is written against. A
// ReadTx and a WriteTx both satisfy it; the former always reports no
// tx-local overlay, so the same Iter/IndexScan code works identically for
// a read-only transaction (CommittedState alone) and a read-write one
// (CommittedState + TxState), per spec section 4.9.
type Reader interface {
	CommittedTable(id rowptr.TableId) (*table.Table, bool)
	InsertTable(id rowptr.TableId) (*table.Table, bool)
	DeleteSet(id rowptr.TableId) (*deleteset.DeleteTable, bool)
	CommittedBlobs() *blobstore.Store
	TxBlobs() *blobstore.Store
	SchemaForTable(id rowptr.TableId) (table.Schema, bool)
}

// TxState is a write transaction's overlay: a fresh insert table and a
// delete set per touched TableId, plus a tx-local blob store holding blob
// writes that haven't been merged into committed state yet.
type TxState struct {
	insertTables map[rowptr.TableId]*table.Table
	deleteTables map[rowptr.TableId]*deleteset.DeleteTable
	blobs        *blobstore.Store

	// createdTables and droppedTables record this tx's DDL so Commit can
	// write WAL/catalog bookkeeping and Rollback can undo the eager
	// committed-state mutation create_table/drop_table perform (see
	// Datastore.CreateTable/DropTable).
	createdTables []rowptr.TableId
	droppedTables []rowptr.TableId
}

func newTxState() *TxState {
	return &TxState{
		insertTables: make(map[rowptr.TableId]*table.Table),
		deleteTables: make(map[rowptr.TableId]*deleteset.DeleteTable),
		blobs:        blobstore.New(),
	}
}

// IsDeleted reports whether ptr, which must name a committed row, has been
// logically deleted by this transaction.
func (s *TxState) IsDeleted(id rowptr.TableId, ptr rowptr.RowPointer) bool {
	ds, ok := s.deleteTables[id]
	if !ok {
		return false
	}
	return ds.Contains(ptr)
}

func (s *TxState) insertTableFor(schema table.Schema, blobThreshold int, directIndexMaxKey uint64) (*table.Table, error) {
	if t, ok := s.insertTables[schema.Id]; ok {
		return t, nil
	}
	t, err := table.New(schema, rowptr.TxState, blobThreshold, directIndexMaxKey)
	if err != nil {
		return nil, err
	}
	s.insertTables[schema.Id] = t
	return t, nil
}

func (s *TxState) deleteSetFor(id rowptr.TableId, stepSize uint16) *deleteset.DeleteTable {
	if ds, ok := s.deleteTables[id]; ok {
		return ds
	}
	ds := deleteset.New(stepSize)
	s.deleteTables[id] = ds
	return ds
}

// ReadTx is a read-only transaction: a shared-read handle onto the last
// committed state. Any number of ReadTx may be live concurrently with
// each other and with a single live WriteTx.
type ReadTx struct {
	ds *Datastore
}

func (tx *ReadTx) CommittedTable(id rowptr.TableId) (*table.Table, bool) {
	return tx.ds.committed.GetTable(id)
}
func (tx *ReadTx) InsertTable(rowptr.TableId) (*table.Table, bool)       { return nil, false }
func (tx *ReadTx) DeleteSet(rowptr.TableId) (*deleteset.DeleteTable, bool) { return nil, false }
func (tx *ReadTx) CommittedBlobs() *blobstore.Store                     { return tx.ds.committed.Blobs() }
func (tx *ReadTx) TxBlobs() *blobstore.Store                            { return tx.ds.committed.Blobs() }
func (tx *ReadTx) SchemaForTable(id rowptr.TableId) (table.Schema, bool) {
	return tx.ds.committed.SchemaForTable(id)
}

// Release ends a read transaction. ReadTx never mutates state, so Release
// is a no-op kept for symmetry with WriteTx's Commit/Rollback.
func (tx *ReadTx) Release() {}

// WriteTx is the single live read-write transaction a Datastore may hold at
// a time. It reads through to CommittedState and writes into its own
// TxState until Commit or Rollback.
type WriteTx struct {
	ds    *Datastore
	state *TxState
	done  bool
}

func (tx *WriteTx) CommittedTable(id rowptr.TableId) (*table.Table, bool) {
	return tx.ds.committed.GetTable(id)
}

func (tx *WriteTx) InsertTable(id rowptr.TableId) (*table.Table, bool) {
	t, ok := tx.state.insertTables[id]
	return t, ok
}

func (tx *WriteTx) DeleteSet(id rowptr.TableId) (*deleteset.DeleteTable, bool) {
	ds, ok := tx.state.deleteTables[id]
	return ds, ok
}

func (tx *WriteTx) CommittedBlobs() *blobstore.Store { return tx.ds.committed.Blobs() }
func (tx *WriteTx) TxBlobs() *blobstore.Store         { return tx.state.blobs }

func (tx *WriteTx) SchemaForTable(id rowptr.TableId) (table.Schema, bool) {
	return tx.ds.committed.SchemaForTable(id)
}

// Insert writes value into table_id's tx-local insert table, enforcing
// uniqueness against both committed state (minus this tx's own deletes)
// and the insert table itself. Any column schema.Sequences names is
// substituted first: a zero value in that column is replaced by the
// sequence's next value, per spec section 3.4's auto_inc columns (e.g. S1's
// person.id); an explicit non-zero value instead advances the sequence past
// it, so ids assigned this way and ids inserted explicitly never collide.
func (tx *WriteTx) Insert(id rowptr.TableId, value layout.Value) (rowptr.RowPointer, error) {
	schema, ok := tx.SchemaForTable(id)
	if !ok {
		return 0, errNoSuchTable(id)
	}
	value = tx.ds.committed.allocateSequences(id, schema, value)
	if err := tx.checkUniqueAgainstCommitted(id, schema, value); err != nil {
		return 0, err
	}
	ins, err := tx.state.insertTableFor(schema, tx.ds.cfg.BlobThresholdBytes, tx.ds.cfg.DirectIndexMaxKey)
	if err != nil {
		return 0, err
	}
	return ins.Insert(tx.state.blobs, value)
}

// checkUniqueAgainstCommitted enforces unique indexes against committed
// rows this tx hasn't deleted; the insert table's own Insert call enforces
// uniqueness within the tx's own inserts.
func (tx *WriteTx) checkUniqueAgainstCommitted(id rowptr.TableId, schema table.Schema, value layout.Value) error {
	committed, ok := tx.CommittedTable(id)
	if !ok {
		return nil
	}
	for _, def := range schema.Indexes {
		if !def.Unique() {
			continue
		}
		k, err := committed.ProjectKey(def, value)
		if err != nil {
			return err
		}
		idx, ok := committed.GetIndex(def.Id)
		if !ok {
			continue
		}
		existing, found := idx.Get(k)
		if !found {
			continue
		}
		if tx.state.IsDeleted(id, existing) {
			continue
		}
		return &table.ErrUniqueConstraintViolation{IndexId: def.Id, Existing: existing}
	}
	return nil
}

// Delete records ptr as logically deleted. If ptr names a row in this tx's
// own insert table, it is removed outright (nothing was ever committed);
// if it names a committed row, it is added to the tx's delete set.
func (tx *WriteTx) Delete(id rowptr.TableId, ptr rowptr.RowPointer) bool {
	if ptr.SquashedOffset() == rowptr.TxState {
		ins, ok := tx.state.insertTables[id]
		if !ok {
			return false
		}
		return ins.Delete(tx.state.blobs, ptr)
	}
	committed, ok := tx.CommittedTable(id)
	if !ok || !committed.Contains(ptr) {
		return false
	}
	ds := tx.state.deleteSetFor(id, committed.RowLayout().Size)
	return ds.Insert(ptr)
}
