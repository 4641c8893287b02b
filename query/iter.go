// Package query implements the row-iterator primitives the planner above
// this engine composes queries from: a tx-aware full scan (Iter), an
// index-backed point/range scan (IndexScan), semi-join and join operators
// built on top of it, and DeltaPlan, which derives a subscription's
// incremental view update from a transaction's insert/delete deltas.
//
// Every primitive here is written against datastore.Reader rather than
// datastore.ReadTx/WriteTx directly, so the exact same scan code runs
// whether the caller holds a read-only or a read-write transaction.
package query

import (
	"github.com/nova-db/stdb/datastore"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
)

// RowIter is satisfied by every row-producing primitive in this package,
// letting SemiJoin/IndexJoin drive either a full Iter or a nested
// IndexScan as their probe side.
type RowIter interface {
	Next() (table.RowRef, bool)
}

type scanStage int

const (
	stageStart scanStage = iota
	stageCommittedNoTxDeletes
	stageCommittedWithTxDeletes
	stageCurrentTx
	stageDone
)

// Iter performs a full scan of a table's rows visible to a transaction, per
// spec section 4.8: every live committed row the transaction hasn't
// deleted, followed by every row in the transaction's own insert table.
// Against a read-only transaction (whose Reader never reports an insert
// table or delete set) this degenerates to a plain committed-table scan.
type Iter struct {
	r       datastore.Reader
	tableId rowptr.TableId
	stage   scanStage

	inner   *table.ScanIter
	deletes interface{ Contains(rowptr.RowPointer) bool }
}

// NewIter returns a full-table scan over id as seen by r.
func NewIter(r datastore.Reader, id rowptr.TableId) *Iter {
	return &Iter{r: r, tableId: id}
}

// Next returns the next visible row, or ok=false once every committed and
// tx-local row has been yielded.
func (it *Iter) Next() (table.RowRef, bool) {
	for {
		switch it.stage {
		case stageStart:
			committed, ok := it.r.CommittedTable(it.tableId)
			if !ok {
				it.stage = stageCurrentTx
				continue
			}
			it.inner = committed.ScanRows(it.r.CommittedBlobs())
			if ds, hasDeletes := it.r.DeleteSet(it.tableId); hasDeletes {
				it.deletes = ds
				it.stage = stageCommittedWithTxDeletes
			} else {
				it.stage = stageCommittedNoTxDeletes
			}
			continue

		case stageCommittedNoTxDeletes:
			ref, ok := it.inner.Next()
			if !ok {
				it.stage = stageCurrentTx
				it.inner = nil
				continue
			}
			return ref, true

		case stageCommittedWithTxDeletes:
			ref, ok := it.inner.Next()
			if !ok {
				it.stage = stageCurrentTx
				it.inner = nil
				continue
			}
			if it.deletes.Contains(ref.Pointer()) {
				continue
			}
			return ref, true

		case stageCurrentTx:
			if it.inner == nil {
				ins, ok := it.r.InsertTable(it.tableId)
				if !ok {
					it.stage = stageDone
					continue
				}
				it.inner = ins.ScanRows(it.r.TxBlobs())
			}
			ref, ok := it.inner.Next()
			if !ok {
				it.stage = stageDone
				continue
			}
			return ref, true

		default:
			return table.RowRef{}, false
		}
	}
}
