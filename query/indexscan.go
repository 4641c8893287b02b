package query

import (
	"github.com/nova-db/stdb/datastore"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
	"github.com/nova-db/stdb/tableindex"
)

type indexScanStage int

const (
	indexScanStart indexScanStage = iota
	indexScanCommitted
	indexScanTx
	indexScanDone
)

// IndexScan walks an index's entries within [lo, hi] against a
// transaction's view: committed matches not hidden by the transaction's
// delete set, then the transaction's own insert-table matches over the
// same index and bounds. Point lookups are the degenerate range [key, key]
// with both bounds inclusive.
type IndexScan struct {
	r       datastore.Reader
	tableId rowptr.TableId
	indexId rowptr.IndexId

	lo, hi       tableindex.Key
	loInc, hiInc bool

	stage   indexScanStage
	next    func() (table.RowRef, bool)
	deletes interface{ Contains(rowptr.RowPointer) bool }
}

// NewIndexRangeScan returns a scan over indexId's entries within [lo, hi].
func NewIndexRangeScan(r datastore.Reader, tableId rowptr.TableId, indexId rowptr.IndexId, lo, hi tableindex.Key, loInc, hiInc bool) *IndexScan {
	return &IndexScan{r: r, tableId: tableId, indexId: indexId, lo: lo, hi: hi, loInc: loInc, hiInc: hiInc}
}

// NewIndexPointScan returns a scan over exactly the rows matching key.
func NewIndexPointScan(r datastore.Reader, tableId rowptr.TableId, indexId rowptr.IndexId, key tableindex.Key) *IndexScan {
	return NewIndexRangeScan(r, tableId, indexId, key, key, true, true)
}

// Next returns the next matching row, or ok=false once both the committed
// and tx-local index ranges are exhausted.
func (s *IndexScan) Next() (table.RowRef, bool) {
	for {
		switch s.stage {
		case indexScanStart:
			committed, ok := s.r.CommittedTable(s.tableId)
			if !ok {
				s.stage = indexScanTx
				continue
			}
			idx, ok := committed.GetIndex(s.indexId)
			if !ok {
				s.stage = indexScanTx
				continue
			}
			if ds, hasDeletes := s.r.DeleteSet(s.tableId); hasDeletes {
				s.deletes = ds
			}
			s.next = committed.ResolveIndexIter(s.r.CommittedBlobs(), idx.Range(s.lo, s.hi, s.loInc, s.hiInc))
			s.stage = indexScanCommitted
			continue

		case indexScanCommitted:
			ref, ok := s.next()
			if !ok {
				s.next = nil
				s.stage = indexScanTx
				continue
			}
			if s.deletes != nil && s.deletes.Contains(ref.Pointer()) {
				continue
			}
			return ref, true

		case indexScanTx:
			if s.next == nil {
				ins, ok := s.r.InsertTable(s.tableId)
				if !ok {
					s.stage = indexScanDone
					continue
				}
				idx, ok := ins.GetIndex(s.indexId)
				if !ok {
					s.stage = indexScanDone
					continue
				}
				s.next = ins.ResolveIndexIter(s.r.TxBlobs(), idx.Range(s.lo, s.hi, s.loInc, s.hiInc))
			}
			ref, ok := s.next()
			if !ok {
				s.stage = indexScanDone
				continue
			}
			return ref, true

		default:
			return table.RowRef{}, false
		}
	}
}
