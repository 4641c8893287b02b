package query

import (
	"github.com/nova-db/stdb/datastore"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
	"github.com/nova-db/stdb/tableindex"
)

// KeyFunc projects a probe-side row into the key space of the target
// index it will be looked up against.
type KeyFunc func(row table.RowRef) (tableindex.Key, error)

// IndexSemiJoin yields each probe row that has at least one matching row
// in the target table's index, per spec section 4.8. It never yields a
// probe row more than once, regardless of how many target rows match.
type IndexSemiJoin struct {
	probe         RowIter
	r             datastore.Reader
	targetTable   rowptr.TableId
	targetIndex   rowptr.IndexId
	keyOf         KeyFunc
}

// NewIndexSemiJoin builds a semi-join: probe drives the outer scan, and for
// each probe row keyOf derives a seek key against targetIndex on
// targetTable.
func NewIndexSemiJoin(probe RowIter, r datastore.Reader, targetTable rowptr.TableId, targetIndex rowptr.IndexId, keyOf KeyFunc) *IndexSemiJoin {
	return &IndexSemiJoin{probe: probe, r: r, targetTable: targetTable, targetIndex: targetIndex, keyOf: keyOf}
}

// Next returns the next probe row with a match, or ok=false when the probe
// side is exhausted.
func (j *IndexSemiJoin) Next() (table.RowRef, bool) {
	for {
		ref, ok := j.probe.Next()
		if !ok {
			return table.RowRef{}, false
		}
		key, err := j.keyOf(ref)
		if err != nil {
			continue
		}
		scan := NewIndexPointScan(j.r, j.targetTable, j.targetIndex, key)
		if _, found := scan.Next(); found {
			return ref, true
		}
	}
}

// JoinedRow pairs a probe-side row with one matching target-side row.
type JoinedRow struct {
	Probe  table.RowRef
	Target table.RowRef
}

// IndexJoin yields one JoinedRow per (probe row, matching target row)
// pair, per spec section 4.8. Ties break by target-index order within a
// probe row, then by probe scan order across probe rows.
type IndexJoin struct {
	probe       RowIter
	r           datastore.Reader
	targetTable rowptr.TableId
	targetIndex rowptr.IndexId
	keyOf       KeyFunc

	curProbe  table.RowRef
	curTarget RowIter
}

// NewIndexJoin builds a join with the same shape as NewIndexSemiJoin.
func NewIndexJoin(probe RowIter, r datastore.Reader, targetTable rowptr.TableId, targetIndex rowptr.IndexId, keyOf KeyFunc) *IndexJoin {
	return &IndexJoin{probe: probe, r: r, targetTable: targetTable, targetIndex: targetIndex, keyOf: keyOf}
}

// Next returns the next joined pair, or ok=false once every probe row's
// matches have been exhausted.
func (j *IndexJoin) Next() (JoinedRow, bool) {
	for {
		if j.curTarget != nil {
			if tref, ok := j.curTarget.Next(); ok {
				return JoinedRow{Probe: j.curProbe, Target: tref}, true
			}
			j.curTarget = nil
		}
		ref, ok := j.probe.Next()
		if !ok {
			return JoinedRow{}, false
		}
		key, err := j.keyOf(ref)
		if err != nil {
			continue
		}
		j.curProbe = ref
		j.curTarget = NewIndexPointScan(j.r, j.targetTable, j.targetIndex, key)
	}
}
