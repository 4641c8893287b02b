// Package deleteset implements DeleteTable, the per-(transaction, table) set
// of RowPointers a write transaction has logically deleted from committed
// state but not yet merged. Real deletions are strongly spatially clustered
// (a reducer sweeping a table tends to delete adjacent slots), so the set is
// represented as a page-indexed list of ascending (start, end) offset ranges
// rather than a flat hash set.
package deleteset

import (
	"sort"

	"github.com/nova-db/stdb/rowptr"
)

// Range is an inclusive [Start, End] span of deleted fixed-slot offsets
// within one page, stepping by the table's fixed row size.
type Range struct {
	Start, End rowptr.PageOffset
}

// DeleteTable is a set of RowPointers sharing one table and one step size
// (the table's fixed_row_size). It is not safe for concurrent use; a
// transaction's TxState is single-threaded per spec.
type DeleteTable struct {
	step  rowptr.PageOffset
	pages map[rowptr.PageIndex][]Range
	count int
}

// New returns an empty DeleteTable for a table whose fixed slots are step
// bytes apart.
func New(step uint16) *DeleteTable {
	return &DeleteTable{step: rowptr.PageOffset(step), pages: make(map[rowptr.PageIndex][]Range)}
}

// Len reports the number of distinct RowPointers currently recorded.
func (d *DeleteTable) Len() int { return d.count }

// Insert adds ptr to the set, coalescing it into a neighboring range when
// possible. Reports whether ptr was newly inserted (false if already
// present).
func (d *DeleteTable) Insert(ptr rowptr.RowPointer) bool {
	pi := ptr.PageIndex()
	off := ptr.PageOffset()
	ranges := d.pages[pi]

	idx := sort.Search(len(ranges), func(i int) bool { return ranges[i].Start > off })
	if idx > 0 && ranges[idx-1].Start <= off && off <= ranges[idx-1].End {
		return false
	}

	extendRight := idx > 0 && ranges[idx-1].End+d.step == off
	extendLeft := idx < len(ranges) && ranges[idx].Start == off+d.step

	switch {
	case extendRight && extendLeft:
		ranges[idx-1].End = ranges[idx].End
		ranges = append(ranges[:idx], ranges[idx+1:]...)
	case extendRight:
		ranges[idx-1].End = off
	case extendLeft:
		ranges[idx].Start = off
	default:
		ranges = append(ranges, Range{})
		copy(ranges[idx+1:], ranges[idx:])
		ranges[idx] = Range{Start: off, End: off}
	}

	d.pages[pi] = ranges
	d.count++
	return true
}

// Contains reports whether ptr has been recorded as deleted.
func (d *DeleteTable) Contains(ptr rowptr.RowPointer) bool {
	ranges := d.pages[ptr.PageIndex()]
	off := ptr.PageOffset()
	idx := sort.Search(len(ranges), func(i int) bool { return ranges[i].Start > off })
	return idx > 0 && ranges[idx-1].Start <= off && off <= ranges[idx-1].End
}

// Remove undoes a prior Insert of ptr, shrinking, splitting, or dropping the
// range that covered it. Reports whether ptr was present.
func (d *DeleteTable) Remove(ptr rowptr.RowPointer) bool {
	pi := ptr.PageIndex()
	ranges := d.pages[pi]
	off := ptr.PageOffset()

	idx := sort.Search(len(ranges), func(i int) bool { return ranges[i].Start > off })
	if idx == 0 || ranges[idx-1].Start > off || off > ranges[idx-1].End {
		return false
	}
	i := idx - 1
	r := ranges[i]

	switch {
	case r.Start == off && r.End == off:
		ranges = append(ranges[:i], ranges[i+1:]...)
	case r.Start == off:
		ranges[i].Start = off + d.step
	case r.End == off:
		ranges[i].End = off - d.step
	default:
		ranges = append(ranges, Range{})
		copy(ranges[i+2:], ranges[i+1:])
		ranges[i] = Range{Start: r.Start, End: off - d.step}
		ranges[i+1] = Range{Start: off + d.step, End: r.End}
	}

	if len(ranges) == 0 {
		delete(d.pages, pi)
	} else {
		d.pages[pi] = ranges
	}
	d.count--
	return true
}

// Clear empties the set.
func (d *DeleteTable) Clear() {
	d.pages = make(map[rowptr.PageIndex][]Range)
	d.count = 0
}

// Iterator walks every RowPointer recorded in a DeleteTable, in ascending
// (page, offset) order.
type Iterator struct {
	d      *DeleteTable
	pages  []rowptr.PageIndex
	pIdx   int
	rIdx   int
	cur    rowptr.PageOffset
	active bool
}

// Iter returns an iterator over every RowPointer in the set, pages visited
// in ascending PageIndex order.
func (d *DeleteTable) Iter() *Iterator {
	pages := make([]rowptr.PageIndex, 0, len(d.pages))
	for pi := range d.pages {
		pages = append(pages, pi)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return &Iterator{d: d, pages: pages}
}

// Next returns the next deleted RowPointer, or ok=false when exhausted.
func (it *Iterator) Next() (rowptr.RowPointer, bool) {
	for it.pIdx < len(it.pages) {
		pi := it.pages[it.pIdx]
		ranges := it.d.pages[pi]
		if it.rIdx >= len(ranges) {
			it.pIdx++
			it.rIdx = 0
			it.active = false
			continue
		}
		r := ranges[it.rIdx]
		if !it.active {
			it.cur = r.Start
			it.active = true
		}
		if it.cur > r.End {
			it.rIdx++
			it.active = false
			continue
		}
		off := it.cur
		it.cur += it.d.step
		return rowptr.New(false, pi, off, rowptr.CommittedState), true
	}
	return 0, false
}
