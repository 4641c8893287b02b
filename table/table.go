package table

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"

	"github.com/nova-db/stdb/blobstore"
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/page"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/tableindex"
)

// ErrUniqueConstraintViolation is returned by Insert when a unique index's
// projected key already names a row.
type ErrUniqueConstraintViolation struct {
	IndexId  rowptr.IndexId
	Existing rowptr.RowPointer
}

func (e *ErrUniqueConstraintViolation) Error() string {
	return fmt.Sprintf("table: unique constraint violation on index %d", e.IndexId)
}

// ErrDuplicateRow is returned by Insert when an identical row (same hash
// and bitwise-equal decoded value) already exists in the table.
type ErrDuplicateRow struct {
	Existing rowptr.RowPointer
}

func (e *ErrDuplicateRow) Error() string { return "table: duplicate row" }

// Table aggregates a schema, its pages, its indexes and its pointer map.
// Squashed reports whether this Table backs committed state or a single
// transaction's insert overlay; it is stamped into every RowPointer this
// table hands out.
type Table struct {
	schema    Schema
	rowLayout layout.RowLayout
	squashed  rowptr.SquashedOffset

	pages []*page.Page

	indexes map[rowptr.IndexId]tableindex.Index

	// pointerMap maps a row's content hash to every pointer whose decoded
	// value currently hashes there, used for O(1)-average DuplicateRow
	// detection.
	pointerMap map[uint64][]rowptr.RowPointer

	blobThreshold int
}

// New builds an empty Table for schema, backed by pages stamped with
// squashed, spilling variable-length fields at or above blobThreshold bytes
// into the blob store. directIndexMaxKey bounds any IndexUniqueDirect index
// this schema defines, governing when it despecializes into a B-tree index
// (engcfg.Config.DirectIndexMaxKey in the engine proper; 0 falls back to
// tableindex's own default).
func New(schema Schema, squashed rowptr.SquashedOffset, blobThreshold int, directIndexMaxKey uint64) (*Table, error) {
	rl, err := layout.Compute(schema.RowType())
	if err != nil {
		return nil, errors.Wrap(err, "table: compute layout")
	}
	t := &Table{
		schema:        schema,
		rowLayout:     rl,
		squashed:      squashed,
		indexes:       make(map[rowptr.IndexId]tableindex.Index),
		pointerMap:    make(map[uint64][]rowptr.RowPointer),
		blobThreshold: blobThreshold,
	}
	for _, def := range schema.Indexes {
		t.indexes[def.Id] = newIndex(def.Kind, directIndexMaxKey)
	}
	return t, nil
}

func newIndex(kind IndexKind, directIndexMaxKey uint64) tableindex.Index {
	switch kind {
	case IndexUniqueDirect:
		return tableindex.NewUniqueDirectIndex(directIndexMaxKey)
	case IndexRangedBTree:
		return tableindex.NewRangedBTreeIndex()
	default:
		return tableindex.NewUniqueBTreeIndex()
	}
}

// Schema returns the table's immutable schema.
func (t *Table) Schema() Schema { return t.schema }

// RowLayout returns the computed BFLATN layout of the table's row type.
func (t *Table) RowLayout() layout.RowLayout { return t.rowLayout }

// Squashed reports which state (committed or tx) this table's pointers
// are stamped with.
func (t *Table) Squashed() rowptr.SquashedOffset { return t.squashed }

// Len reports the number of live rows, counted via the pointer map.
func (t *Table) Len() int {
	n := 0
	for _, ptrs := range t.pointerMap {
		n += len(ptrs)
	}
	return n
}

// GetIndex returns the index backing id, if one is defined.
func (t *Table) GetIndex(id rowptr.IndexId) (tableindex.Index, bool) {
	idx, ok := t.indexes[id]
	return idx, ok
}

func (t *Table) key(idx IndexDef, v layout.Value) (tableindex.Key, error) {
	if idx.Kind == IndexUniqueDirect {
		return directKey(t.rowLayout, v, idx.Cols)
	}
	return projectKey(t.rowLayout, v, idx.Cols)
}

// Insert allocates a fixed slot (and any VLO granules/blobs) for value,
// enforces every unique index and the pointer map's duplicate-row check,
// then threads the new RowPointer through every index. No partial state
// is left behind on any failure path.
func (t *Table) Insert(blobs *blobstore.Store, value layout.Value) (rowptr.RowPointer, error) {
	// 1 & 2. Unique index and duplicate-row pre-checks.
	if err := t.CheckInsertConflict(blobs, value, nil); err != nil {
		return 0, err
	}

	// 3. Allocate and write. allocFixed finds a page with room for one more
	// slot; that slot is handed back at once so that WriteRow's own
	// allocation takes it and writes the row there.
	pi, off, err := t.allocFixed()
	if err != nil {
		return 0, err
	}
	t.pages[pi].FreeFixed(off)
	off, err = layout.WriteRow(t.pages[pi], blobs, t.rowLayout, value, t.blobThreshold)
	if err != nil {
		return 0, errors.Wrap(err, "table: write row")
	}
	ptr := rowptr.New(false, rowptr.PageIndex(pi), off, t.squashed)

	// 4. Insert into every index, unwinding on the first failure.
	var inserted []rowptr.IndexId
	for _, def := range t.schema.Indexes {
		k, err := t.key(def, value)
		if err != nil {
			t.unwindIndexes(inserted, t.rowLayout, value, ptr)
			_ = layout.FreeRow(t.pages[pi], blobs, t.rowLayout, off)
			return 0, err
		}
		if err := t.indexes[def.Id].Insert(k, ptr); err != nil {
			if _, ok := err.(*tableindex.DespecializeError); ok {
				di := t.indexes[def.Id].(*tableindex.UniqueDirectIndex)
				bt := di.IntoBTree()
				if ierr := bt.Insert(k, ptr); ierr != nil {
					t.unwindIndexes(inserted, t.rowLayout, value, ptr)
					_ = layout.FreeRow(t.pages[pi], blobs, t.rowLayout, off)
					return 0, ierr
				}
				t.indexes[def.Id] = bt
				inserted = append(inserted, def.Id)
				continue
			}
			t.unwindIndexes(inserted, t.rowLayout, value, ptr)
			_ = layout.FreeRow(t.pages[pi], blobs, t.rowLayout, off)
			return 0, err
		}
		inserted = append(inserted, def.Id)
	}

	// 5. Record in the pointer map.
	h := hashValue(t.rowLayout, value)
	t.pointerMap[h] = append(t.pointerMap[h], ptr)
	return ptr, nil
}

// CheckInsertConflict reports whether inserting value would violate a
// unique index or duplicate an existing row, without mutating t. If ignore
// is non-nil, an existing conflicting pointer for which it returns true is
// treated as absent — used by Datastore's commit merge so a transaction's
// own delete of the conflicting row (merged first) doesn't count against
// its reinsert under the same key. Datastore calls this against every row
// of a tx's insert table before applying any deletes or inserts, so a
// conflict discovered partway through a multi-row merge never leaves
// committed state partially mutated.
func (t *Table) CheckInsertConflict(blobs *blobstore.Store, value layout.Value, ignore func(rowptr.RowPointer) bool) error {
	for _, def := range t.schema.Indexes {
		if !def.Unique() {
			continue
		}
		k, err := t.key(def, value)
		if err != nil {
			return err
		}
		if existing, ok := t.indexes[def.Id].Get(k); ok {
			if ignore != nil && ignore(existing) {
				continue
			}
			return &ErrUniqueConstraintViolation{IndexId: def.Id, Existing: existing}
		}
	}

	h := hashValue(t.rowLayout, value)
	for _, ptr := range t.pointerMap[h] {
		if ignore != nil && ignore(ptr) {
			continue
		}
		existing, err := t.rowRefValue(blobs, ptr)
		if err != nil {
			return err
		}
		if reflect.DeepEqual(existing, value) {
			return &ErrDuplicateRow{Existing: ptr}
		}
	}
	return nil
}

func (t *Table) unwindIndexes(ids []rowptr.IndexId, rl layout.RowLayout, value layout.Value, ptr rowptr.RowPointer) {
	for _, id := range ids {
		for _, def := range t.schema.Indexes {
			if def.Id != id {
				continue
			}
			k, err := t.key(def, value)
			if err != nil {
				continue
			}
			if r, ok := t.indexes[id].(*tableindex.RangedBTreeIndex); ok {
				r.DeletePointer(k, ptr)
				continue
			}
			t.indexes[id].Delete(k)
		}
	}
}

func (t *Table) allocFixed() (pageIdx int, off rowptr.PageOffset, err error) {
	for i, p := range t.pages {
		o, _, aerr := p.AllocFixed(t.rowLayout.Size, t.rowLayout.Align)
		if aerr == nil {
			return i, o, nil
		}
		if _, ok := aerr.(*page.ErrInsufficientSpace); !ok {
			return 0, 0, aerr
		}
	}
	p := page.New()
	o, _, aerr := p.AllocFixed(t.rowLayout.Size, t.rowLayout.Align)
	if aerr != nil {
		return 0, 0, aerr
	}
	t.pages = append(t.pages, p)
	return len(t.pages) - 1, o, nil
}

// Delete removes the row at ptr: every index entry, its pointer-map entry,
// and its fixed slot and VLO/blob allocations. Reports whether ptr named a
// live row.
func (t *Table) Delete(blobs *blobstore.Store, ptr rowptr.RowPointer) bool {
	if !t.Contains(ptr) {
		return false
	}
	value, err := t.rowRefValue(blobs, ptr)
	if err != nil {
		return false
	}

	for _, def := range t.schema.Indexes {
		k, err := t.key(def, value)
		if err != nil {
			continue
		}
		if def.Kind == IndexRangedBTree {
			t.indexes[def.Id].(*tableindex.RangedBTreeIndex).DeletePointer(k, ptr)
		} else {
			t.indexes[def.Id].Delete(k)
		}
	}

	h := hashValue(t.rowLayout, value)
	t.pointerMap[h] = removePointer(t.pointerMap[h], ptr)
	if len(t.pointerMap[h]) == 0 {
		delete(t.pointerMap, h)
	}

	p := t.pages[ptr.PageIndex()]
	_ = layout.FreeRow(p, blobs, t.rowLayout, ptr.PageOffset())
	return true
}

func removePointer(ptrs []rowptr.RowPointer, target rowptr.RowPointer) []rowptr.RowPointer {
	out := ptrs[:0]
	for _, p := range ptrs {
		if !p.Equal(target) {
			out = append(out, p)
		}
	}
	return out
}

// Contains reports whether ptr currently names a live row in this table.
func (t *Table) Contains(ptr rowptr.RowPointer) bool {
	pi := int(ptr.PageIndex())
	if pi < 0 || pi >= len(t.pages) {
		return false
	}
	return t.pages[pi].IsPresent(ptr.PageOffset())
}

// RowRef is a lazily-resolved handle bundling the page, blob store and
// layout needed to decode one row.
type RowRef struct {
	table *Table
	blobs *blobstore.Store
	ptr   rowptr.RowPointer
}

// Pointer returns the RowPointer this ref resolves.
func (r RowRef) Pointer() rowptr.RowPointer { return r.ptr }

// Decode reads and returns the row's value.
func (r RowRef) Decode() (layout.Value, error) {
	p := r.table.pages[r.ptr.PageIndex()]
	return layout.ReadRow(p, r.blobs, r.table.rowLayout, r.ptr.PageOffset())
}

// RowRef returns a lazy handle for ptr without decoding it yet.
func (t *Table) RowRef(blobs *blobstore.Store, ptr rowptr.RowPointer) RowRef {
	return RowRef{table: t, blobs: blobs, ptr: ptr}
}

func (t *Table) rowRefValue(blobs *blobstore.Store, ptr rowptr.RowPointer) (layout.Value, error) {
	return t.RowRef(blobs, ptr).Decode()
}

// ScanIter walks every live row of a table's pages in page, then
// within-page offset order.
type ScanIter struct {
	t       *Table
	blobs   *blobstore.Store
	pageIdx int
	inner   *page.PresentIter
}

// ScanRows returns an iterator over every live row in the table.
func (t *Table) ScanRows(blobs *blobstore.Store) *ScanIter {
	it := &ScanIter{t: t, blobs: blobs}
	if len(t.pages) > 0 {
		it.inner = t.pages[0].IterPresentRows()
	}
	return it
}

// Next returns the next live row's RowRef, or ok=false when exhausted.
func (it *ScanIter) Next() (RowRef, bool) {
	for it.inner != nil {
		off, ok := it.inner.Next()
		if ok {
			ptr := rowptr.New(false, rowptr.PageIndex(it.pageIdx), off, it.t.squashed)
			return it.t.RowRef(it.blobs, ptr), true
		}
		it.pageIdx++
		if it.pageIdx >= len(it.t.pages) {
			it.inner = nil
			break
		}
		it.inner = it.t.pages[it.pageIdx].IterPresentRows()
	}
	return RowRef{}, false
}

// ResolveIndexIter adapts a tableindex.Iterator into a stream of RowRefs for a
// given table, used by the query package's IndexScan.
func (t *Table) ResolveIndexIter(blobs *blobstore.Store, it tableindex.Iterator) func() (RowRef, bool) {
	return func() (RowRef, bool) {
		_, ptr, ok := it.Next()
		if !ok {
			return RowRef{}, false
		}
		return t.RowRef(blobs, ptr), true
	}
}

// ProjectKey exposes projectKey/directKey to callers outside this package
// (the query package builds seek keys from literal values the same way
// Insert does).
func (t *Table) ProjectKey(idx IndexDef, v layout.Value) (tableindex.Key, error) {
	return t.key(idx, v)
}
