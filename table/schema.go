// Package table implements the Table aggregate: a schema, an append-only
// vector of pages, the indexes defined over it, and the pointer map used
// for row-equality duplicate detection. It composes page, layout,
// tableindex and blobstore into the single unit the datastore package
// operates on per table.
package table

import (
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
)

// IndexKind selects which tableindex variant backs an IndexDef.
type IndexKind uint8

const (
	// IndexUniqueDirect backs a small dense unsigned-integer or sum-tag
	// unique key with a two-level array.
	IndexUniqueDirect IndexKind = iota
	// IndexUniqueBTree backs any other unique key with an ordered map.
	IndexUniqueBTree
	// IndexRangedBTree backs a non-unique key with an ordered multimap.
	IndexRangedBTree
)

// IndexDef describes one index over a table: which columns it covers, in
// which order, and which concrete representation backs it.
type IndexDef struct {
	Id   rowptr.IndexId
	Name string
	Cols []rowptr.ColId
	Kind IndexKind
}

// Unique reports whether an index's kind enforces key uniqueness.
func (d IndexDef) Unique() bool { return d.Kind == IndexUniqueDirect || d.Kind == IndexUniqueBTree }

// ColumnDef names one column of a table's row type and its position in the
// row's top-level product. AutoInc marks a column whose value, when left
// zero on Insert, is filled in from the table's sequence for that column
// instead (spec section 3.4's "auto_inc" columns, e.g. S1's person.id).
type ColumnDef struct {
	Id      rowptr.ColId
	Name    string
	Type    layout.AlgebraicType
	AutoInc bool
}

// SequenceDef binds a generated SequenceId to the column it drives. The
// live next-value counter itself is not part of Schema: it is datastore
// state (CommittedState.sequences), since it must be shared between a
// committed table and any tx-local insert table built against the same
// schema, and it must survive across transactions and reopen. Schedule
// bindings are tracked purely by the datastore's system catalog, not here,
// since they're a property of how a table is used rather than of its row
// layout.
type SequenceDef struct {
	Id    rowptr.SequenceId
	ColId rowptr.ColId
}

// Schema is the immutable description of one table: its row type (recovered
// as a product of ColumnDefs), the indexes defined over it, and any
// sequences backing its auto_inc columns.
type Schema struct {
	Id        rowptr.TableId
	Name      string
	Columns   []ColumnDef
	Indexes   []IndexDef
	Sequences []SequenceDef
}

// RowType assembles the schema's columns into the product AlgebraicType
// that layout.Compute expects.
func (s Schema) RowType() layout.AlgebraicType {
	fields := make([]layout.NamedType, len(s.Columns))
	for i, c := range s.Columns {
		fields[i] = layout.NamedType{Name: c.Name, Type: c.Type}
	}
	return layout.Product(fields...)
}

// IndexByCols returns the first index definition covering exactly cols, in
// order, if one exists.
func (s Schema) IndexByCols(cols []rowptr.ColId) (IndexDef, bool) {
	for _, idx := range s.Indexes {
		if colsEqual(idx.Cols, cols) {
			return idx, true
		}
	}
	return IndexDef{}, false
}

func colsEqual(a, b []rowptr.ColId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
