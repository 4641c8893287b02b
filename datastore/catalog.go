package datastore

import (
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
)

// Fixed TableIds for the system catalog, stable for the lifetime of a
// datastore. User tables are allocated starting at firstUserTableId.
const (
	StTableId      rowptr.TableId = 1
	StColumnId     rowptr.TableId = 2
	StIndexId      rowptr.TableId = 3
	StConstraintId rowptr.TableId = 4
	StSequenceId   rowptr.TableId = 5
	StScheduledId  rowptr.TableId = 6

	firstUserTableId rowptr.TableId = 100
)

// catalogSchemas returns the bootstrap schemas of the six fixed system
// tables. Their own layout is hardcoded (not derived from catalog rows)
// because deriving a table's schema from rows stored in catalog tables
// whose own schema must itself come from somewhere is circular; every real
// engine bootstraps its catalog the same way.
func catalogSchemas() []table.Schema {
	return []table.Schema{
		{
			Id:   StTableId,
			Name: "st_table",
			Columns: []table.ColumnDef{
				{Id: 0, Name: "table_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 1, Name: "name", Type: layout.Primitive(layout.KindString)},
				{Id: 2, Name: "table_access", Type: layout.Primitive(layout.KindU8)},
			},
			Indexes: []table.IndexDef{
				{Id: 1000, Name: "st_table_id", Cols: []rowptr.ColId{0}, Kind: table.IndexUniqueDirect},
			},
		},
		{
			Id:   StColumnId,
			Name: "st_column",
			Columns: []table.ColumnDef{
				{Id: 0, Name: "table_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 1, Name: "col_id", Type: layout.Primitive(layout.KindU16)},
				{Id: 2, Name: "name", Type: layout.Primitive(layout.KindString)},
				{Id: 3, Name: "type_kind", Type: layout.Primitive(layout.KindU8)},
			},
			Indexes: []table.IndexDef{
				{Id: 1001, Name: "st_column_table", Cols: []rowptr.ColId{0}, Kind: table.IndexRangedBTree},
			},
		},
		{
			Id:   StIndexId,
			Name: "st_index",
			Columns: []table.ColumnDef{
				{Id: 0, Name: "index_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 1, Name: "table_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 2, Name: "name", Type: layout.Primitive(layout.KindString)},
				{Id: 3, Name: "kind", Type: layout.Primitive(layout.KindU8)},
				{Id: 4, Name: "cols", Type: layout.Primitive(layout.KindBytes)},
			},
			Indexes: []table.IndexDef{
				{Id: 1002, Name: "st_index_id", Cols: []rowptr.ColId{0}, Kind: table.IndexUniqueDirect},
				{Id: 1003, Name: "st_index_table", Cols: []rowptr.ColId{1}, Kind: table.IndexRangedBTree},
			},
		},
		{
			Id:   StConstraintId,
			Name: "st_constraint",
			Columns: []table.ColumnDef{
				{Id: 0, Name: "constraint_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 1, Name: "table_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 2, Name: "kind", Type: layout.Primitive(layout.KindU8)},
			},
			Indexes: []table.IndexDef{
				{Id: 1004, Name: "st_constraint_table", Cols: []rowptr.ColId{1}, Kind: table.IndexRangedBTree},
			},
		},
		{
			Id:   StSequenceId,
			Name: "st_sequence",
			Columns: []table.ColumnDef{
				{Id: 0, Name: "sequence_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 1, Name: "table_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 2, Name: "col_id", Type: layout.Primitive(layout.KindU16)},
				{Id: 3, Name: "next_value", Type: layout.Primitive(layout.KindU64)},
			},
			Indexes: []table.IndexDef{
				{Id: 1005, Name: "st_sequence_id", Cols: []rowptr.ColId{0}, Kind: table.IndexUniqueDirect},
			},
		},
		{
			Id:   StScheduledId,
			Name: "st_scheduled",
			Columns: []table.ColumnDef{
				{Id: 0, Name: "table_id", Type: layout.Primitive(layout.KindU32)},
				{Id: 1, Name: "reducer_name", Type: layout.Primitive(layout.KindString)},
			},
			Indexes: []table.IndexDef{
				{Id: 1006, Name: "st_scheduled_table", Cols: []rowptr.ColId{0}, Kind: table.IndexUniqueDirect},
			},
		},
	}
}
