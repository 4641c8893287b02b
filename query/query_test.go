package query

import (
	"context"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-db/stdb/datastore"
	"github.com/nova-db/stdb/engcfg"
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
	"github.com/nova-db/stdb/tableindex"
)

func openTestDatastore(t *testing.T) *datastore.Datastore {
	t.Helper()
	fs := afero.NewMemMapFs()
	ds, err := datastore.Open(fs, "/db", engcfg.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func createPersonTable(t *testing.T, ds *datastore.Datastore) rowptr.TableId {
	t.Helper()
	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	id, err := tx.CreateTable("person", []table.ColumnDef{
		{Id: 0, Name: "id", Type: layout.Primitive(layout.KindU32)},
		{Id: 1, Name: "name", Type: layout.Primitive(layout.KindString)},
		{Id: 2, Name: "age", Type: layout.Primitive(layout.KindU8)},
	}, []table.IndexDef{
		{Name: "pk_id", Cols: []rowptr.ColId{0}, Kind: table.IndexUniqueDirect},
		{Name: "ix_age", Cols: []rowptr.ColId{2}, Kind: table.IndexRangedBTree},
	})
	require.NoError(t, err)
	_, err = ds.Commit(tx)
	require.NoError(t, err)
	return id
}

func schemaIndexId(t *testing.T, ds *datastore.Datastore, tableId rowptr.TableId, name string) rowptr.IndexId {
	t.Helper()
	schema, ok := ds.BeginRead().SchemaForTable(tableId)
	require.True(t, ok)
	for _, idx := range schema.Indexes {
		if idx.Name == name {
			return idx.Id
		}
	}
	t.Fatalf("no index named %q", name)
	return 0
}

func person(id uint64, name string, age uint64) layout.Value {
	return layout.P(layout.U(id), layout.S(name), layout.U(age))
}

func TestIterYieldsCommittedThenTxInserts(t *testing.T) {
	ds := openTestDatastore(t)
	tableId := createPersonTable(t, ds)

	seed, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = seed.Insert(tableId, person(1, "Ada", 30))
	require.NoError(t, err)
	_, err = ds.Commit(seed)
	require.NoError(t, err)

	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(2, "Bob", 25))
	require.NoError(t, err)

	it := NewIter(tx, tableId)
	var names []string
	for {
		ref, ok := it.Next()
		if !ok {
			break
		}
		v, err := ref.Decode()
		require.NoError(t, err)
		names = append(names, v.Product[1].Str)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"Ada", "Bob"}, names)
}

func TestIterSkipsTxDeletedCommittedRows(t *testing.T) {
	ds := openTestDatastore(t)
	tableId := createPersonTable(t, ds)

	seed, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = seed.Insert(tableId, person(1, "Ada", 30))
	require.NoError(t, err)
	_, err = seed.Insert(tableId, person(2, "Bob", 25))
	require.NoError(t, err)
	_, err = ds.Commit(seed)
	require.NoError(t, err)

	// Commit moves the rows into committed pages; the pointers Insert
	// returned name seed's insert table, so find Ada's committed pointer.
	read := ds.BeginRead()
	committed, ok := read.CommittedTable(tableId)
	require.True(t, ok)
	var ptr rowptr.RowPointer
	found := false
	scan := committed.ScanRows(read.CommittedBlobs())
	for {
		ref, ok := scan.Next()
		if !ok {
			break
		}
		v, err := ref.Decode()
		require.NoError(t, err)
		if v.Product[1].Str == "Ada" {
			ptr, found = ref.Pointer(), true
		}
	}
	require.True(t, found)

	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	require.True(t, tx.Delete(tableId, ptr))

	it := NewIter(tx, tableId)
	var names []string
	for {
		ref, ok := it.Next()
		if !ok {
			break
		}
		v, err := ref.Decode()
		require.NoError(t, err)
		names = append(names, v.Product[1].Str)
	}
	assert.Equal(t, []string{"Bob"}, names)
}

func TestIndexScanPointLookupAcrossCommittedAndTx(t *testing.T) {
	ds := openTestDatastore(t)
	tableId := createPersonTable(t, ds)
	ageIdx := schemaIndexId(t, ds, tableId, "ix_age")

	seed, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = seed.Insert(tableId, person(1, "Ada", 30))
	require.NoError(t, err)
	_, err = ds.Commit(seed)
	require.NoError(t, err)

	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(2, "Bob", 30))
	require.NoError(t, err)

	key := make(tableindex.Key, 1)
	key[0] = 30
	scan := NewIndexPointScan(tx, tableId, ageIdx, key)
	var names []string
	for {
		ref, ok := scan.Next()
		if !ok {
			break
		}
		v, err := ref.Decode()
		require.NoError(t, err)
		names = append(names, v.Product[1].Str)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"Ada", "Bob"}, names)
}

func TestIndexScanRangeOrdersAscendingByKey(t *testing.T) {
	ds := openTestDatastore(t)
	tableId := createPersonTable(t, ds)
	ageIdx := schemaIndexId(t, ds, tableId, "ix_age")

	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(1, "Ada", 40))
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(2, "Bob", 20))
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(3, "Cid", 35))
	require.NoError(t, err)
	_, err = ds.Commit(tx)
	require.NoError(t, err)

	read := ds.BeginRead()
	loKey := tableindex.Key{30}
	hiKey := tableindex.Key{255}
	scan := NewIndexRangeScan(read, tableId, ageIdx, loKey, hiKey, true, true)
	var ages []uint64
	for {
		ref, ok := scan.Next()
		if !ok {
			break
		}
		v, err := ref.Decode()
		require.NoError(t, err)
		ages = append(ages, v.Product[2].Uint)
	}
	assert.Equal(t, []uint64{35, 40}, ages, "range scan must yield ages >= 30 in ascending order")
}

func TestIndexSemiJoinYieldsEachProbeRowOnceOnMatch(t *testing.T) {
	ds := openTestDatastore(t)
	tableId := createPersonTable(t, ds)
	ageIdx := schemaIndexId(t, ds, tableId, "ix_age")

	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(1, "Ada", 30))
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(2, "Bob", 30))
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(3, "Cid", 99))
	require.NoError(t, err)
	_, err = ds.Commit(tx)
	require.NoError(t, err)

	read := ds.BeginRead()
	probe := NewIter(read, tableId)
	keyOf := func(row table.RowRef) (tableindex.Key, error) {
		v, err := row.Decode()
		if err != nil {
			return nil, err
		}
		return tableindex.Key{byte(v.Product[2].Uint)}, nil
	}
	join := NewIndexSemiJoin(probe, read, tableId, ageIdx, keyOf)

	var matched int
	for {
		_, ok := join.Next()
		if !ok {
			break
		}
		matched++
	}
	assert.Equal(t, 3, matched, "every row matches its own age bucket in the same index")
}

func TestIndexJoinMaterializesPairs(t *testing.T) {
	ds := openTestDatastore(t)
	tableId := createPersonTable(t, ds)
	ageIdx := schemaIndexId(t, ds, tableId, "ix_age")

	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(1, "Ada", 30))
	require.NoError(t, err)
	_, err = tx.Insert(tableId, person(2, "Bob", 30))
	require.NoError(t, err)
	_, err = ds.Commit(tx)
	require.NoError(t, err)

	read := ds.BeginRead()
	probe := NewIter(read, tableId)
	keyOf := func(row table.RowRef) (tableindex.Key, error) {
		v, err := row.Decode()
		if err != nil {
			return nil, err
		}
		return tableindex.Key{byte(v.Product[2].Uint)}, nil
	}
	join := NewIndexJoin(probe, read, tableId, ageIdx, keyOf)

	var pairs int
	for {
		_, ok := join.Next()
		if !ok {
			break
		}
		pairs++
	}
	// Both rows share age 30, so each probe row joins against both target
	// rows (including itself): 2 probe rows x 2 target matches = 4 pairs.
	assert.Equal(t, 4, pairs)
}

func TestRunDeltaPlanComputesInsertAndDeleteDeltas(t *testing.T) {
	ds := openTestDatastore(t)

	// R: orders(order_id, customer_id); S: customers(customer_id, name).
	rTx, err := ds.BeginWrite()
	require.NoError(t, err)
	rTableId, err := rTx.CreateTable("orders", []table.ColumnDef{
		{Id: 0, Name: "order_id", Type: layout.Primitive(layout.KindU32)},
		{Id: 1, Name: "customer_id", Type: layout.Primitive(layout.KindU32)},
	}, []table.IndexDef{
		{Name: "pk_order", Cols: []rowptr.ColId{0}, Kind: table.IndexUniqueDirect},
		{Name: "ix_customer", Cols: []rowptr.ColId{1}, Kind: table.IndexRangedBTree},
	})
	require.NoError(t, err)
	sTableId, err := rTx.CreateTable("customers", []table.ColumnDef{
		{Id: 0, Name: "customer_id", Type: layout.Primitive(layout.KindU32)},
		{Id: 1, Name: "name", Type: layout.Primitive(layout.KindString)},
	}, []table.IndexDef{
		{Name: "pk_customer", Cols: []rowptr.ColId{0}, Kind: table.IndexUniqueDirect},
	})
	require.NoError(t, err)
	_, err = ds.Commit(rTx)
	require.NoError(t, err)

	rIndexId := schemaIndexId(t, ds, rTableId, "ix_customer")
	sIndexId := schemaIndexId(t, ds, sTableId, "pk_customer")

	seed, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = seed.Insert(sTableId, layout.P(layout.U(1), layout.S("Acme")))
	require.NoError(t, err)
	_, err = ds.Commit(seed)
	require.NoError(t, err)

	// One transaction inserts a new order for the existing customer.
	newOrder := layout.P(layout.U(42), layout.U(1))
	tx, err := ds.BeginWrite()
	require.NoError(t, err)
	_, err = tx.Insert(rTableId, newOrder)
	require.NoError(t, err)
	_, err = ds.Commit(tx)
	require.NoError(t, err)

	// pk_customer is a UniqueDirect index, which stores keys as the 8-byte
	// big-endian dense encoding table.directKey produces, not the
	// variable-width ordered encoding a BTree index would use.
	denseKey := func(u uint64) tableindex.Key {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, u)
		return tableindex.Key(buf)
	}
	keyOfCustomer := func(v layout.Value) (tableindex.Key, error) {
		return denseKey(v.Product[1].Uint), nil
	}
	sKeyOf := func(v layout.Value) (tableindex.Key, error) {
		return denseKey(v.Product[0].Uint), nil
	}

	read := ds.BeginRead()
	result, err := RunDeltaPlan(context.Background(), read, DeltaPlanInputs{
		R: rTableId, S: sTableId,
		RIndexId: rIndexId, SIndexId: sIndexId,
		RKeyOf: keyOfCustomer, SKeyOf: sKeyOf,
		DR: TableDelta{Plus: []layout.Value{newOrder}},
		DS: TableDelta{},
	})
	require.NoError(t, err)
	require.Len(t, result.Insert, 1)
	assert.Equal(t, newOrder, result.Insert[0].R)
	assert.Equal(t, "Acme", result.Insert[0].S.Product[1].Str)
	assert.Empty(t, result.Delete)
}

func TestRunDeltaPlanSkipsSubPlansWithEmptyDeltas(t *testing.T) {
	ds := openTestDatastore(t)
	tableId := createPersonTable(t, ds)
	ageIdx := schemaIndexId(t, ds, tableId, "ix_age")

	read := ds.BeginRead()
	result, err := RunDeltaPlan(context.Background(), read, DeltaPlanInputs{
		R: tableId, S: tableId,
		RIndexId: ageIdx, SIndexId: ageIdx,
		RKeyOf: func(v layout.Value) (tableindex.Key, error) { return tableindex.Key{byte(v.Product[2].Uint)}, nil },
		SKeyOf: func(v layout.Value) (tableindex.Key, error) { return tableindex.Key{byte(v.Product[2].Uint)}, nil },
	})
	require.NoError(t, err)
	assert.Empty(t, result.Insert)
	assert.Empty(t, result.Delete)
}
