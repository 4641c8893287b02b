package datastore

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nova-db/stdb/blobstore"
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
)

const schemaCacheSize = 256

// CommittedState is the durable, globally visible database state: every
// table (including the six system catalog tables), their indexes and
// pages, and the shared blob store. Datastore.Commit merges a transaction's
// row changes into it; a live WriteTx's CreateTable and DropTable, and the
// sequence counters advanced by its inserts, update it directly. All of
// these happen only while the write lock is held.
type CommittedState struct {
	mu sync.RWMutex

	tables map[rowptr.TableId]*table.Table
	// staged holds tables a live write transaction has called DropTable on:
	// hidden from GetTable/SchemaForTable, but still retrievable so Rollback
	// can restore them without having kept a second reference around.
	staged map[rowptr.TableId]*table.Table
	blobs  *blobstore.Store

	nextTableId    rowptr.TableId
	nextIndexId    rowptr.IndexId
	nextSequenceId rowptr.SequenceId

	schemaCache *lru.Cache[rowptr.TableId, table.Schema]
	// schemaLoads collapses concurrent cache-miss reloads of the same
	// TableId into one underlying lookup, since any number of ReadTx may
	// call SchemaForTable concurrently.
	schemaLoads singleflight.Group

	// sequences holds the live next-value counter for every auto_inc column
	// of every table, keyed by TableId then ColId. Reconstructed on open by
	// replay bumping each counter past every value it ever saw committed,
	// rather than journaled directly; see DESIGN.md's Open Question entry
	// on this, mirroring spec section 9's identical treatment of blob
	// refcounts.
	sequences map[rowptr.TableId]map[rowptr.ColId]*uint64

	blobThreshold     int
	directIndexMaxKey uint64
	log               *zap.SugaredLogger
}

func newCommittedState(blobThreshold int, directIndexMaxKey uint64, log *zap.SugaredLogger) *CommittedState {
	cache, _ := lru.New[rowptr.TableId, table.Schema](schemaCacheSize)
	cs := &CommittedState{
		tables:            make(map[rowptr.TableId]*table.Table),
		staged:            make(map[rowptr.TableId]*table.Table),
		blobs:             blobstore.New(),
		nextTableId:       firstUserTableId,
		nextIndexId:       2000,
		nextSequenceId:    3000,
		schemaCache:       cache,
		sequences:         make(map[rowptr.TableId]map[rowptr.ColId]*uint64),
		blobThreshold:     blobThreshold,
		directIndexMaxKey: directIndexMaxKey,
		log:               log,
	}
	for _, schema := range catalogSchemas() {
		t, err := table.New(schema, rowptr.CommittedState, blobThreshold, directIndexMaxKey)
		if err != nil {
			panic(errors.Wrap(err, "datastore: bootstrap catalog"))
		}
		cs.tables[schema.Id] = t
		cs.schemaCache.Add(schema.Id, schema)
	}
	return cs
}

// newCommittedTable builds a Table stamped as committed state, used both
// by Datastore.CreateTable and by log replay.
func (cs *CommittedState) newCommittedTable(schema table.Schema) (*table.Table, error) {
	return table.New(schema, rowptr.CommittedState, cs.blobThreshold, cs.directIndexMaxKey)
}

// GetTable returns the committed table for id, if any.
func (cs *CommittedState) GetTable(id rowptr.TableId) (*table.Table, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	t, ok := cs.tables[id]
	return t, ok
}

// Blobs returns the committed, shared blob store.
func (cs *CommittedState) Blobs() *blobstore.Store { return cs.blobs }

// SchemaForTable returns a table's schema. On a cache miss it takes the
// schema from the in-memory committed Table registered under id; it does
// not read the st_table, st_column or st_index rows. A small LRU cache and
// a singleflight group sit in front of that lookup.
func (cs *CommittedState) SchemaForTable(id rowptr.TableId) (table.Schema, bool) {
	if s, ok := cs.schemaCache.Get(id); ok {
		return s, true
	}
	key := strconv.FormatUint(uint64(id), 10)
	v, err, _ := cs.schemaLoads.Do(key, func() (any, error) {
		cs.mu.RLock()
		t, ok := cs.tables[id]
		cs.mu.RUnlock()
		if !ok {
			return table.Schema{}, errSchemaMiss
		}
		s := t.Schema()
		cs.schemaCache.Add(id, s)
		return s, nil
	})
	if err != nil {
		return table.Schema{}, false
	}
	return v.(table.Schema), true
}

var errSchemaMiss = errors.New("datastore: no schema for table")

// registerTable installs a freshly-created table into committed state and
// invalidates any stale schema cache entry for its id.
func (cs *CommittedState) registerTable(t *table.Table) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.tables[t.Schema().Id] = t
	cs.schemaCache.Add(t.Schema().Id, t.Schema())
}

func (cs *CommittedState) dropTable(id rowptr.TableId) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.tables, id)
	delete(cs.staged, id)
	cs.schemaCache.Remove(id)
}

// stageDrop hides id from lookups without discarding its Table, so a
// later Rollback can restore it via unstageDrop.
func (cs *CommittedState) stageDrop(id rowptr.TableId, t *table.Table) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.tables, id)
	cs.staged[id] = t
	cs.schemaCache.Remove(id)
}

// GetStaged returns a table a live transaction has staged for drop, so
// Commit can still recover its schema to clean up catalog rows.
func (cs *CommittedState) GetStaged(id rowptr.TableId) (*table.Table, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	t, ok := cs.staged[id]
	return t, ok
}

func (cs *CommittedState) unstageDrop(id rowptr.TableId) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	t, ok := cs.staged[id]
	if !ok {
		return
	}
	delete(cs.staged, id)
	cs.tables[id] = t
	cs.schemaCache.Add(id, t.Schema())
}

func (cs *CommittedState) allocTableId() rowptr.TableId {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	id := cs.nextTableId
	cs.nextTableId++
	return id
}

func (cs *CommittedState) allocIndexId() rowptr.IndexId {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	id := cs.nextIndexId
	cs.nextIndexId++
	return id
}

func (cs *CommittedState) allocSequenceId() rowptr.SequenceId {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	id := cs.nextSequenceId
	cs.nextSequenceId++
	return id
}

// bumpSequenceWatermark ensures later allocSequenceId calls never hand out
// an id that collides with one already assigned to schema, e.g. on WAL
// replay of a create_table record.
func (cs *CommittedState) bumpSequenceWatermark(schema table.Schema) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, seq := range schema.Sequences {
		if seq.Id >= cs.nextSequenceId {
			cs.nextSequenceId = seq.Id + 1
		}
	}
}

// counterFor returns the live next-value counter for col of table id,
// creating it at 1 the first time the column is touched.
func (cs *CommittedState) counterFor(id rowptr.TableId, col rowptr.ColId) *uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cols, ok := cs.sequences[id]
	if !ok {
		cols = make(map[rowptr.ColId]*uint64)
		cs.sequences[id] = cols
	}
	c, ok := cols[col]
	if !ok {
		v := uint64(1)
		c = &v
		cols[col] = c
	}
	return c
}

// allocateSequences substitutes the next sequence value into every column
// schema.Sequences names that was left at its zero value, and bumps the
// corresponding counter past any explicit non-zero value supplied instead,
// per spec section 3.4's auto_inc columns. It never mutates value's
// backing Product array in place, since callers may hold other references
// to it (e.g. a retried Insert).
func (cs *CommittedState) allocateSequences(id rowptr.TableId, schema table.Schema, value layout.Value) layout.Value {
	if len(schema.Sequences) == 0 {
		return value
	}
	out := value
	out.Product = append([]layout.Value(nil), value.Product...)
	for _, seq := range schema.Sequences {
		counter := cs.counterFor(id, seq.ColId)
		cs.mu.Lock()
		cur := *counter
		if out.Product[seq.ColId].Uint == 0 {
			out.Product[seq.ColId] = layout.U(cur)
			*counter = cur + 1
		} else if out.Product[seq.ColId].Uint >= cur {
			*counter = out.Product[seq.ColId].Uint + 1
		}
		cs.mu.Unlock()
	}
	return out
}

// writeCatalogRows inserts the descriptive rows for a newly created table
// into st_table/st_column/st_index, describing the same schema the
// in-memory Table was built from.
func (cs *CommittedState) writeCatalogRows(schema table.Schema) error {
	stTable, _ := cs.GetTable(StTableId)
	if _, err := stTable.Insert(cs.blobs, layout.P(
		layout.U(uint64(schema.Id)), layout.S(schema.Name), layout.U(0),
	)); err != nil {
		return errors.Wrap(err, "datastore: write st_table row")
	}

	stColumn, _ := cs.GetTable(StColumnId)
	for _, col := range schema.Columns {
		if _, err := stColumn.Insert(cs.blobs, layout.P(
			layout.U(uint64(schema.Id)), layout.U(uint64(col.Id)), layout.S(col.Name), layout.U(uint64(col.Type.Kind)),
		)); err != nil {
			return errors.Wrap(err, "datastore: write st_column row")
		}
	}

	if err := cs.writeCatalogIndexRows(schema); err != nil {
		return err
	}
	if err := cs.writeCatalogSequenceRows(schema); err != nil {
		return err
	}
	return nil
}

func (cs *CommittedState) writeCatalogSequenceRows(schema table.Schema) error {
	stSequence, _ := cs.GetTable(StSequenceId)
	for _, seq := range schema.Sequences {
		if _, err := stSequence.Insert(cs.blobs, layout.P(
			layout.U(uint64(seq.Id)), layout.U(uint64(schema.Id)), layout.U(uint64(seq.ColId)), layout.U(1),
		)); err != nil {
			return errors.Wrap(err, "datastore: write st_sequence row")
		}
	}
	return nil
}

func (cs *CommittedState) writeCatalogIndexRows(schema table.Schema) error {
	stIndex, _ := cs.GetTable(StIndexId)
	for _, idx := range schema.Indexes {
		colsBytes := make([]byte, len(idx.Cols))
		for i, c := range idx.Cols {
			colsBytes[i] = byte(c)
		}
		if _, err := stIndex.Insert(cs.blobs, layout.P(
			layout.U(uint64(idx.Id)), layout.U(uint64(schema.Id)), layout.S(idx.Name), layout.U(uint64(idx.Kind)), layout.Bs(colsBytes),
		)); err != nil {
			return errors.Wrap(err, "datastore: write st_index row")
		}
	}
	return nil
}

// removeCatalogRows deletes every descriptive row a dropped table's schema
// wrote into st_table/st_column/st_index, keeping the catalog consistent
// with the live table set.
func (cs *CommittedState) removeCatalogRows(schema table.Schema) error {
	stTable, _ := cs.GetTable(StTableId)
	deleteRowsWhere(stTable, cs.blobs, func(v layout.Value) bool {
		return v.Product[0].Uint == uint64(schema.Id)
	})

	stColumn, _ := cs.GetTable(StColumnId)
	deleteRowsWhere(stColumn, cs.blobs, func(v layout.Value) bool {
		return v.Product[0].Uint == uint64(schema.Id)
	})

	stIndex, _ := cs.GetTable(StIndexId)
	deleteRowsWhere(stIndex, cs.blobs, func(v layout.Value) bool {
		return v.Product[1].Uint == uint64(schema.Id)
	})

	stSequence, _ := cs.GetTable(StSequenceId)
	deleteRowsWhere(stSequence, cs.blobs, func(v layout.Value) bool {
		return v.Product[1].Uint == uint64(schema.Id)
	})

	cs.mu.Lock()
	delete(cs.sequences, schema.Id)
	cs.mu.Unlock()
	return nil
}

// deleteRowsWhere removes every live row of t for which pred reports true.
// Matches are collected before deleting since Table's scan iterator walks
// live pages directly and isn't safe to mutate mid-iteration.
func deleteRowsWhere(t *table.Table, blobs *blobstore.Store, pred func(layout.Value) bool) {
	if t == nil {
		return
	}
	var matches []rowptr.RowPointer
	it := t.ScanRows(blobs)
	for {
		ref, ok := it.Next()
		if !ok {
			break
		}
		v, err := ref.Decode()
		if err != nil {
			continue
		}
		if pred(v) {
			matches = append(matches, ref.Pointer())
		}
	}
	for _, ptr := range matches {
		t.Delete(blobs, ptr)
	}
}
