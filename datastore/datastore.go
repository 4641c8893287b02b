// Package datastore assembles CommittedState, TxState and the message log
// into the transactional engine the module host drives: begin_read,
// begin_write, create_table, insert, delete, commit and rollback, per spec
// section 6.1.
package datastore

import (
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/nova-db/stdb/engcfg"
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
	"github.com/nova-db/stdb/walog"
)

// Datastore owns one database's committed state, its message log and, on
// the OS filesystem, the file lock that enforces single-writer access
// across processes. At most one WriteTx may be live at a time, enforced
// in-process by mu and, when fs is the OS filesystem, across processes by
// flock.
type Datastore struct {
	mu sync.Mutex

	committed   *CommittedState
	wal         *walog.Log
	flock       *flock.Flock
	cfg         engcfg.Config
	log         *zap.SugaredLogger
	writeActive bool
}

// CommitResult reports where a committed transaction landed in the message
// log.
type CommitResult struct {
	TxOffset uint64
}

// Open opens (creating if necessary) the datastore rooted at root on fs,
// replays its message log into a fresh CommittedState, and, when fs is an
// *afero.OsFs, takes an exclusive file lock on the root for the lifetime of
// the returned Datastore. Over any other afero.Fs no file lock is taken.
func Open(fs afero.Fs, root string, cfg engcfg.Config, log *zap.SugaredLogger) (*Datastore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "datastore: mkdir root")
	}

	fl := flock.New(filepath.Join(root, "LOCK"))
	if _, onDisk := fs.(*afero.OsFs); onDisk {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, errors.Wrap(err, "datastore: acquire root lock")
		}
		if !locked {
			return nil, errors.New("datastore: root already locked by another process")
		}
	}

	l, err := walog.Open(fs, filepath.Join(root, "wal"), cfg.MaxSegmentBytes, log)
	if err != nil {
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "datastore: open message log")
	}

	ds := &Datastore{
		committed: newCommittedState(cfg.BlobThresholdBytes, cfg.DirectIndexMaxKey, log),
		wal:       l,
		flock:     fl,
		cfg:       cfg,
		log:       log,
	}
	if err := ds.replay(); err != nil {
		_ = l.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "datastore: replay message log")
	}
	log.Infow("datastore: opened", "root", root, "replayed_offset", l.MaxOffset())
	return ds, nil
}

// Close releases the message log and the root file lock, if Open took one
// (unlocking a lock that was never taken is a no-op). The Datastore is
// unusable afterward.
func (ds *Datastore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if err := ds.wal.Close(); err != nil {
		return errors.Wrap(err, "datastore: close message log")
	}
	return ds.flock.Unlock()
}

// replay applies every message-log record to CommittedState in order,
// reconstructing the tables, rows and catalog entries of the last run.
func (ds *Datastore) replay() error {
	it := ds.wal.Iter()
	for {
		payload, ok := it.Next()
		if !ok {
			break
		}
		rec, err := decodeWalRecord(payload)
		if err != nil {
			return err
		}
		if err := ds.applyRecord(rec); err != nil {
			return err
		}
	}
	return it.Err()
}

func (ds *Datastore) applyRecord(rec walRecord) error {
	for _, ct := range rec.CreatedTables {
		schema := fromWalSchema(ct.Schema)
		t, err := ds.committed.newCommittedTable(schema)
		if err != nil {
			return err
		}
		ds.committed.registerTable(t)
		if err := ds.committed.writeCatalogRows(schema); err != nil {
			return err
		}
		if ds.committed.nextTableId <= schema.Id {
			ds.committed.nextTableId = schema.Id + 1
		}
		for _, idx := range schema.Indexes {
			if ds.committed.nextIndexId <= idx.Id {
				ds.committed.nextIndexId = idx.Id + 1
			}
		}
		ds.committed.bumpSequenceWatermark(schema)
	}
	for _, del := range rec.Deletes {
		t, ok := ds.committed.GetTable(del.TableId)
		if !ok {
			continue
		}
		ptr := rowptr.New(false, del.Page, del.Offset, rowptr.CommittedState)
		t.Delete(ds.committed.Blobs(), ptr)
	}
	for _, ins := range rec.Inserts {
		t, ok := ds.committed.GetTable(ins.TableId)
		if !ok {
			return errNoSuchTable(ins.TableId)
		}
		if schema, ok := ds.committed.SchemaForTable(ins.TableId); ok {
			// Replayed values are already concrete (substitution happened
			// before the original commit); this only bumps each sequence's
			// counter past what it last saw, so allocation after reopen
			// picks up where it left off.
			ds.committed.allocateSequences(ins.TableId, schema, ins.Value)
		}
		if _, err := t.Insert(ds.committed.Blobs(), ins.Value); err != nil {
			return errors.Wrap(err, "datastore: replay insert")
		}
	}
	for _, id := range rec.DroppedTables {
		if schema, ok := ds.committed.SchemaForTable(id); ok {
			_ = ds.committed.removeCatalogRows(schema)
		}
		ds.committed.dropTable(id)
	}
	return nil
}

// BeginRead returns a read-only transaction against the current committed
// state. Any number may be live concurrently with each other and with a
// single live write transaction.
func (ds *Datastore) BeginRead() *ReadTx {
	return &ReadTx{ds: ds}
}

// BeginWrite returns the single write transaction this datastore may hold
// at a time, failing with ErrWriteInProgress if one is already live.
func (ds *Datastore) BeginWrite() (*WriteTx, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.writeActive {
		return nil, ErrWriteInProgress
	}
	ds.writeActive = true
	return &WriteTx{ds: ds, state: newTxState()}, nil
}

// Rollback discards tx's overlay and undoes any DDL it performed eagerly
// against committed state. No other state changes, since every row
// mutation lived only in TxState.
func (ds *Datastore) Rollback(tx *WriteTx) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if tx.done {
		return errors.New("datastore: transaction already finished")
	}
	tx.rollbackDDL()
	tx.done = true
	ds.writeActive = false
	return nil
}

// Commit merges tx into committed state per spec section 4.6: deletes are
// applied first (so a delete+reinsert of the same unique key succeeds),
// then every tx-local insert table's rows are moved into fresh committed
// pages, then the whole transaction is appended to the message log.
// Durability is declared once sync_all (or, with FlushOnCommit off, a
// buffered flush) returns.
func (ds *Datastore) Commit(tx *WriteTx) (CommitResult, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if tx.done {
		return CommitResult{}, errors.New("datastore: transaction already finished")
	}
	defer func() {
		tx.done = true
		ds.writeActive = false
	}()

	rec := walRecord{}

	// Decode every tx-local insert row and validate it against committed
	// state up front, before any mutation: a row conflicts only if its key
	// collides with a committed row this same tx isn't also deleting (spec
	// section 4.6's can_merge(ignore_fn) pre-scan). Validating the whole
	// batch first means a conflict discovered on the Nth table never
	// leaves an earlier table's deletes or inserts applied, satisfying
	// "a commit error leaves CommittedState unchanged" (spec section 7)
	// without needing to undo already-applied deletes on failure.
	type decodedInserts struct {
		table *table.Table
		vals  []layout.Value
	}
	decoded := make(map[rowptr.TableId]decodedInserts, len(tx.state.insertTables))
	for id, ins := range tx.state.insertTables {
		t, ok := ds.committed.GetTable(id)
		if !ok {
			return CommitResult{}, errNoSuchTable(id)
		}
		var vals []layout.Value
		it := ins.ScanRows(tx.state.blobs)
		for {
			ref, ok := it.Next()
			if !ok {
				break
			}
			val, err := ref.Decode()
			if err != nil {
				return CommitResult{}, errors.Wrap(err, "datastore: decode tx row at commit")
			}
			vals = append(vals, val)
		}

		isDeleted := func(ptr rowptr.RowPointer) bool { return tx.state.IsDeleted(id, ptr) }
		for _, val := range vals {
			if err := t.CheckInsertConflict(ds.committed.Blobs(), val, isDeleted); err != nil {
				if uc, ok := err.(*table.ErrUniqueConstraintViolation); ok {
					return CommitResult{}, &ErrMergeConflict{TableId: id, IndexId: uc.IndexId}
				}
				return CommitResult{}, errors.Wrap(err, "datastore: merge conflict")
			}
		}
		decoded[id] = decodedInserts{table: t, vals: vals}
	}

	for id, dset := range tx.state.deleteTables {
		t, ok := ds.committed.GetTable(id)
		if !ok {
			continue
		}
		it := dset.Iter()
		for {
			ptr, ok := it.Next()
			if !ok {
				break
			}
			if t.Delete(ds.committed.Blobs(), ptr) {
				rec.Deletes = append(rec.Deletes, walDelete{TableId: id, Page: ptr.PageIndex(), Offset: ptr.PageOffset()})
			}
		}
	}

	for id, di := range decoded {
		for _, val := range di.vals {
			if _, err := di.table.Insert(ds.committed.Blobs(), val); err != nil {
				return CommitResult{}, errors.Wrap(err, "datastore: merge conflict")
			}
			rec.Inserts = append(rec.Inserts, walInsert{TableId: id, Value: val})
		}
	}

	if err := tx.commitDDL(); err != nil {
		return CommitResult{}, err
	}
	for _, id := range tx.state.droppedTables {
		rec.DroppedTables = append(rec.DroppedTables, id)
	}
	for _, id := range tx.state.createdTables {
		schema, ok := ds.committed.SchemaForTable(id)
		if ok {
			rec.CreatedTables = append(rec.CreatedTables, walCreateTable{Schema: toWalSchema(schema)})
		}
	}

	payload, err := encodeWalRecord(rec)
	if err != nil {
		return CommitResult{}, err
	}
	if err := ds.wal.Append(payload); err != nil {
		return CommitResult{}, errors.Wrap(err, "datastore: append message log")
	}
	if ds.cfg.FlushOnCommit {
		if err := ds.wal.SyncAll(); err != nil {
			return CommitResult{}, err
		}
	} else if err := ds.wal.Flush(); err != nil {
		return CommitResult{}, err
	}

	result := CommitResult{TxOffset: ds.wal.MaxOffset() - 1}
	ds.log.Debugw("datastore: committed", "tx_offset", result.TxOffset, "inserts", len(rec.Inserts), "deletes", len(rec.Deletes))
	return result, nil
}
