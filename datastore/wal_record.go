package datastore

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/table"
)

// walRecord is the payload of one message-log entry: everything a
// transaction committed, in enough detail to replay it against a fresh
// CommittedState on open. Deletes are recorded by the committed pointer
// they removed. Replay applies each record's deletes before its inserts,
// the same order Commit uses, so freed slots are reused as they were in the
// original run and each recorded pointer names the same row on replay that
// it named when the record was written.
type walRecord struct {
	Inserts []walInsert
	Deletes []walDelete

	CreatedTables []walCreateTable
	DroppedTables []rowptr.TableId
}

type walInsert struct {
	TableId rowptr.TableId
	Value   layout.Value
}

type walDelete struct {
	TableId rowptr.TableId
	Page    rowptr.PageIndex
	Offset  rowptr.PageOffset
}

type walCreateTable struct {
	Schema walSchema
}

// walSchema mirrors table.Schema in a form gob can round-trip without
// depending on the table package's own (unexported-field-free, but
// otherwise identical) type — kept distinct so a future schema migration
// doesn't silently reshape the on-disk log format.
type walSchema struct {
	Id        rowptr.TableId
	Name      string
	Columns   []walColumn
	Indexes   []walIndex
	Sequences []walSequence
}

type walColumn struct {
	Id      rowptr.ColId
	Name    string
	Type    layout.AlgebraicType
	AutoInc bool
}

type walIndex struct {
	Id   rowptr.IndexId
	Name string
	Cols []rowptr.ColId
	Kind uint8
}

type walSequence struct {
	Id    rowptr.SequenceId
	ColId rowptr.ColId
}

// encodeWalRecord serializes a record with encoding/gob. gob was chosen
// over a hand-rolled codec because every payload type here is a plain
// exported-field struct or slice thereof (no custom wire format is being
// designed for its own sake) and because nothing in the retrieved example
// corpus ships a general-purpose binary struct codec the way it ships
// BFLATN's page/row layer for the hot row path; gob is the standard
// library's answer to exactly this "serialize my own Go structs" problem
// and is good enough for a log record appended once per commit.
func encodeWalRecord(r walRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, errors.Wrap(err, "datastore: encode wal record")
	}
	return buf.Bytes(), nil
}

func decodeWalRecord(data []byte) (walRecord, error) {
	var r walRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return walRecord{}, errors.Wrap(err, "datastore: decode wal record")
	}
	return r, nil
}

func toWalSchema(s table.Schema) walSchema {
	cols := make([]walColumn, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = walColumn{Id: c.Id, Name: c.Name, Type: c.Type, AutoInc: c.AutoInc}
	}
	idxs := make([]walIndex, len(s.Indexes))
	for i, idx := range s.Indexes {
		idxs[i] = walIndex{Id: idx.Id, Name: idx.Name, Cols: idx.Cols, Kind: uint8(idx.Kind)}
	}
	seqs := make([]walSequence, len(s.Sequences))
	for i, seq := range s.Sequences {
		seqs[i] = walSequence{Id: seq.Id, ColId: seq.ColId}
	}
	return walSchema{Id: s.Id, Name: s.Name, Columns: cols, Indexes: idxs, Sequences: seqs}
}

func fromWalSchema(s walSchema) table.Schema {
	cols := make([]table.ColumnDef, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = table.ColumnDef{Id: c.Id, Name: c.Name, Type: c.Type, AutoInc: c.AutoInc}
	}
	idxs := make([]table.IndexDef, len(s.Indexes))
	for i, idx := range s.Indexes {
		idxs[i] = table.IndexDef{Id: idx.Id, Name: idx.Name, Cols: idx.Cols, Kind: table.IndexKind(idx.Kind)}
	}
	seqs := make([]table.SequenceDef, len(s.Sequences))
	for i, seq := range s.Sequences {
		seqs[i] = table.SequenceDef{Id: seq.Id, ColId: seq.ColId}
	}
	return table.Schema{Id: s.Id, Name: s.Name, Columns: cols, Indexes: idxs, Sequences: seqs}
}
