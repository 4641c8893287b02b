// Package tableindex implements the three index variants a Table can back a
// constraint or query path with: a two-level dense array for small integer
// unique keys (UniqueDirectIndex), a B-tree for unique keys that don't fit
// that mold (UniqueBTreeIndex), and a B-tree permitting duplicate keys for
// non-unique range scans (RangedBTreeIndex).
package tableindex

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/nova-db/stdb/rowptr"
)

// ErrUniqueConstraintViolation is returned by Insert when key is already
// present in a unique index.
var ErrUniqueConstraintViolation = errors.New("tableindex: unique constraint violation")

// ErrKeyNotFound reports a missing key. The Index implementations in this
// package do not return it: their Delete reports a missing key through its
// bool result.
var ErrKeyNotFound = errors.New("tableindex: key not found")

// Key is an opaque, ordered index key: the order-preserving encoding of one
// or more indexed columns (built by the table package, not the BFLATN row
// bytes), compared lexicographically by the B-tree variants.
// UniqueDirectIndex additionally requires keys to decode as a dense u64.
type Key []byte

func (k Key) less(o Key) bool { return bytes.Compare(k, o) < 0 }

// Index is the common interface Table drives regardless of which concrete
// variant backs a given index definition.
type Index interface {
	Insert(key Key, ptr rowptr.RowPointer) error
	Delete(key Key) (rowptr.RowPointer, bool)
	Get(key Key) (rowptr.RowPointer, bool)
	Contains(key Key) bool
	Len() int
	Iter() Iterator
	Range(lo, hi Key, loInc, hiInc bool) Iterator
	Unique() bool
}

// Iterator yields (key, pointer) pairs in ascending key order. Non-unique
// indexes (RangedBTreeIndex) may yield the same key multiple times, once per
// pointer.
type Iterator interface {
	Next() (Key, rowptr.RowPointer, bool)
}
