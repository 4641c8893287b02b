package tableindex

import (
	"encoding/binary"

	"github.com/nova-db/stdb/rowptr"
)

// directPageSize and keysPerInner mirror the inner-array sizing used by the
// original direct index: one 4 KiB inner array holds 512 eight-byte row
// pointers.
const (
	directPageSize = 4096
	keysPerInner   = directPageSize / 8 // 512
)

// directNone is the sentinel marking an empty direct-index slot. Its
// squashed offset is deliberately TxState, not CommittedState, matching the
// sentinel used by the index this type is grounded on: a zeroed inner array
// must never be confused with a real CommittedState pointer at page 0,
// offset 0.
var directNone = rowptr.New(false, 0, 0, rowptr.TxState)

// DespecializeError is returned by Insert when key exceeds the index's
// maxKey, or is not an 8-byte dense key (then Key is 0). The caller must
// convert this index to a UniqueBTreeIndex
// via IntoBTree and retry the insert there.
type DespecializeError struct {
	Key uint64
}

func (e *DespecializeError) Error() string {
	return "tableindex: direct index key exceeds dense range, despecialize to btree"
}

// defaultMaxKey is the despecialization bound used when NewUniqueDirectIndex
// is called with maxKey == 0, matching engcfg.Config's own default so
// call sites that don't care about the knob (tests, ad-hoc indexes) get the
// same u32-span behavior the engine ships with.
const defaultMaxKey = uint64(^uint32(0))

// UniqueDirectIndex is a two-level array of RowPointer indexed by a dense
// u64 key: the outer level is a slice of lazily-allocated 512-entry inner
// arrays, so a table whose key space is small and contiguous (e.g. a
// primary key sequence) never pays B-tree overhead.
type UniqueDirectIndex struct {
	inner   [][]rowptr.RowPointer // nil entries are unallocated inner blocks
	count   int
	maxSeen uint64
	maxKey  uint64
}

// NewUniqueDirectIndex returns an empty direct index that despecializes once
// a key exceeds maxKey (engcfg.Config.DirectIndexMaxKey governs this in the
// engine proper). maxKey == 0 falls back to defaultMaxKey.
func NewUniqueDirectIndex(maxKey uint64) *UniqueDirectIndex {
	if maxKey == 0 {
		maxKey = defaultMaxKey
	}
	return &UniqueDirectIndex{maxKey: maxKey}
}

func splitKey(key uint64) (outer int, inner int) {
	return int(key / keysPerInner), int(key % keysPerInner)
}

func decodeKey(k Key) (uint64, bool) {
	if len(k) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(k), true
}

func encodeKey(v uint64) Key {
	k := make(Key, 8)
	binary.BigEndian.PutUint64(k, v)
	return k
}

func (d *UniqueDirectIndex) Unique() bool { return true }

func (d *UniqueDirectIndex) Len() int { return d.count }

// Insert places ptr under key, injesting it (setting the reserved bit the
// way the direct index's backing array always does for occupied slots).
// If key is too large for this representation, it returns *DespecializeError
// and leaves the index unchanged; the caller must despecialize via
// IntoBTree and insert there instead.
func (d *UniqueDirectIndex) Insert(key Key, ptr rowptr.RowPointer) error {
	k, ok := decodeKey(key)
	if !ok {
		return &DespecializeError{}
	}
	if k > d.maxKey {
		return &DespecializeError{Key: k}
	}
	outer, innerIdx := splitKey(k)
	for len(d.inner) <= outer {
		d.inner = append(d.inner, nil)
	}
	if d.inner[outer] == nil {
		blk := make([]rowptr.RowPointer, keysPerInner)
		for i := range blk {
			blk[i] = directNone
		}
		d.inner[outer] = blk
	}
	if !d.inner[outer][innerIdx].Equal(directNone) {
		return ErrUniqueConstraintViolation
	}
	d.inner[outer][innerIdx] = injest(ptr)
	d.count++
	if k > d.maxSeen {
		d.maxSeen = k
	}
	return nil
}

func injest(ptr rowptr.RowPointer) rowptr.RowPointer { return ptr.WithReservedBit(true) }
func expose(ptr rowptr.RowPointer) rowptr.RowPointer { return ptr.WithReservedBit(false) }

// Delete removes key's entry, replacing the slot with the sentinel the way
// the original implementation uses mem::replace.
func (d *UniqueDirectIndex) Delete(key Key) (rowptr.RowPointer, bool) {
	k, ok := decodeKey(key)
	if !ok {
		return 0, false
	}
	outer, innerIdx := splitKey(k)
	if outer >= len(d.inner) || d.inner[outer] == nil {
		return 0, false
	}
	cur := d.inner[outer][innerIdx]
	if cur.Equal(directNone) {
		return 0, false
	}
	d.inner[outer][innerIdx] = directNone
	d.count--
	return expose(cur), true
}

func (d *UniqueDirectIndex) Get(key Key) (rowptr.RowPointer, bool) {
	k, ok := decodeKey(key)
	if !ok {
		return 0, false
	}
	outer, innerIdx := splitKey(k)
	if outer >= len(d.inner) || d.inner[outer] == nil {
		return 0, false
	}
	cur := d.inner[outer][innerIdx]
	if cur.Equal(directNone) {
		return 0, false
	}
	return expose(cur), true
}

func (d *UniqueDirectIndex) Contains(key Key) bool {
	_, ok := d.Get(key)
	return ok
}

type directIter struct {
	d          *UniqueDirectIndex
	outer      int
	innerIdx   int
	lo, hi     uint64
	hasBounds  bool
	loInc      bool
	hiInc      bool
}

func (it *directIter) Next() (Key, rowptr.RowPointer, bool) {
	for it.outer < len(it.d.inner) {
		if it.d.inner[it.outer] == nil {
			// Skip a whole uninitialized inner block at once.
			it.outer++
			it.innerIdx = 0
			continue
		}
		for it.innerIdx < keysPerInner {
			k := uint64(it.outer)*keysPerInner + uint64(it.innerIdx)
			ptr := it.d.inner[it.outer][it.innerIdx]
			it.innerIdx++
			if ptr.Equal(directNone) {
				continue
			}
			if it.hasBounds && !inBounds(k, it.lo, it.hi, it.loInc, it.hiInc) {
				if k >= it.hi {
					return nil, 0, false
				}
				continue
			}
			return encodeKey(k), expose(ptr), true
		}
		it.outer++
		it.innerIdx = 0
	}
	return nil, 0, false
}

func (d *UniqueDirectIndex) Iter() Iterator {
	return &directIter{d: d}
}

func (d *UniqueDirectIndex) Range(lo, hi Key, loInc, hiInc bool) Iterator {
	loK, _ := decodeKey(lo)
	hiK, _ := decodeKey(hi)
	startOuter, _ := splitKey(loK)
	return &directIter{d: d, outer: startOuter, lo: loK, hi: hiK, hasBounds: true, loInc: loInc, hiInc: hiInc}
}

// CanMerge reports whether inserting every key of other into d would
// produce no unique-constraint conflicts, skipping any key for which
// ignore reports true (used when merging a transaction's own deletes back
// out of consideration). It never mutates either index.
func (d *UniqueDirectIndex) CanMerge(other *UniqueDirectIndex, ignore func(Key) bool) bool {
	it := other.Iter()
	for {
		k, _, ok := it.Next()
		if !ok {
			return true
		}
		if ignore != nil && ignore(k) {
			continue
		}
		if d.Contains(k) {
			return false
		}
	}
}

// IntoBTree despecializes this index into an equivalent UniqueBTreeIndex,
// the representation that can hold keys outside the direct index's dense
// u32 span.
func (d *UniqueDirectIndex) IntoBTree() *UniqueBTreeIndex {
	b := NewUniqueBTreeIndex()
	it := d.Iter()
	for {
		k, ptr, ok := it.Next()
		if !ok {
			break
		}
		_ = b.Insert(k, ptr)
	}
	return b
}
