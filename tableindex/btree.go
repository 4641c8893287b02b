package tableindex

import (
	"github.com/google/btree"

	"github.com/nova-db/stdb/rowptr"
)

// btreeItem adapts a (Key, RowPointer) pair to btree.Item, ordering purely
// on Key, as UniqueBTreeIndex needs. RangedBTreeIndex does not use it: its
// multiItem orders same-key entries by RowPointer.
type btreeItem struct {
	key Key
	ptr rowptr.RowPointer
}

func (a btreeItem) Less(than btree.Item) bool {
	return a.key.less(than.(btreeItem).key)
}

// UniqueBTreeIndex is an ordered map from Key to a single RowPointer, used
// for unique constraints whose key isn't a dense small integer (strings,
// composite keys, large integers despecialized out of a direct index).
type UniqueBTreeIndex struct {
	tree *btree.BTree
	n    int
}

func NewUniqueBTreeIndex() *UniqueBTreeIndex {
	return &UniqueBTreeIndex{tree: btree.New(32)}
}

func (u *UniqueBTreeIndex) Unique() bool { return true }
func (u *UniqueBTreeIndex) Len() int     { return u.n }

func (u *UniqueBTreeIndex) Insert(key Key, ptr rowptr.RowPointer) error {
	if u.tree.Has(btreeItem{key: key}) {
		return ErrUniqueConstraintViolation
	}
	u.tree.ReplaceOrInsert(btreeItem{key: key, ptr: ptr})
	u.n++
	return nil
}

func (u *UniqueBTreeIndex) Delete(key Key) (rowptr.RowPointer, bool) {
	item := u.tree.Delete(btreeItem{key: key})
	if item == nil {
		return 0, false
	}
	u.n--
	return item.(btreeItem).ptr, true
}

func (u *UniqueBTreeIndex) Get(key Key) (rowptr.RowPointer, bool) {
	item := u.tree.Get(btreeItem{key: key})
	if item == nil {
		return 0, false
	}
	return item.(btreeItem).ptr, true
}

func (u *UniqueBTreeIndex) Contains(key Key) bool {
	_, ok := u.Get(key)
	return ok
}

type sliceIter struct {
	items []btreeItem
	i     int
}

func (it *sliceIter) Next() (Key, rowptr.RowPointer, bool) {
	if it.i >= len(it.items) {
		return nil, 0, false
	}
	item := it.items[it.i]
	it.i++
	return item.key, item.ptr, true
}

func (u *UniqueBTreeIndex) Iter() Iterator {
	var items []btreeItem
	u.tree.Ascend(func(i btree.Item) bool {
		items = append(items, i.(btreeItem))
		return true
	})
	return &sliceIter{items: items}
}

func (u *UniqueBTreeIndex) Range(lo, hi Key, loInc, hiInc bool) Iterator {
	var items []btreeItem
	u.tree.AscendRange(btreeItem{key: lo}, btreeItem{key: hi}, func(i btree.Item) bool {
		items = append(items, i.(btreeItem))
		return true
	})
	if !loInc && len(items) > 0 && compareKeys(items[0].key, lo) == 0 {
		items = items[1:]
	}
	if hiInc {
		if last := u.tree.Get(btreeItem{key: hi}); last != nil {
			items = append(items, last.(btreeItem))
		}
	}
	return &sliceIter{items: items}
}

// RangedBTreeIndex is an ordered multimap from Key to RowPointer, backing
// non-unique indexes used for range scans and semi-joins.
type RangedBTreeIndex struct {
	tree *btree.BTree // keyed on (key, ptr) composite ordering via multiItem
	n    int
}

type multiItem struct {
	key Key
	ptr rowptr.RowPointer
}

func (a multiItem) Less(than btree.Item) bool {
	b := than.(multiItem)
	if c := compareKeys(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.ptr < b.ptr
}

func compareKeys(a, b Key) int {
	switch {
	case a.less(b):
		return -1
	case b.less(a):
		return 1
	default:
		return 0
	}
}

func NewRangedBTreeIndex() *RangedBTreeIndex {
	return &RangedBTreeIndex{tree: btree.New(32)}
}

func (r *RangedBTreeIndex) Unique() bool { return false }
func (r *RangedBTreeIndex) Len() int     { return r.n }

func (r *RangedBTreeIndex) Insert(key Key, ptr rowptr.RowPointer) error {
	r.tree.ReplaceOrInsert(multiItem{key: key, ptr: ptr})
	r.n++
	return nil
}

// Delete removes one entry matching key (the first found in ascending
// pointer order) and returns it. Non-unique indexes may hold many pointers
// per key; callers needing to remove a specific pointer should use
// DeletePointer.
func (r *RangedBTreeIndex) Delete(key Key) (rowptr.RowPointer, bool) {
	var found *multiItem
	r.tree.AscendGreaterOrEqual(multiItem{key: key}, func(i btree.Item) bool {
		mi := i.(multiItem)
		if compareKeys(mi.key, key) != 0 {
			return false
		}
		found = &mi
		return false
	})
	if found == nil {
		return 0, false
	}
	r.tree.Delete(*found)
	r.n--
	return found.ptr, true
}

// DeletePointer removes the specific (key, ptr) entry, used by Table when
// it knows exactly which row is being removed.
func (r *RangedBTreeIndex) DeletePointer(key Key, ptr rowptr.RowPointer) bool {
	item := r.tree.Delete(multiItem{key: key, ptr: ptr})
	if item == nil {
		return false
	}
	r.n--
	return true
}

// Get returns one pointer stored under key (the first in ascending pointer
// order), without removing it. Non-unique indexes may hold many pointers
// per key; use Range to enumerate all of them.
func (r *RangedBTreeIndex) Get(key Key) (rowptr.RowPointer, bool) {
	var found rowptr.RowPointer
	ok := false
	r.tree.AscendGreaterOrEqual(multiItem{key: key}, func(i btree.Item) bool {
		mi := i.(multiItem)
		if compareKeys(mi.key, key) != 0 {
			return false
		}
		found, ok = mi.ptr, true
		return false
	})
	return found, ok
}

func (r *RangedBTreeIndex) Contains(key Key) bool {
	found := false
	r.tree.AscendGreaterOrEqual(multiItem{key: key}, func(i btree.Item) bool {
		mi := i.(multiItem)
		if compareKeys(mi.key, key) != 0 {
			return false
		}
		found = true
		return false
	})
	return found
}

func (r *RangedBTreeIndex) Iter() Iterator {
	var items []btreeItem
	r.tree.Ascend(func(i btree.Item) bool {
		mi := i.(multiItem)
		items = append(items, btreeItem{key: mi.key, ptr: mi.ptr})
		return true
	})
	return &sliceIter{items: items}
}

func (r *RangedBTreeIndex) Range(lo, hi Key, loInc, hiInc bool) Iterator {
	var items []btreeItem
	r.tree.AscendRange(multiItem{key: lo}, multiItem{key: hi}, func(i btree.Item) bool {
		mi := i.(multiItem)
		if !loInc && compareKeys(mi.key, lo) == 0 {
			return true
		}
		items = append(items, btreeItem{key: mi.key, ptr: mi.ptr})
		return true
	})
	if hiInc {
		r.tree.AscendGreaterOrEqual(multiItem{key: hi}, func(i btree.Item) bool {
			mi := i.(multiItem)
			if compareKeys(mi.key, hi) != 0 {
				return false
			}
			items = append(items, btreeItem{key: mi.key, ptr: mi.ptr})
			return true
		})
	}
	return &sliceIter{items: items}
}
