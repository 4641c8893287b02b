package tableindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-db/stdb/rowptr"
)

func ptr(page rowptr.PageIndex, off rowptr.PageOffset) rowptr.RowPointer {
	return rowptr.New(false, page, off, rowptr.CommittedState)
}

func TestInBounds(t *testing.T) {
	cases := []struct {
		name           string
		k, lo, hi      int
		loInc, hiInc   bool
		want           bool
	}{
		{"inside inclusive", 5, 0, 10, true, true, true},
		{"equals lo inclusive", 0, 0, 10, true, true, true},
		{"equals lo exclusive", 0, 0, 10, false, true, false},
		{"equals hi inclusive", 10, 0, 10, true, true, true},
		{"equals hi exclusive", 10, 0, 10, true, false, false},
		{"below range", -1, 0, 10, true, true, false},
		{"above range", 11, 0, 10, true, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, inBounds(c.k, c.lo, c.hi, c.loInc, c.hiInc))
		})
	}
}

func TestUniqueDirectIndexInsertGetDelete(t *testing.T) {
	d := NewUniqueDirectIndex(0)
	key := encodeKey(7)
	p := ptr(0, 16)

	require.NoError(t, d.Insert(key, p))
	assert.Equal(t, 1, d.Len())
	got, ok := d.Get(key)
	require.True(t, ok)
	assert.True(t, got.Equal(p))
	assert.True(t, d.Contains(key))

	removed, ok := d.Delete(key)
	require.True(t, ok)
	assert.True(t, removed.Equal(p))
	assert.False(t, d.Contains(key))
	assert.Equal(t, 0, d.Len())
}

func TestUniqueDirectIndexRejectsDuplicateKey(t *testing.T) {
	d := NewUniqueDirectIndex(0)
	key := encodeKey(3)
	require.NoError(t, d.Insert(key, ptr(0, 8)))
	err := d.Insert(key, ptr(0, 24))
	assert.ErrorIs(t, err, ErrUniqueConstraintViolation)
}

func TestUniqueDirectIndexDespecializesBeyondDenseRange(t *testing.T) {
	d := NewUniqueDirectIndex(0)
	tooLarge := encodeKey(uint64(^uint32(0)) + 1)
	err := d.Insert(tooLarge, ptr(0, 0))
	var despecialize *DespecializeError
	assert.ErrorAs(t, err, &despecialize)
}

// TestUniqueDirectIndexHonorsConfiguredMaxKey verifies that the
// despecialization bound is actually the maxKey passed to
// NewUniqueDirectIndex, not a hardcoded constant: a small configured bound
// despecializes a key that would otherwise fit comfortably within a dense
// u32 span.
func TestUniqueDirectIndexHonorsConfiguredMaxKey(t *testing.T) {
	d := NewUniqueDirectIndex(10)
	require.NoError(t, d.Insert(encodeKey(10), ptr(0, 0)))

	err := d.Insert(encodeKey(11), ptr(0, 1))
	var despecialize *DespecializeError
	require.ErrorAs(t, err, &despecialize)
	assert.Equal(t, uint64(11), despecialize.Key)
}

func TestUniqueDirectIndexRangeRespectsBounds(t *testing.T) {
	d := NewUniqueDirectIndex(0)
	for _, k := range []uint64{1, 2, 3, 10, 20} {
		require.NoError(t, d.Insert(encodeKey(k), ptr(0, rowptr.PageOffset(k))))
	}
	var got []uint64
	it := d.Range(encodeKey(2), encodeKey(10), true, false)
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		v, _ := decodeKey(k)
		got = append(got, v)
	}
	assert.Equal(t, []uint64{2, 3}, got)
}

func TestUniqueDirectIndexIntoBTreePreservesEntries(t *testing.T) {
	d := NewUniqueDirectIndex(0)
	for _, k := range []uint64{1, 5, 9} {
		require.NoError(t, d.Insert(encodeKey(k), ptr(0, rowptr.PageOffset(k))))
	}
	b := d.IntoBTree()
	assert.Equal(t, d.Len(), b.Len())
	for _, k := range []uint64{1, 5, 9} {
		got, ok := b.Get(encodeKey(k))
		require.True(t, ok)
		assert.True(t, got.Equal(ptr(0, rowptr.PageOffset(k))))
	}
}

func TestUniqueDirectIndexCanMerge(t *testing.T) {
	a := NewUniqueDirectIndex(0)
	require.NoError(t, a.Insert(encodeKey(1), ptr(0, 1)))

	b := NewUniqueDirectIndex(0)
	require.NoError(t, b.Insert(encodeKey(2), ptr(0, 2)))
	assert.True(t, a.CanMerge(b, nil))

	require.NoError(t, b.Insert(encodeKey(1), ptr(0, 99)))
	assert.False(t, a.CanMerge(b, nil))

	assert.True(t, a.CanMerge(b, func(k Key) bool {
		v, _ := decodeKey(k)
		return v == 1
	}))
}

func TestUniqueBTreeIndexInsertGetDelete(t *testing.T) {
	b := NewUniqueBTreeIndex()
	key := Key("alice")
	p := ptr(1, 4)
	require.NoError(t, b.Insert(key, p))
	got, ok := b.Get(key)
	require.True(t, ok)
	assert.True(t, got.Equal(p))

	err := b.Insert(key, ptr(1, 5))
	assert.ErrorIs(t, err, ErrUniqueConstraintViolation)

	removed, ok := b.Delete(key)
	require.True(t, ok)
	assert.True(t, removed.Equal(p))
	assert.False(t, b.Contains(key))
}

func TestUniqueBTreeIndexRange(t *testing.T) {
	b := NewUniqueBTreeIndex()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Insert(Key(k), ptr(0, 0)))
	}
	it := b.Range(Key("b"), Key("d"), true, false)
	var got []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestRangedBTreeIndexAllowsDuplicateKeys(t *testing.T) {
	r := NewRangedBTreeIndex()
	key := Key("shared")
	require.NoError(t, r.Insert(key, ptr(0, 1)))
	require.NoError(t, r.Insert(key, ptr(0, 2)))
	assert.Equal(t, 2, r.Len())
	assert.True(t, r.Contains(key))

	var got []rowptr.RowPointer
	it := r.Range(key, key, true, true)
	for {
		_, p, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, p)
	}
	assert.Len(t, got, 2)
}

func TestRangedBTreeIndexDeletePointerRemovesOnlyThatEntry(t *testing.T) {
	r := NewRangedBTreeIndex()
	key := Key("shared")
	require.NoError(t, r.Insert(key, ptr(0, 1)))
	require.NoError(t, r.Insert(key, ptr(0, 2)))

	assert.True(t, r.DeletePointer(key, ptr(0, 1)))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Contains(key))
	got, ok := r.Get(key)
	require.True(t, ok)
	assert.True(t, got.Equal(ptr(0, 2)))
}
