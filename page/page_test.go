package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-db/stdb/rowptr"
)

func TestAllocFixedReturnsDistinctOffsets(t *testing.T) {
	p := New()
	off0, buf0, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	copy(buf0, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	off1, buf1, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	copy(buf1, []byte{9, 9, 9, 9, 9, 9, 9, 9})

	assert.NotEqual(t, off0, off1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, p.GetRowData(off0, 8))
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, p.GetRowData(off1, 8))
}

func TestAllocFixedRejectsRowSizeMismatch(t *testing.T) {
	p := New()
	_, _, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	_, _, err = p.AllocFixed(16, 8)
	assert.Error(t, err)
}

func TestFreeFixedRecyclesSlot(t *testing.T) {
	p := New()
	off0, _, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	p.FreeFixed(off0)
	assert.False(t, p.IsPresent(off0))

	off1, _, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	assert.Equal(t, off0, off1, "freed slot should be recycled before extending the fixed region")
	assert.True(t, p.IsPresent(off1))
}

func TestAllocFixedFailsWhenRegionsWouldCollide(t *testing.T) {
	p := New()
	var offs []rowptr.PageOffset
	for {
		off, _, err := p.AllocFixed(64, 8)
		if err != nil {
			var insufficient *ErrInsufficientSpace
			require.ErrorAs(t, err, &insufficient)
			break
		}
		offs = append(offs, off)
	}
	assert.NotEmpty(t, offs)
}

func TestGranuleChainWriteAndIterate(t *testing.T) {
	p := New()
	data := make([]byte, GranulePayloadSize*2+5)
	for i := range data {
		data[i] = byte(i)
	}
	granulesNeeded := (len(data) + GranulePayloadSize - 1) / GranulePayloadSize
	granules := make([]rowptr.PageOffset, granulesNeeded)
	for i := range granules {
		g, err := p.AllocGranule()
		require.NoError(t, err)
		granules[i] = g
	}
	p.WriteGranuleChain(granules, data)

	var got []byte
	it := p.IterVLOData(granules[0])
	remaining := len(data)
	for remaining > 0 {
		chunk, ok := it.Next()
		require.True(t, ok)
		n := remaining
		if n > len(chunk) {
			n = len(chunk)
		}
		got = append(got, chunk[:n]...)
		remaining -= n
	}
	assert.Equal(t, data, got)
}

func TestFreeGranuleChainRecyclesGranules(t *testing.T) {
	p := New()
	g0, err := p.AllocGranule()
	require.NoError(t, err)
	g1, err := p.AllocGranule()
	require.NoError(t, err)
	p.WriteGranuleChain([]rowptr.PageOffset{g0, g1}, make([]byte, GranulePayloadSize*2))

	p.FreeGranuleChain(g0)

	// Recycled granules are handed back in LIFO order (g1 was freed last
	// onto the free list, so it's returned first).
	r0, err := p.AllocGranule()
	require.NoError(t, err)
	r1, err := p.AllocGranule()
	require.NoError(t, err)
	assert.ElementsMatch(t, []rowptr.PageOffset{g0, g1}, []rowptr.PageOffset{r0, r1})
}

func TestFreeGranuleChainDetectsCycle(t *testing.T) {
	p := New()
	g0, err := p.AllocGranule()
	require.NoError(t, err)
	// Corrupt the chain: g0's next pointer points to itself.
	p.WriteGranuleChain([]rowptr.PageOffset{g0}, nil)
	p.buf[g0] = byte(g0)
	p.buf[g0+1] = byte(g0 >> 8)

	assert.Panics(t, func() { p.FreeGranuleChain(g0) })
}

func TestIterPresentRowsSkipsFreedSlots(t *testing.T) {
	p := New()
	off0, _, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	off1, _, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	off2, _, err := p.AllocFixed(8, 8)
	require.NoError(t, err)
	p.FreeFixed(off1)

	var seen []rowptr.PageOffset
	it := p.IterPresentRows()
	for {
		off, ok := it.Next()
		if !ok {
			break
		}
		seen = append(seen, off)
	}
	assert.ElementsMatch(t, []rowptr.PageOffset{off0, off2}, seen)
}

func TestVarLenRefNullAndBlob(t *testing.T) {
	var null VarLenRef
	null.FirstGranule = NullOffset
	assert.True(t, null.IsNull())

	blob := VarLenRef{FirstGranule: 0, Length: LargeBlobSentinel}
	assert.True(t, blob.IsBlob())
	assert.False(t, blob.IsNull())
}
