package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/nova-db/stdb/blobstore"
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
)

// TestResolveIndexIterAdaptsIteratorToRowRefs drives ResolveIndexIter with a
// mocked tableindex.Iterator so the adapter's own logic (stop at the first
// ok=false, resolve every yielded pointer against this table's pages) is
// verified independently of which concrete index produced the iterator.
func TestResolveIndexIterAdaptsIteratorToRowRefs(t *testing.T) {
	ctrl := gomock.NewController(t)
	tbl := newUsersTable(t)
	blobs := blobstore.New()

	p1, err := tbl.Insert(blobs, layout.P(layout.U(1), layout.S("alice")))
	require.NoError(t, err)
	p2, err := tbl.Insert(blobs, layout.P(layout.U(2), layout.S("bob")))
	require.NoError(t, err)

	mockIt := NewMockIterator(ctrl)
	gomock.InOrder(
		mockIt.EXPECT().Next().Return(nil, p1, true),
		mockIt.EXPECT().Next().Return(nil, p2, true),
		mockIt.EXPECT().Next().Return(nil, rowptr.RowPointer(0), false),
	)

	next := tbl.ResolveIndexIter(blobs, mockIt)

	ref, ok := next()
	require.True(t, ok)
	assert.True(t, ref.Pointer().Equal(p1))

	ref, ok = next()
	require.True(t, ok)
	assert.True(t, ref.Pointer().Equal(p2))

	_, ok = next()
	assert.False(t, ok)
}
