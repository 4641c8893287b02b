package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreInsertGetRoundTrip(t *testing.T) {
	s := New()
	h := s.Insert([]byte("hello world"))
	got, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
	assert.Equal(t, 1, s.RefCount(h))
}

func TestStoreInsertDedupesByContent(t *testing.T) {
	s := New()
	h1 := s.Insert([]byte("same bytes"))
	h2 := s.Insert([]byte("same bytes"))
	assert.Equal(t, h1, h2)
	assert.Equal(t, 2, s.RefCount(h1))
	assert.Equal(t, 1, s.Len())
}

func TestStoreRetainAndRelease(t *testing.T) {
	s := New()
	h := s.Insert([]byte("payload"))
	require.NoError(t, s.Retain(h))
	assert.Equal(t, 2, s.RefCount(h))

	require.NoError(t, s.Release(h))
	assert.Equal(t, 1, s.RefCount(h))
	require.NoError(t, s.Release(h))
	assert.Equal(t, 0, s.RefCount(h))

	_, err := s.Get(h)
	assert.ErrorIs(t, err, ErrMissing)
}

func TestStoreRetainMissingReturnsError(t *testing.T) {
	s := New()
	err := s.Retain(Hash{})
	assert.ErrorIs(t, err, ErrMissing)
}

func TestStoreReleaseMissingReturnsError(t *testing.T) {
	s := New()
	err := s.Release(Hash{})
	assert.ErrorIs(t, err, ErrMissing)
}
