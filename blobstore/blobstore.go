// Package blobstore holds large variable-length values that don't fit
// inline in a page's granule chain. Values are addressed by content hash
// and refcounted so that two rows in the same Store holding identical
// large blobs share one backing allocation.
package blobstore

import (
	"sync"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// HashLen is the width of a blob's content-addressing key.
const HashLen = 32

// Hash identifies a blob by its blake3 digest.
type Hash [HashLen]byte

// Sum computes the content hash of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// ErrMissing is returned when a hash has no backing entry.
var ErrMissing = errors.New("blobstore: hash not present")

type entry struct {
	data []byte
	refs int
}

// Store is a content-addressed, refcounted blob table. It is safe for
// concurrent use; callers still need to coordinate insert/release pairs at
// the tx-commit boundary the way Datastore does.
type Store struct {
	mu      sync.Mutex
	entries map[Hash]*entry
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[Hash]*entry)}
}

// Insert stores data if not already present and increments its refcount,
// returning the content hash. The caller owns exactly one reference;
// Release must be called once per Insert (or per Retain) to free it.
func (s *Store) Insert(data []byte) Hash {
	h := Sum(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		e.refs++
		return h
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	s.entries[h] = &entry{data: owned, refs: 1}
	return h
}

// Retain increments the refcount of an existing blob, so that one more
// Release is needed before it is freed.
func (s *Store) Retain(h Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return errors.Wrapf(ErrMissing, "retain %x", h)
	}
	e.refs++
	return nil
}

// Release decrements the refcount of h, freeing the backing bytes once it
// reaches zero.
func (s *Store) Release(h Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return errors.Wrapf(ErrMissing, "release %x", h)
	}
	e.refs--
	if e.refs <= 0 {
		delete(s.entries, h)
	}
	return nil
}

// Get returns the bytes stored under h.
func (s *Store) Get(h Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return nil, errors.Wrapf(ErrMissing, "get %x", h)
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

// RefCount reports the current refcount of h, or 0 if absent.
func (s *Store) RefCount(h Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		return e.refs
	}
	return 0
}

// Len reports the number of distinct blobs currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
