package core

// BlobStore is the content-addressed attachment store of §6's persisted
// state layout: lookup key is the BLAKE3 hash of the plaintext blob,
// reference counted so a blob referenced by multiple envelope attachment
// manifests is retained until its last referent is gone.

import (
	"sync"

	"lukechampine.com/blake3"
)

type BlobStore interface {
	Put(data []byte) (hash [32]byte, err error)
	Get(hash [32]byte) ([]byte, bool)
	AddRef(hash [32]byte)
	Release(hash [32]byte) (remaining int)
}

// memBlobStore is an in-memory reference implementation, suitable for a
// single-process deployment or tests; a production node backs BlobStore
// with content-addressed disk storage instead.
type memBlobStore struct {
	mu    sync.Mutex
	blobs map[[32]byte][]byte
	refs  map[[32]byte]int
}

func NewMemBlobStore() BlobStore {
	return &memBlobStore{blobs: make(map[[32]byte][]byte), refs: make(map[[32]byte]int)}
}

func blobHash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

func (s *memBlobStore) Put(data []byte) ([32]byte, error) {
	h := blobHash(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[h]; !exists {
		s.blobs[h] = append([]byte(nil), data...)
	}
	s.refs[h]++
	return h, nil
}

func (s *memBlobStore) Get(hash [32]byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[hash]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func (s *memBlobStore) AddRef(hash [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[hash]++
}

func (s *memBlobStore) Release(hash [32]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[hash]--
	remaining := s.refs[hash]
	if remaining <= 0 {
		delete(s.blobs, hash)
		delete(s.refs, hash)
		remaining = 0
	}
	return remaining
}
