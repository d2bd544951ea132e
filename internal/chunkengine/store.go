// Package chunkengine bridges the content-addressed File/ChunkList model
// of internal/object to internal/channel's piece-level transfer sessions,
// optionally protecting delivery with internal/fec Reed-Solomon coding.
package chunkengine

import (
	"fmt"
	"sync"

	"github.com/cyfs-io/bdt/internal/object"
)

// Store holds chunk content keyed by its content-addressed id, the way
// the teacher's chunker reads fixed-offset ranges out of a file on disk
// generalized here to arbitrary in-memory or paged content.
type Store struct {
	mu     sync.RWMutex
	chunks map[object.ChunkId][]byte
}

// NewStore returns an empty chunk store.
func NewStore() *Store {
	return &Store{chunks: make(map[object.ChunkId][]byte)}
}

// Put registers data under its derived ChunkId.
func (s *Store) Put(data []byte) object.ChunkId {
	id := object.NewChunkId(data)
	s.mu.Lock()
	s.chunks[id] = data
	s.mu.Unlock()
	return id
}

// Get returns the bytes for id, if present.
func (s *Store) Get(id object.ChunkId) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.chunks[id]
	return data, ok
}

// Delete evicts id from the store.
func (s *Store) Delete(id object.ChunkId) {
	s.mu.Lock()
	delete(s.chunks, id)
	s.mu.Unlock()
}

// Count reports how many chunks are currently stored.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// AssembleBundle concatenates the chunks of a ChunkInBundle or ChunkInList
// chunk list in order, taking each from the store by its ChunkId. The
// assembled result is not checked against a bundle hash.
func (s *Store) AssembleBundle(list object.ChunkList) ([]byte, error) {
	if list.List != object.ChunkInBundle && list.List != object.ChunkInList {
		return nil, fmt.Errorf("chunkengine: unsupported chunk list kind %d for direct assembly", list.List)
	}
	var out []byte
	for _, id := range list.Chunks {
		data, ok := s.Get(id)
		if !ok {
			return nil, fmt.Errorf("chunkengine: missing chunk %s", id)
		}
		out = append(out, data...)
	}
	return out, nil
}
