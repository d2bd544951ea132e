package chunkengine

import (
	"sync"

	"github.com/cyfs-io/bdt/internal/channel"
	"github.com/cyfs-io/bdt/internal/object"
)

// ChunkSink assembles arriving pieces into a contiguous buffer and checks
// the result against the chunk's expected content hash, implementing
// internal/channel's ChunkSink interface.
type ChunkSink struct {
	mu       sync.Mutex
	expected object.ChunkId
	buf      []byte
	written  []bool
}

// NewChunkSink allocates a sink sized for expected's declared length.
func NewChunkSink(expected object.ChunkId) *ChunkSink {
	return &ChunkSink{
		expected: expected,
		buf:      make([]byte, expected.Length),
	}
}

// WritePiece copies data into the assembly buffer at desc's byte range.
func (s *ChunkSink) WritePiece(index uint32, desc channel.PieceDesc, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, end := int(desc.Range[0]), int(desc.Range[1])
	if end > len(s.buf) {
		end = len(s.buf)
	}
	if start > end {
		start = end
	}
	copy(s.buf[start:end], data)

	if int(index) >= len(s.written) {
		grown := make([]bool, index+1)
		copy(grown, s.written)
		s.written = grown
	}
	s.written[index] = true
	return nil
}

// BundleHashMatches reports whether the assembled buffer's BLAKE3 hash
// matches the expected chunk id.
func (s *ChunkSink) BundleHashMatches() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return object.NewChunkId(s.buf) == s.expected
}

// Bytes returns the assembled content. Only meaningful once
// BundleHashMatches reports true.
func (s *ChunkSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}
