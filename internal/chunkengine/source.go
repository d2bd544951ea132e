package chunkengine

import (
	"fmt"

	"github.com/cyfs-io/bdt/internal/channel"
	"github.com/cyfs-io/bdt/internal/object"
)

// DefaultPieceSize matches the teacher's default on-wire chunk size for
// a single transport unit.
const DefaultPieceSize = 16 * 1024

// ChunkSource splits one chunk's bytes into fixed-size pieces, implementing
// internal/channel's ChunkSource interface.
type ChunkSource struct {
	data      []byte
	pieceSize int
}

// NewChunkSource builds a source over data, split into pieceSize-byte
// pieces (the last piece may be shorter).
func NewChunkSource(data []byte, pieceSize int) *ChunkSource {
	if pieceSize <= 0 {
		pieceSize = DefaultPieceSize
	}
	return &ChunkSource{data: data, pieceSize: pieceSize}
}

// PieceCount reports how many pieces this chunk splits into.
func (c *ChunkSource) PieceCount() uint32 {
	if len(c.data) == 0 {
		return 0
	}
	return uint32((len(c.data) + c.pieceSize - 1) / c.pieceSize)
}

// ReadPiece returns the bytes and descriptor for piece index.
func (c *ChunkSource) ReadPiece(index uint32) ([]byte, channel.PieceDesc, error) {
	start := int(index) * c.pieceSize
	if start >= len(c.data) {
		return nil, channel.PieceDesc{}, fmt.Errorf("chunkengine: piece index %d out of range", index)
	}
	end := start + c.pieceSize
	if end > len(c.data) {
		end = len(c.data)
	}
	desc := channel.PieceDesc{Index: index, Range: [2]uint32{uint32(start), uint32(end)}}
	return c.data[start:end], desc, nil
}

// FromStore builds a ChunkSource for id's content in s.
func FromStore(s *Store, id object.ChunkId, pieceSize int) (*ChunkSource, error) {
	data, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("chunkengine: chunk %s not found in store", id)
	}
	return NewChunkSource(data, pieceSize), nil
}
