package chunker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cyfs-io/bdt/internal/object"
)

// ComputeManifest chunks filePath per options and derives the object.File
// those chunks would bundle into: one object.ChunkId per chunk, then the
// Serial-method bundle hash and FileId over the full sequence, per
// spec.md §3/§8.
func ComputeManifest(filePath string, options ChunkOptions) (*Manifest, error) {
	if options.ChunkSize <= 0 {
		options = DefaultChunkOptions()
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	fileSize := fileInfo.Size()
	fileName := filepath.Base(filePath)
	sessionID := uuid.New().String()

	var ids []object.ChunkId
	if fileSize == 0 {
		ids = []object.ChunkId{object.NewChunkId(nil)}
	} else {
		buffer := make([]byte, options.ChunkSize)
		for {
			n, err := file.Read(buffer)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read chunk %d: %w", len(ids), err)
			}
			if n == 0 {
				break
			}
			ids = append(ids, object.NewChunkId(buffer[:n]))
			if err == io.EOF {
				break
			}
		}
	}

	chunks := make([]ChunkDescriptor, len(ids))
	for i, id := range ids {
		chunks[i] = ChunkDescriptor{Index: i, Hash: fmt.Sprintf("%x", id.Hash[:]), Length: id.Length}
	}

	chunkList, bundleHash, total := object.NewChunkInBundle(ids)
	f := &object.File{
		Desc: object.FileDesc{Len: total, Hash: bundleHash},
		Body: object.FileBody{ChunkList: chunkList},
	}

	return &Manifest{
		SessionID:  sessionID,
		FileName:   fileName,
		FileSize:   fileSize,
		ChunkSize:  options.ChunkSize,
		ChunkCount: len(chunks),
		HashAlgo:   "BLAKE3",
		Chunks:     chunks,
		BundleHash: fmt.Sprintf("%x", bundleHash),
		FileId:     f.Id().String(),
		CreatedAt:  time.Now(),
	}, nil
}

// Chunker provides streaming chunking of data from an io.Reader.
type Chunker struct {
	reader    io.Reader
	chunkSize int
	buffer    []byte
}

// NewChunker creates a new streaming chunker.
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	return &Chunker{
		reader:    r,
		chunkSize: chunkSize,
		buffer:    make([]byte, chunkSize),
	}, nil
}

// Next returns the next chunk of data.
func (c *Chunker) Next() ([]byte, error) {
	n, err := c.reader.Read(c.buffer)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return c.buffer[:n], nil
}

// ReadChunk reads a specific chunk from the file.
func ReadChunk(filePath string, chunkIndex int, chunkSize int) ([]byte, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	offset := int64(chunkIndex) * int64(chunkSize)
	if _, err := file.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("failed to seek to offset %d: %w", offset, err)
	}

	buffer := make([]byte, chunkSize)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}

	return buffer[:n], nil
}
