package channel

import (
	"fmt"
	"sync"
)

// PieceBitmap tracks which piece indices of a chunk have arrived,
// grounded on the teacher's ChunkBitmap (same byte/bit-per-index layout
// and RWMutex-guarded counter).
type PieceBitmap struct {
	mu       sync.RWMutex
	total    uint32
	bits     []byte
	received uint32
}

// NewPieceBitmap allocates a bitmap for a chunk encoded into total
// pieces.
func NewPieceBitmap(total uint32) *PieceBitmap {
	return &PieceBitmap{
		total: total,
		bits:  make([]byte, (total+7)/8),
	}
}

// Set marks index as received, returning true if this call was the first
// time that index was recorded (so callers can distinguish fresh arrivals
// from duplicates).
func (b *PieceBitmap) Set(index uint32) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index >= b.total {
		return false, fmt.Errorf("channel: piece index %d out of range [0,%d)", index, b.total)
	}
	byteIdx, bitIdx := index/8, index%8
	if b.bits[byteIdx]&(1<<bitIdx) != 0 {
		return false, nil
	}
	b.bits[byteIdx] |= 1 << bitIdx
	b.received++
	return true, nil
}

// Has reports whether index has already been received.
func (b *PieceBitmap) Has(index uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if index >= b.total {
		return false
	}
	return b.bits[index/8]&(1<<(index%8)) != 0
}

// HighestReceived returns the highest index received so far, and whether
// any piece has been received at all.
func (b *PieceBitmap) HighestReceived() (uint32, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	found := false
	var highest uint32
	for i := uint32(0); i < b.total; i++ {
		if b.bits[i/8]&(1<<(i%8)) != 0 {
			highest = i
			found = true
		}
	}
	return highest, found
}

// MissingBelow returns every index below maxIndex that has not yet been
// received, per spec.md §4.8's PieceControl::Continue lost_index
// enumeration.
func (b *PieceBitmap) MissingBelow(maxIndex uint32) []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var missing []uint32
	limit := maxIndex
	if limit > b.total {
		limit = b.total
	}
	for i := uint32(0); i < limit; i++ {
		if b.bits[i/8]&(1<<(i%8)) == 0 {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reports whether every piece has been received.
func (b *PieceBitmap) Complete() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.received == b.total
}

// Progress reports (received, total) piece counts.
func (b *PieceBitmap) Progress() (received, total uint32) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.received, b.total
}
