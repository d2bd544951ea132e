package service

import (
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
)

// Receipt is a single accounting entry for a relayed SnCalled delivery:
// who called whom, when, and whether it was ultimately acked. The wire
// format is stable; billing/accounting semantics on top of it are future
// work, matching the upstream implementation's own partly-stubbed state.
type Receipt struct {
	Caller  object.ObjectId
	Callee  object.ObjectId
	Seq     uint32
	At      time.Time
	Delivered bool
}

// ReceiptLedger records Receipts for relayed calls. PeerManager and
// ResendQueue do not call it; receipts are recorded only by code that
// calls Record directly.
type ReceiptLedger interface {
	Record(r Receipt)
}

// NoopReceiptLedger discards every receipt: a narrow seam for a
// billing/accounting backend, not a feature in itself.
type NoopReceiptLedger struct{}

func (NoopReceiptLedger) Record(Receipt) {}

// InMemoryReceiptLedger retains receipts in process memory, useful for
// tests and for operators who just want a recent-activity view without
// standing up real accounting storage.
type InMemoryReceiptLedger struct {
	mu       sync.Mutex
	receipts []Receipt
	cap      int
}

// NewInMemoryReceiptLedger retains at most capacity receipts, evicting the
// oldest first.
func NewInMemoryReceiptLedger(capacity int) *InMemoryReceiptLedger {
	return &InMemoryReceiptLedger{cap: capacity}
}

func (l *InMemoryReceiptLedger) Record(r Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts = append(l.receipts, r)
	if l.cap > 0 && len(l.receipts) > l.cap {
		l.receipts = l.receipts[len(l.receipts)-l.cap:]
	}
}

// Recent returns a copy of the retained receipts, most recent last.
func (l *InMemoryReceiptLedger) Recent() []Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Receipt, len(l.receipts))
	copy(out, l.receipts)
	return out
}
