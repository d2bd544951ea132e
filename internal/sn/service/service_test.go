package service

import (
	"sync"
	"testing"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
)

func peerId(b byte) object.ObjectId {
	var id object.ObjectId
	id[0] = b
	return id
}

func TestPeerManagerTouchAndGet(t *testing.T) {
	m := NewPeerManager(time.Minute)
	p := peerId(1)

	m.Touch(p, &object.Device{}, object.Endpoint{Protocol: "udp", Addr: "1.1.1.1:100"}, 7, true)

	rec, err := m.Get(p)
	if err != nil {
		t.Fatalf("expected peer to be found: %v", err)
	}
	if rec.Seq != 7 || !rec.IsWAN {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestPeerManagerKnockTimeoutExpires(t *testing.T) {
	m := NewPeerManager(10 * time.Millisecond)
	p := peerId(2)
	m.Touch(p, &object.Device{}, object.Endpoint{}, 1, false)

	time.Sleep(30 * time.Millisecond)

	if _, err := m.Get(p); err != ErrPeerNotFound {
		t.Fatalf("expected ErrPeerNotFound after knock timeout, got %v", err)
	}
}

func TestPeerManagerSweepRemovesStale(t *testing.T) {
	m := NewPeerManager(10 * time.Millisecond)
	m.Touch(peerId(3), &object.Device{}, object.Endpoint{}, 1, false)
	time.Sleep(30 * time.Millisecond)
	m.Touch(peerId(4), &object.Device{}, object.Endpoint{}, 1, false)

	removed := m.Sweep()
	if removed != 1 {
		t.Fatalf("expected exactly one stale peer removed, got %d", removed)
	}
	if m.Count() != 1 {
		t.Fatalf("expected one peer left, got %d", m.Count())
	}
}

type fakeCalledSender struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeCalledSender) SendCalled(d *CalledDelivery) error {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return nil
}

func TestResendQueueAckRemovesEntry(t *testing.T) {
	sender := &fakeCalledSender{}
	q := NewResendQueue(sender, nil, time.Hour, 3)

	callee := peerId(5)
	if err := q.Enqueue(&CalledDelivery{Callee: callee, CallSeq: 1}); err != nil {
		t.Fatal(err)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("expected one pending delivery, got %d", q.PendingCount())
	}

	q.Ack(callee, 1)
	if q.PendingCount() != 0 {
		t.Fatalf("expected ack to clear the pending delivery, got %d", q.PendingCount())
	}
}

// TestResendQueueResendsUntilMaxAttempts exercises spec.md §4.6's
// resend-at-interval-up-to-max-attempts behavior, then verifies the entry
// is dropped once the budget is exhausted.
func TestResendQueueResendsUntilMaxAttempts(t *testing.T) {
	sender := &fakeCalledSender{}
	q := NewResendQueue(sender, nil, time.Millisecond, 3)
	q.now = func() time.Time { return fixedClock }

	callee := peerId(6)
	if err := q.Enqueue(&CalledDelivery{Callee: callee, CallSeq: 2}); err != nil {
		t.Fatal(err)
	}

	// advance the fake clock past nextSend each round and tick
	for i := 0; i < 5; i++ {
		fixedClock = fixedClock.Add(2 * time.Millisecond)
		q.Tick()
	}

	if q.PendingCount() != 0 {
		t.Fatalf("expected delivery to be dropped after exhausting attempts, pending=%d", q.PendingCount())
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.sends == 0 {
		t.Fatal("expected at least the initial send plus some resends")
	}
	if sender.sends > 3 {
		t.Fatalf("expected resends to stop at maxAttempts, got %d sends", sender.sends)
	}
}

var fixedClock = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCallStubDedupWithinWindow(t *testing.T) {
	stub := NewCallStub(50 * time.Millisecond)
	from := peerId(7)

	if !stub.Admit(from, 1) {
		t.Fatal("expected first observation to be admitted")
	}
	if stub.Admit(from, 1) {
		t.Fatal("expected duplicate within window to be rejected")
	}

	time.Sleep(70 * time.Millisecond)
	if !stub.Admit(from, 1) {
		t.Fatal("expected the same (from, seq) to be admitted again once outside the window")
	}
}

func TestCallStubDistinctSeqNotDeduped(t *testing.T) {
	stub := NewCallStub(time.Second)
	from := peerId(8)
	if !stub.Admit(from, 1) || !stub.Admit(from, 2) {
		t.Fatal("expected distinct sequence numbers to both be admitted")
	}
}

func TestInMemoryReceiptLedgerCapsRetention(t *testing.T) {
	ledger := NewInMemoryReceiptLedger(2)
	ledger.Record(Receipt{Seq: 1})
	ledger.Record(Receipt{Seq: 2})
	ledger.Record(Receipt{Seq: 3})

	recent := ledger.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected capacity-bounded retention, got %d entries", len(recent))
	}
	if recent[0].Seq != 2 || recent[1].Seq != 3 {
		t.Fatalf("expected oldest entry to be evicted first, got %+v", recent)
	}
}
