// Package service implements the SN (Service Node) side of the ping/call
// protocol: a peer registry, a resend queue for SnCalled deliveries to
// slow or offline callees, and a call-stub dedup window, per spec.md §4.6.
package service

import (
	"errors"
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

var (
	ErrPeerNotFound   = errors.New("service: peer not registered")
	ErrPeerExists     = errors.New("service: peer already registered")
	ErrResendExceeded = errors.New("service: resend attempts exceeded")
)

// PeerRecord is one peer_manager entry: DeviceId -> { desc, sender,
// last_ping, seq, is_wan }, per spec.md §4.6.
type PeerRecord struct {
	Device      *object.Device
	Sender      object.Endpoint
	LastPing    time.Time
	Seq         uint32
	IsWAN       bool
	IsAlwaysCall bool
}

// PeerManager is a sliding-knock-timeout registry of known devices,
// grounded on the teacher's SessionStore (RWMutex-protected map with
// CRUD and a time-based sweep).
type PeerManager struct {
	mu          sync.RWMutex
	peers       map[object.ObjectId]*PeerRecord
	knockTimeout time.Duration
}

// NewPeerManager creates a registry that considers a peer stale once
// knockTimeout has elapsed since its last recorded ping.
func NewPeerManager(knockTimeout time.Duration) *PeerManager {
	return &PeerManager{
		peers:        make(map[object.ObjectId]*PeerRecord),
		knockTimeout: knockTimeout,
	}
}

// Touch records or refreshes a peer's registration on SnPing, per
// spec.md §4.6's "records the peer with the sender's observed endpoint".
func (m *PeerManager) Touch(id object.ObjectId, device *object.Device, sender object.Endpoint, seq uint32, isWAN bool) *PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[id]
	if !ok {
		rec = &PeerRecord{}
		m.peers[id] = rec
	}
	rec.Device = device
	rec.Sender = sender
	rec.LastPing = time.Now()
	rec.Seq = seq
	rec.IsWAN = isWAN
	return rec
}

// Get returns the current record for id, or ErrPeerNotFound if the knock
// timeout has elapsed or the peer was never seen.
func (m *PeerManager) Get(id object.ObjectId) (*PeerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	if m.knockTimeout > 0 && time.Since(rec.LastPing) > m.knockTimeout {
		return nil, ErrPeerNotFound
	}
	return rec, nil
}

// SetAlwaysCall marks a peer as always-callable regardless of WAN status,
// an operator-configured override per spec.md §4.6's dispatch condition.
func (m *PeerManager) SetAlwaysCall(id object.ObjectId, always bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.peers[id]; ok {
		rec.IsAlwaysCall = always
	}
}

// Sweep drops peers whose last ping predates the knock timeout, returning
// the count removed.
func (m *PeerManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	cutoff := time.Now().Add(-m.knockTimeout)
	for id, rec := range m.peers {
		if rec.LastPing.Before(cutoff) {
			delete(m.peers, id)
			removed++
		}
	}
	return removed
}

// Count reports the number of currently tracked peers.
func (m *PeerManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// CalledDelivery is one pending SnCalled the resend queue is trying to
// deliver to an offline or slow callee.
type CalledDelivery struct {
	Callee          object.ObjectId
	FromPeerInfo    *object.Device
	CallSeq         uint32
	CallSendTime    time.Time
	Payload         []byte
	ReverseEndpoints []object.Endpoint
	ActivePNList    []object.ObjectId

	attempts int
	nextSend time.Time
}

// CalledSender is the transport hook the resend queue uses to actually
// deliver an SnCalled package.
type CalledSender interface {
	SendCalled(d *CalledDelivery) error
}

// ResendQueue retries pending SnCalled deliveries at a fixed interval up
// to maxAttempts, per spec.md §4.6. Entries are removed as soon as the
// matching SnCalledResp arrives.
type ResendQueue struct {
	mu          sync.Mutex
	pending     map[string]*CalledDelivery
	interval    time.Duration
	maxAttempts int
	sender      CalledSender
	log         *observability.Logger

	now func() time.Time
}

// NewResendQueue builds a queue that resends unacknowledged SnCalled
// deliveries via sender every interval, up to maxAttempts times.
func NewResendQueue(sender CalledSender, log *observability.Logger, interval time.Duration, maxAttempts int) *ResendQueue {
	return &ResendQueue{
		pending:     make(map[string]*CalledDelivery),
		interval:    interval,
		maxAttempts: maxAttempts,
		sender:      sender,
		log:         log,
		now:         time.Now,
	}
}

func deliveryKey(callee object.ObjectId, seq uint32) string {
	b := make([]byte, 0, len(callee)+4)
	b = append(b, callee[:]...)
	b = append(b, byte(seq), byte(seq>>8), byte(seq>>16), byte(seq>>24))
	return string(b)
}

// Enqueue adds a new pending delivery and attempts the first send
// immediately.
func (q *ResendQueue) Enqueue(d *CalledDelivery) error {
	d.attempts = 1
	d.nextSend = q.now().Add(q.interval)

	q.mu.Lock()
	q.pending[deliveryKey(d.Callee, d.CallSeq)] = d
	q.mu.Unlock()

	return q.sender.SendCalled(d)
}

// Ack removes the pending delivery for (callee, seq), on SnCalledResp per
// spec.md §4.6 "On SnCalledResp it removes the pending entry."
func (q *ResendQueue) Ack(callee object.ObjectId, seq uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, deliveryKey(callee, seq))
}

// Tick drives one resend pass: every pending delivery whose nextSend has
// elapsed is resent, up to maxAttempts; deliveries that exhaust their
// attempt budget are dropped and logged.
func (q *ResendQueue) Tick() {
	q.mu.Lock()
	due := make([]*CalledDelivery, 0)
	now := q.now()
	for key, d := range q.pending {
		if now.Before(d.nextSend) {
			continue
		}
		if d.attempts >= q.maxAttempts {
			delete(q.pending, key)
			if q.log != nil {
				q.log.Warn("sn service: dropping SnCalled after exhausting resend attempts")
			}
			continue
		}
		d.attempts++
		d.nextSend = now.Add(q.interval)
		due = append(due, d)
	}
	q.mu.Unlock()

	for _, d := range due {
		_ = q.sender.SendCalled(d)
	}
}

// PendingCount reports the number of deliveries still awaiting an ack.
func (q *ResendQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CallStub de-duplicates (from, seq) pairs within a sliding window to
// prevent called-storms, per spec.md §4.6.
type CallStub struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewCallStub builds a dedup window of the given duration.
func NewCallStub(window time.Duration) *CallStub {
	return &CallStub{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Admit reports whether (from, seq) is new within the dedup window; a
// duplicate observed again inside the window is rejected.
func (s *CallStub) Admit(from object.ObjectId, seq uint32) bool {
	key := deliveryKey(from, seq)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if seen, ok := s.seen[key]; ok && now.Sub(seen) < s.window {
		return false
	}
	s.seen[key] = now
	s.sweepLocked(now)
	return true
}

func (s *CallStub) sweepLocked(now time.Time) {
	for key, seen := range s.seen {
		if now.Sub(seen) > s.window {
			delete(s.seen, key)
		}
	}
}
