// Package client implements the SN client side: a PingClient that registers
// a local Device with each configured SN and tracks its reachability, and a
// CallSession that locates a remote Device by racing the SN call protocol
// across multiple SNs and network paths, per spec.md §4.4-§4.5.
package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

// PingState is the per-SN ping state machine: Idle -> Active(seq) ->
// Online | Stale, per spec.md §4.4.
type PingState uint8

const (
	PingIdle PingState = iota
	PingActive
	PingOnline
	PingStale
)

// Sender is the minimal transport hook a PingClient needs: send an SnPing
// datagram to an SN endpoint. The real implementation is internal/stack's
// Stack; this interface keeps client testable without a socket.
type Sender interface {
	SendSnPing(ctx context.Context, sn object.ObjectId, seq uint32, device *object.Device) error
}

// pingPeer is the per-SN bookkeeping a PingClient keeps.
type pingPeer struct {
	mu       sync.Mutex
	sn       object.ObjectId
	state    PingState
	seq      uint32
	waiters  []chan bool
	observed object.Endpoint
	limiter  *rate.Limiter
}

// PingClient drives the ping state machine for a set of SNs and exposes
// wait_online, the hook the call layer blocks on.
type PingClient struct {
	sender Sender
	device *object.Device
	log    *observability.Logger
	m      *observability.Metrics

	pingInterval      time.Duration
	resendInterval    time.Duration
	resendTimeout     time.Duration

	mu    sync.Mutex
	peers map[object.ObjectId]*pingPeer

	now func() time.Time
}

// NewPingClient creates a client for the given SN set. pingInterval governs
// the steady-state registration cadence; resendInterval/resendTimeout
// govern the UDP resend budget per round, per spec.md §4.4.
func NewPingClient(sender Sender, device *object.Device, log *observability.Logger, m *observability.Metrics, pingInterval, resendInterval, resendTimeout time.Duration) *PingClient {
	return &PingClient{
		sender:         sender,
		device:         device,
		log:            log,
		m:              m,
		pingInterval:   pingInterval,
		resendInterval: resendInterval,
		resendTimeout:  resendTimeout,
		peers:          make(map[object.ObjectId]*pingPeer),
		now:            time.Now,
	}
}

func (c *PingClient) peerFor(sn object.ObjectId) *pingPeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[sn]
	if !ok {
		p = &pingPeer{sn: sn, state: PingIdle, limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 4)}
		c.peers[sn] = p
	}
	return p
}

// Run starts the ping loop for sn until ctx is cancelled. It is meant to be
// launched once per configured SN, as a goroutine owned by the Stack.
func (c *PingClient) Run(ctx context.Context, sn object.ObjectId) {
	peer := c.peerFor(sn)
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	c.pingRound(ctx, peer)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pingRound(ctx, peer)
		}
	}
}

func (c *PingClient) pingRound(ctx context.Context, peer *pingPeer) {
	peer.mu.Lock()
	peer.seq++
	seq := peer.seq
	peer.state = PingActive
	peer.mu.Unlock()

	start := c.now()
	deadline := start.Add(c.resendTimeout)

	ticker := time.NewTicker(c.resendInterval)
	defer ticker.Stop()

	send := func() {
		if err := peer.limiter.Wait(ctx); err != nil {
			return
		}
		_ = c.sender.SendSnPing(ctx, peer.sn, seq, c.device)
	}
	send()

	for c.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}

	// No response within the resend budget: go Stale and wake waiters with
	// false so wait_online callers can fall through to a different SN.
	peer.mu.Lock()
	if peer.state != PingOnline {
		peer.state = PingStale
		c.wakeLocked(peer, false)
	}
	peer.mu.Unlock()
	if c.m != nil {
		c.m.RecordPingRound(false, c.now().Sub(start).Seconds())
	}
}

// OnPingResp is invoked by the Stack's dispatcher when an SnPingResp
// arrives for sn, carrying the peer's observed external endpoint. Ping resp
// updates to a peer are serialised per SN by this single call path, per
// spec.md §5.
func (c *PingClient) OnPingResp(sn object.ObjectId, seq uint32, observed object.Endpoint, rtt time.Duration) {
	peer := c.peerFor(sn)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if seq != peer.seq {
		return // stale response for an earlier round
	}
	peer.state = PingOnline
	peer.observed = observed
	c.wakeLocked(peer, true)
	if c.log != nil {
		c.log.PingRoundTrip(sn.String(), seq, true, rtt)
	}
	if c.m != nil {
		c.m.RecordPingRound(true, rtt.Seconds())
	}
}

func (c *PingClient) wakeLocked(peer *pingPeer, online bool) {
	for _, ch := range peer.waiters {
		ch <- online
		close(ch)
	}
	peer.waiters = nil
}

// WaitOnline blocks until sn transitions to Online or Stale (or ctx ends),
// returning whether it is online. This is the hook the call layer uses
// before racing a CallSession against sn.
func (c *PingClient) WaitOnline(ctx context.Context, sn object.ObjectId) bool {
	peer := c.peerFor(sn)

	peer.mu.Lock()
	switch peer.state {
	case PingOnline:
		peer.mu.Unlock()
		return true
	case PingStale:
		peer.mu.Unlock()
		return false
	}
	ch := make(chan bool, 1)
	peer.waiters = append(peer.waiters, ch)
	peer.mu.Unlock()

	select {
	case online := <-ch:
		return online
	case <-ctx.Done():
		return false
	}
}

// ObservedEndpoint returns the last externally-observed endpoint for sn, if
// any ping round has completed.
func (c *PingClient) ObservedEndpoint(sn object.ObjectId) (object.Endpoint, bool) {
	peer := c.peerFor(sn)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.state != PingOnline {
		return object.Endpoint{}, false
	}
	return peer.observed, true
}

// OnlineCount reports how many tracked SNs are currently Online, used by
// observability.SNReachabilityCheck.
func (c *PingClient) OnlineCount() (online, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		p.mu.Lock()
		total++
		if p.state == PingOnline {
			online++
		}
		p.mu.Unlock()
	}
	return online, total
}
