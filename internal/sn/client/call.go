package client

import (
	"context"
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

// CallResult is what a successful SnCall resolves to: the remote Device
// plus which SN and endpoint path answered first, per spec.md §4.5.
type CallResult struct {
	Remote   *object.Device
	SN       object.ObjectId
	Endpoint object.Endpoint
	ViaTCP   bool
}

// CallTransport is the minimal hook CallSession needs to actually place
// calls; implemented by internal/stack's Stack in the real stack.
type CallTransport interface {
	SendSnCall(ctx context.Context, sn object.ObjectId, remote object.ObjectId, localEndpoints []object.Endpoint) error
	SendSnCallTCP(ctx context.Context, sn object.ObjectId, remote object.ObjectId) error
}

// activeEntry is one entry of the active-endpoint cache: the last path a
// call to a given remote resolved over, good for ActiveCacheLifetime before
// the full racing protocol is re-run, per spec.md §4.5 "fast path".
type activeEntry struct {
	result  CallResult
	created time.Time
}

// CallSession coordinates SnCall racing across the configured SN set and
// maintains the active-endpoint cache that lets repeat calls to a warm peer
// skip straight to a known-good path.
type CallSession struct {
	transport CallTransport
	ping      *PingClient
	log       *observability.Logger
	m         *observability.Metrics

	firstTryTimeout time.Duration
	callTimeout     time.Duration
	cacheLifetime   time.Duration

	mu      sync.Mutex
	active  map[object.ObjectId]activeEntry
	pending map[object.ObjectId][]chan *CallResult

	now func() time.Time
}

// NewCallSession builds a CallSession racing calls across sns via
// transport, blocking on ping for reachability before racing each SN.
func NewCallSession(transport CallTransport, ping *PingClient, log *observability.Logger, m *observability.Metrics, firstTryTimeout, callTimeout, cacheLifetime time.Duration) *CallSession {
	return &CallSession{
		transport:       transport,
		ping:            ping,
		log:             log,
		m:               m,
		firstTryTimeout: firstTryTimeout,
		callTimeout:     callTimeout,
		cacheLifetime:   cacheLifetime,
		active:          make(map[object.ObjectId]activeEntry),
		pending:         make(map[object.ObjectId][]chan *CallResult),
		now:             time.Now,
	}
}

// CachedResult returns a still-fresh active-path result for remote, if
// any, without touching the network. Exposed for resolvers that want to
// check the fast path before falling back to tunnel establishment.
func (c *CallSession) CachedResult(remote object.ObjectId) (CallResult, bool) {
	return c.cachedResult(remote)
}

// cachedResult returns a still-fresh active-path result for remote, if any.
func (c *CallSession) cachedResult(remote object.ObjectId) (CallResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.active[remote]
	if !ok {
		return CallResult{}, false
	}
	if c.now().Sub(entry.created) > c.cacheLifetime {
		delete(c.active, remote)
		return CallResult{}, false
	}
	return entry.result, true
}

// Call locates remote by racing SnCall across sns. If a still-fresh
// active-path entry exists for remote it is returned immediately without
// touching the network, per spec.md §4.5's cache-hit fast path.
func (c *CallSession) Call(ctx context.Context, sns []object.ObjectId, localEndpoints []object.Endpoint, remote object.ObjectId) (*CallResult, error) {
	start := c.now()
	if cached, ok := c.cachedResult(remote); ok {
		if c.m != nil {
			c.m.RecordCall("success", c.now().Sub(start).Seconds(), true)
		}
		result := cached
		return &result, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	result, err := c.race(callCtx, sns, localEndpoints, remote)
	if err != nil {
		if c.m != nil {
			c.m.RecordCall("failure", c.now().Sub(start).Seconds(), false)
		}
		return nil, err
	}

	c.mu.Lock()
	c.active[remote] = activeEntry{result: *result, created: c.now()}
	c.mu.Unlock()

	if c.m != nil {
		c.m.RecordCall("success", c.now().Sub(start).Seconds(), false)
	}
	return result, nil
}

// race fans SnCall out across every online SN's UDP path plus a TCP
// fallback per SN, first-writer-wins: the first CalledResp to arrive over
// any path settles the call and cancels the rest, per spec.md §4.5's
// FirstTry/SecondTry phases.
func (c *CallSession) race(ctx context.Context, sns []object.ObjectId, localEndpoints []object.Endpoint, remote object.ObjectId) (*CallResult, error) {
	resultCh := c.register(remote)
	defer c.unregister(remote, resultCh)

	var wg sync.WaitGroup
	firstTryCtx, cancelFirstTry := context.WithTimeout(ctx, c.firstTryTimeout)
	defer cancelFirstTry()

	for _, sn := range sns {
		sn := sn
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.ping.WaitOnline(firstTryCtx, sn) {
				return
			}
			_ = c.transport.SendSnCall(firstTryCtx, sn, remote, localEndpoints)
		}()
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-firstTryCtx.Done():
		// SecondTry: escalate to TCP per SN while the UDP race keeps running
		// in the background (wg is not waited on here; goroutines exit on
		// their own once firstTryCtx or the outer ctx ends).
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for _, sn := range sns {
		sn := sn
		go func() {
			_ = c.transport.SendSnCallTCP(ctx, sn, remote)
		}()
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CallSession) register(remote object.ObjectId) chan *CallResult {
	ch := make(chan *CallResult, 1)
	c.mu.Lock()
	c.pending[remote] = append(c.pending[remote], ch)
	c.mu.Unlock()
	return ch
}

func (c *CallSession) unregister(remote object.ObjectId, ch chan *CallResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[remote]
	for i, w := range waiters {
		if w == ch {
			c.pending[remote] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.pending[remote]) == 0 {
		delete(c.pending, remote)
	}
}

// OnCalledResp is invoked by the Stack's dispatcher when an SnCalledResp or
// direct CalledResp arrives for remote, over any path. Only the first
// delivery per outstanding Call actually settles a waiter; later or
// duplicate arrivals are silently dropped (first-writer-wins, per
// spec.md §4.5).
func (c *CallSession) OnCalledResp(remote object.ObjectId, result CallResult) {
	c.mu.Lock()
	waiters := c.pending[remote]
	c.mu.Unlock()
	if len(waiters) == 0 {
		return
	}
	for _, ch := range waiters {
		select {
		case ch <- &result:
		default:
		}
	}
}

// InvalidateActive drops any cached active path for remote, forcing the
// next Call to re-race the full protocol. Used when a cached path starts
// failing at the tunnel layer.
func (c *CallSession) InvalidateActive(remote object.ObjectId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, remote)
}
