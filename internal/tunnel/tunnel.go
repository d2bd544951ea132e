// Package tunnel implements the TunnelManager: one Tunnel per remote
// DeviceId, backed by whichever sub-tunnel (UDP or PN proxy) the
// 4-step resolution order in spec.md §4.7 lands on, with keepalives and a
// retain timer so a Tunnel survives individual sub-tunnel failures.
// KindTCP is defined but resolution never produces a TCP sub-tunnel.
package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

// Kind identifies which sub-tunnel carries a Tunnel's traffic.
type Kind uint8

const (
	KindNone Kind = iota
	KindUDP
	KindTCP
	KindProxy
)

func (k Kind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindTCP:
		return "tcp"
	case KindProxy:
		return "proxy"
	default:
		return "none"
	}
}

// ErrNoPath is returned when all four resolution steps fail to produce a
// usable path within their timeouts.
var ErrNoPath = errors.New("tunnel: no path to remote")

// Resolver implements the four path-resolution steps a Tunnel tries in
// order: a cached endpoint, direct holepunch probing, an SN-call-assisted
// retry, and PN proxying.
type Resolver interface {
	// CachedEndpoint returns a previously-active endpoint for remote, if
	// the SN call layer still has one warm.
	CachedEndpoint(remote object.ObjectId) (object.Endpoint, bool)
	// Holepunch sends a TunnelProbe to every (local, remote) endpoint pair
	// and returns the first endpoint to echo back, or ok=false on timeout.
	Holepunch(ctx context.Context, remote object.ObjectId, remoteEndpoints []object.Endpoint) (object.Endpoint, bool)
	// CallAssist re-invokes the SN call layer to learn a fresh set of
	// remote endpoints when direct holepunch fails.
	CallAssist(ctx context.Context, remote object.ObjectId) ([]object.Endpoint, error)
	// ProxyVia asks an active PN to relay traffic to remote, returning the
	// PN's proxy endpoint.
	ProxyVia(ctx context.Context, remote object.ObjectId) (object.Endpoint, error)
}

// SubTunnel is one established path: a concrete endpoint plus the means to
// keep it alive and detect death.
type SubTunnel struct {
	Kind     Kind
	Endpoint object.Endpoint

	mu         sync.Mutex
	lastPong   time.Time
	pingTimeout time.Duration
	alive      bool
}

func newSubTunnel(kind Kind, ep object.Endpoint, pingTimeout time.Duration) *SubTunnel {
	return &SubTunnel{Kind: kind, Endpoint: ep, lastPong: time.Now(), pingTimeout: pingTimeout, alive: true}
}

// OnPong records a fresh keepalive response.
func (s *SubTunnel) OnPong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPong = time.Now()
	s.alive = true
}

// Alive reports whether a pong has arrived within pingTimeout.
func (s *SubTunnel) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastPong) > s.pingTimeout {
		s.alive = false
	}
	return s.alive
}

// Tunnel is the per-remote-Device object the TunnelManager hands out. It
// may be rebuilt onto a different sub-tunnel across its lifetime but
// keeps the same identity until RetainTimeout elapses with no live
// sub-tunnel.
type Tunnel struct {
	Remote object.ObjectId

	mu         sync.Mutex
	sub        *SubTunnel
	diedAt     time.Time
	retainUntil time.Time
}

// Active returns the current sub-tunnel, or nil if none is established.
func (t *Tunnel) Active() *SubTunnel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub
}

// Expired reports whether the Tunnel has had no live sub-tunnel for longer
// than its retain timeout and should be torn down.
func (t *Tunnel) Expired(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil && t.sub.Alive() {
		return false
	}
	return !t.retainUntil.IsZero() && now.After(t.retainUntil)
}

// Manager owns DeviceId -> Tunnel, builds Tunnels lazily on first use per
// spec.md §4.7, and runs keepalive/retain-timer sweeps.
type Manager struct {
	resolver Resolver
	log      *observability.Logger
	m        *observability.Metrics

	connectTimeout  time.Duration
	retrySNTimeout  time.Duration
	pingInterval    time.Duration
	pingTimeoutMin  time.Duration
	pingTimeoutMax  time.Duration
	retainTimeout   time.Duration

	mu      sync.Mutex
	tunnels map[object.ObjectId]*Tunnel

	now func() time.Time
}

// NewManager builds a TunnelManager using resolver for all path
// resolution, with the timeouts from spec.md §4.7.
func NewManager(resolver Resolver, log *observability.Logger, m *observability.Metrics, connectTimeout, retrySNTimeout, pingInterval, pingTimeoutMin, pingTimeoutMax, retainTimeout time.Duration) *Manager {
	return &Manager{
		resolver:       resolver,
		log:            log,
		m:              m,
		connectTimeout: connectTimeout,
		retrySNTimeout: retrySNTimeout,
		pingInterval:   pingInterval,
		pingTimeoutMin: pingTimeoutMin,
		pingTimeoutMax: pingTimeoutMax,
		retainTimeout:  retainTimeout,
		tunnels:        make(map[object.ObjectId]*Tunnel),
		now:            time.Now,
	}
}

// Get returns the existing Tunnel for remote, if one has already been
// built and has not expired.
func (mgr *Manager) Get(remote object.ObjectId) (*Tunnel, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	t, ok := mgr.tunnels[remote]
	if !ok {
		return nil, false
	}
	if t.Expired(mgr.now()) {
		delete(mgr.tunnels, remote)
		return nil, false
	}
	return t, true
}

// Connect resolves (building if needed) a Tunnel to remote, running the
// four-step resolution order: cached endpoint, direct holepunch,
// SN-call-assisted retry, PN proxy.
func (mgr *Manager) Connect(ctx context.Context, remote object.ObjectId, remoteEndpoints []object.Endpoint) (*Tunnel, error) {
	if t, ok := mgr.Get(remote); ok {
		if sub := t.Active(); sub != nil && sub.Alive() {
			return t, nil
		}
	}

	kind, ep, err := mgr.resolve(ctx, remote, remoteEndpoints)
	if err != nil {
		return nil, err
	}

	// Proxied paths add a relay hop's worth of jitter, so they get the
	// longer end of the ping-timeout range; direct paths get the shorter.
	pingTimeout := mgr.pingTimeoutMin
	if kind == KindProxy {
		pingTimeout = mgr.pingTimeoutMax
	}

	mgr.mu.Lock()
	t, ok := mgr.tunnels[remote]
	if !ok {
		t = &Tunnel{Remote: remote}
		mgr.tunnels[remote] = t
	}
	mgr.mu.Unlock()

	t.mu.Lock()
	t.sub = newSubTunnel(kind, ep, pingTimeout)
	t.diedAt = time.Time{}
	t.retainUntil = time.Time{}
	t.mu.Unlock()

	if mgr.log != nil {
		mgr.log.TunnelEstablished(remote.String(), kind.String())
	}
	if mgr.m != nil {
		mgr.m.RecordTunnelEstablish(kind.String(), true)
	}
	return t, nil
}

// resolve runs the 4-step order and returns the winning Kind/Endpoint.
func (mgr *Manager) resolve(ctx context.Context, remote object.ObjectId, remoteEndpoints []object.Endpoint) (Kind, object.Endpoint, error) {
	if ep, ok := mgr.resolver.CachedEndpoint(remote); ok {
		return KindUDP, ep, nil
	}

	holepunchCtx, cancel := context.WithTimeout(ctx, mgr.connectTimeout)
	defer cancel()
	if ep, ok := mgr.resolver.Holepunch(holepunchCtx, remote, remoteEndpoints); ok {
		if mgr.m != nil {
			mgr.m.RecordHolepunch(true)
		}
		return KindUDP, ep, nil
	}
	if mgr.m != nil {
		mgr.m.RecordHolepunch(false)
	}

	retryCtx, cancelRetry := context.WithTimeout(ctx, mgr.retrySNTimeout)
	defer cancelRetry()
	if fresh, err := mgr.resolver.CallAssist(retryCtx, remote); err == nil && len(fresh) > 0 {
		if ep, ok := mgr.resolver.Holepunch(retryCtx, remote, fresh); ok {
			return KindUDP, ep, nil
		}
	}

	proxyEp, err := mgr.resolver.ProxyVia(ctx, remote)
	if err != nil {
		return KindNone, object.Endpoint{}, ErrNoPath
	}
	return KindProxy, proxyEp, nil
}

// OnSubTunnelDied marks the sub-tunnel for remote dead and starts its
// retain-timeout countdown; the Tunnel itself survives until
// retainTimeout elapses, per spec.md §4.7.
func (mgr *Manager) OnSubTunnelDied(remote object.ObjectId) {
	mgr.mu.Lock()
	t, ok := mgr.tunnels[remote]
	mgr.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if t.sub != nil {
		t.sub.mu.Lock()
		t.sub.alive = false
		t.sub.mu.Unlock()
	}
	t.diedAt = mgr.now()
	t.retainUntil = t.diedAt.Add(mgr.retainTimeout)
	t.mu.Unlock()
}

// Sweep removes Tunnels that have exceeded their retain timeout with no
// live sub-tunnel, returning the count removed.
func (mgr *Manager) Sweep() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	removed := 0
	now := mgr.now()
	for id, t := range mgr.tunnels {
		if t.Expired(now) {
			delete(mgr.tunnels, id)
			removed++
		}
	}
	return removed
}

// Count reports the number of live Tunnels.
func (mgr *Manager) Count() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.tunnels)
}
