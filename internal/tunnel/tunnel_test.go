package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
)

func remoteId(b byte) object.ObjectId {
	var id object.ObjectId
	id[0] = b
	return id
}

type fakeResolver struct {
	cached        map[object.ObjectId]object.Endpoint
	holepunchOK   bool
	callAssistEPs []object.Endpoint
	proxyEP       object.Endpoint
	proxyErr      error
}

func (f *fakeResolver) CachedEndpoint(remote object.ObjectId) (object.Endpoint, bool) {
	ep, ok := f.cached[remote]
	return ep, ok
}

func (f *fakeResolver) Holepunch(ctx context.Context, remote object.ObjectId, remoteEndpoints []object.Endpoint) (object.Endpoint, bool) {
	if f.holepunchOK {
		return object.Endpoint{Protocol: "udp", Addr: "10.0.0.1:9000"}, true
	}
	return object.Endpoint{}, false
}

func (f *fakeResolver) CallAssist(ctx context.Context, remote object.ObjectId) ([]object.Endpoint, error) {
	return f.callAssistEPs, nil
}

func (f *fakeResolver) ProxyVia(ctx context.Context, remote object.ObjectId) (object.Endpoint, error) {
	return f.proxyEP, f.proxyErr
}

func newTestManager(resolver Resolver) *Manager {
	return NewManager(resolver, nil, nil, 30*time.Millisecond, 30*time.Millisecond, time.Hour, time.Minute, 3*time.Minute, 50*time.Millisecond)
}

func TestConnectUsesCachedEndpointFirst(t *testing.T) {
	remote := remoteId(1)
	resolver := &fakeResolver{cached: map[object.ObjectId]object.Endpoint{
		remote: {Protocol: "udp", Addr: "1.1.1.1:1000"},
	}}
	mgr := newTestManager(resolver)

	tun, err := mgr.Connect(context.Background(), remote, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tun.Active().Kind != KindUDP || tun.Active().Endpoint.Addr != "1.1.1.1:1000" {
		t.Fatalf("expected cached endpoint to win, got %+v", tun.Active())
	}
}

func TestConnectFallsThroughToHolepunch(t *testing.T) {
	remote := remoteId(2)
	resolver := &fakeResolver{holepunchOK: true}
	mgr := newTestManager(resolver)

	tun, err := mgr.Connect(context.Background(), remote, []object.Endpoint{{Protocol: "udp", Addr: "2.2.2.2:2000"}})
	if err != nil {
		t.Fatal(err)
	}
	if tun.Active().Kind != KindUDP {
		t.Fatalf("expected holepunch to resolve a UDP path, got %+v", tun.Active())
	}
}

func TestConnectFallsThroughToProxyWhenAllElseFails(t *testing.T) {
	remote := remoteId(3)
	resolver := &fakeResolver{
		proxyEP: object.Endpoint{Protocol: "udp", Addr: "9.9.9.9:9999"},
	}
	mgr := newTestManager(resolver)

	tun, err := mgr.Connect(context.Background(), remote, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tun.Active().Kind != KindProxy {
		t.Fatalf("expected proxy fallback, got %+v", tun.Active())
	}
}

func TestConnectReturnsErrNoPathWhenEverythingFails(t *testing.T) {
	remote := remoteId(4)
	resolver := &fakeResolver{proxyErr: errors.New("no PN available")}
	mgr := newTestManager(resolver)

	if _, err := mgr.Connect(context.Background(), remote, nil); err != ErrNoPath {
		t.Fatalf("expected ErrNoPath, got %v", err)
	}
}

func TestSubTunnelDeathStartsRetainCountdownNotImmediateRemoval(t *testing.T) {
	remote := remoteId(5)
	resolver := &fakeResolver{holepunchOK: true}
	mgr := newTestManager(resolver)

	if _, err := mgr.Connect(context.Background(), remote, nil); err != nil {
		t.Fatal(err)
	}

	mgr.OnSubTunnelDied(remote)

	// Tunnel must survive immediately after sub-tunnel death.
	if _, ok := mgr.Get(remote); !ok {
		t.Fatal("expected tunnel to survive sub-tunnel death until retain_timeout")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := mgr.Get(remote); ok {
		t.Fatal("expected tunnel to be reaped after retain_timeout elapses")
	}
}

func TestSweepRemovesOnlyExpiredTunnels(t *testing.T) {
	resolver := &fakeResolver{holepunchOK: true}
	mgr := newTestManager(resolver)

	liveRemote := remoteId(6)
	if _, err := mgr.Connect(context.Background(), liveRemote, nil); err != nil {
		t.Fatal(err)
	}

	deadRemote := remoteId(7)
	if _, err := mgr.Connect(context.Background(), deadRemote, nil); err != nil {
		t.Fatal(err)
	}
	mgr.OnSubTunnelDied(deadRemote)
	time.Sleep(80 * time.Millisecond)

	removed := mgr.Sweep()
	if removed != 1 {
		t.Fatalf("expected exactly one expired tunnel removed, got %d", removed)
	}
	if mgr.Count() != 1 {
		t.Fatalf("expected one live tunnel left, got %d", mgr.Count())
	}
}

type fakePinger struct {
	failFor map[object.ObjectId]bool
}

func (f *fakePinger) Ping(ctx context.Context, remote object.ObjectId, sub *SubTunnel) error {
	if f.failFor[remote] {
		return errors.New("ping failed")
	}
	sub.OnPong()
	return nil
}

func TestKeepalivePingFailureKillsSubTunnel(t *testing.T) {
	remote := remoteId(8)
	resolver := &fakeResolver{holepunchOK: true}
	mgr := newTestManager(resolver)
	tun, err := mgr.Connect(context.Background(), remote, nil)
	if err != nil {
		t.Fatal(err)
	}

	pinger := &fakePinger{failFor: map[object.ObjectId]bool{remote: true}}
	mgr.pingRound(context.Background(), pinger)

	tun.mu.Lock()
	retainSet := !tun.retainUntil.IsZero()
	tun.mu.Unlock()
	if !retainSet {
		t.Fatal("expected a failed ping to start the retain countdown")
	}
}
