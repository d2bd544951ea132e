package tunnel

import (
	"context"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
)

// Pinger is the transport hook used to keep a sub-tunnel alive.
type Pinger interface {
	Ping(ctx context.Context, remote object.ObjectId, sub *SubTunnel) error
}

// RunKeepalive drives ping_interval/ping_timeout keepalives for every live
// Tunnel, and periodically sweeps expired ones, until ctx is cancelled.
// Grounded on the teacher's goroutine+ticker+quit-channel idiom
// (daemon/transport/autotune.go).
func (mgr *Manager) RunKeepalive(ctx context.Context, pinger Pinger) {
	ticker := time.NewTicker(mgr.pingInterval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(mgr.retainTimeout / 2)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.pingRound(ctx, pinger)
		case <-sweepTicker.C:
			mgr.Sweep()
		}
	}
}

func (mgr *Manager) pingRound(ctx context.Context, pinger Pinger) {
	mgr.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(mgr.tunnels))
	for _, t := range mgr.tunnels {
		tunnels = append(tunnels, t)
	}
	mgr.mu.Unlock()

	for _, t := range tunnels {
		sub := t.Active()
		if sub == nil {
			continue
		}
		if err := pinger.Ping(ctx, t.Remote, sub); err != nil {
			mgr.OnSubTunnelDied(t.Remote)
			continue
		}
		if !sub.Alive() {
			mgr.OnSubTunnelDied(t.Remote)
		}
	}
}
