// Package stack wires every BDT/NDN component into one running node: a
// DeviceCache, a Keystore, a NetManager (UDP socket), a TunnelManager,
// and an SnClient, per spec.md §3's "Lifetimes/ownership" note. Grounded
// on the teacher's daemon/main.go construction order and
// original_source's stack.rs component list.
package stack

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/cyfs-io/bdt/internal/cc/bbr"
	"github.com/cyfs-io/bdt/internal/channel"
	"github.com/cyfs-io/bdt/internal/chunkengine"
	"github.com/cyfs-io/bdt/internal/codec"
	"github.com/cyfs-io/bdt/internal/crypto"
	"github.com/cyfs-io/bdt/internal/keystore"
	net2 "github.com/cyfs-io/bdt/internal/net"
	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
	"github.com/cyfs-io/bdt/internal/packagebox"
	snclient "github.com/cyfs-io/bdt/internal/sn/client"
	snservice "github.com/cyfs-io/bdt/internal/sn/service"
	"github.com/cyfs-io/bdt/internal/tunnel"
)

// Stack is one running BDT/NDN node.
type Stack struct {
	cfg      Config
	log      *observability.Logger
	metrics  *observability.Metrics
	local    *object.Device
	identity crypto.X25519KeyPair
	signer   crypto.Ed25519KeyPair

	Devices  *DeviceCache
	Keys     *keystore.Keystore
	PeerKeys *PeerKeys
	Store    *chunkengine.Store
	UDP      *net2.UDPManager
	TCP      net2.TCPDialer
	Tunnels  *tunnel.Manager
	Ping     *snclient.PingClient
	Calls    *snclient.CallSession
	SNPeers  *snservice.PeerManager

	mu            sync.RWMutex
	endpointPeers map[string]object.ObjectId

	runCtx    context.Context
	channelMu sync.Mutex
	senders   map[[16]byte]*channel.SenderSession
	receivers map[[16]byte]*channel.ReceiverSession

	pnMu    sync.Mutex
	pnShims map[object.ObjectId]*proxyShim
}

// NewStack builds and wires a Stack bound to udpAddr, for local acting
// under identity/signer.
func NewStack(cfg Config, local *object.Device, identity crypto.X25519KeyPair, signer crypto.Ed25519KeyPair, udpAddr string, log *observability.Logger, metrics *observability.Metrics) (*Stack, error) {
	udp, err := net2.ListenUDP(udpAddr, log)
	if err != nil {
		return nil, fmt.Errorf("stack: failed to bind udp: %w", err)
	}

	s := &Stack{
		cfg:           cfg,
		log:           log,
		metrics:       metrics,
		local:         local,
		identity:      identity,
		signer:        signer,
		Devices:       NewDeviceCache(cfg.DeviceCacheCapacity, cfg.DeviceCacheExpire),
		Keys:          keystore.New(identity, &signer, cfg.KeystoreCapacity),
		PeerKeys:      NewPeerKeys(),
		Store:         chunkengine.NewStore(),
		UDP:           udp,
		TCP:           net2.TCPDialer{Timeout: cfg.TunnelConnectTimeout},
		SNPeers:       snservice.NewPeerManager(cfg.SNKnockTimeout),
		endpointPeers: make(map[string]object.ObjectId),
		senders:       make(map[[16]byte]*channel.SenderSession),
		receivers:     make(map[[16]byte]*channel.ReceiverSession),
		pnShims:       make(map[object.ObjectId]*proxyShim),
	}

	s.Ping = snclient.NewPingClient(s, local, log, metrics, cfg.PingInterval, cfg.ResendInterval, cfg.ResendTimeout)
	s.Calls = snclient.NewCallSession(s, s.Ping, log, metrics, cfg.CallFirstTryTimeout, cfg.CallTimeout, cfg.CallCacheLifetime)
	s.Tunnels = tunnel.NewManager(s, log, metrics, cfg.TunnelConnectTimeout, cfg.TunnelRetrySNTimeout, cfg.TunnelPingInterval, cfg.TunnelPingTimeoutMin, cfg.TunnelPingTimeoutMax, cfg.TunnelRetainTimeout)

	return s, nil
}

// Run starts the UDP receive loop and the tunnel manager's keepalive
// sweep, blocking until ctx is cancelled.
func (s *Stack) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	go s.Tunnels.RunKeepalive(ctx, tunnelPinger{s})
	s.UDP.Run(ctx, s.onDatagram)
}

// NewPieceWindow builds a BBR-backed congestion window sized for pieceSize
// pieces, for a SenderSession driving traffic to remote.
func (s *Stack) NewPieceWindow(pieceSize uint64) *bbr.PieceWindow {
	ctrl := bbr.NewController(1200, bbr.DefaultConfig())
	return bbr.NewPieceWindow(ctrl, pieceSize)
}

func (s *Stack) rememberPeer(ep object.Endpoint, peer object.ObjectId) {
	s.mu.Lock()
	s.endpointPeers[ep.Addr] = peer
	s.mu.Unlock()
}

func (s *Stack) peerKeyFor(peer object.ObjectId) (keystore.MixAesKey, error) {
	if info, err := s.Keys.GetKeyByRemote(peer, true); err == nil {
		return info.Key, nil
	}
	pub, ok := s.PeerKeys.Lookup(peer)
	if !ok {
		// No exchanged key and no registered static key: derive a
		// placeholder from the peer id so traffic can flow before a full
		// Exchange handshake completes. A production deployment replaces
		// this with the real X25519 key carried by a richer device
		// descriptor.
		pub = sha256.Sum256(peer[:])
	}
	found, err := s.Keys.CreateKey(peer, pub, true)
	if err != nil {
		return keystore.MixAesKey{}, err
	}
	return found.Info.Key, nil
}

func (s *Stack) encodeAndSend(ep object.Endpoint, peer object.ObjectId, cmd packagebox.CmdCode, body []byte) error {
	key, err := s.peerKeyFor(peer)
	if err != nil {
		return fmt.Errorf("stack: no key for peer %s: %w", peer, err)
	}
	box := &packagebox.Box{
		RemoteDeviceId: peer,
		Packages:       []packagebox.Package{{Cmd: cmd, Body: body}},
	}
	wire, err := packagebox.EncodeUDP(box, key)
	if err != nil {
		return err
	}
	s.rememberPeer(ep, peer)
	return s.UDP.SendTo(ep, wire)
}

func (s *Stack) onDatagram(from object.Endpoint, payload []byte) {
	s.mu.RLock()
	peer, known := s.endpointPeers[from.Addr]
	s.mu.RUnlock()
	if !known {
		if s.log != nil {
			s.log.Warn("stack: datagram from unrecognized endpoint dropped")
		}
		return
	}

	info, err := s.Keys.GetKeyByRemote(peer, true)
	if err != nil {
		if s.log != nil {
			s.log.Error(err, "stack: no key to decode datagram")
		}
		return
	}
	box, err := packagebox.DecodeUDP(payload, info.Key)
	if err != nil {
		if s.log != nil {
			s.log.Error(err, "stack: malformed datagram dropped")
		}
		return
	}

	for _, pkg := range box.Packages {
		s.dispatch(from, peer, pkg)
	}
}

func (s *Stack) backgroundCtx() context.Context {
	s.mu.RLock()
	ctx := s.runCtx
	s.mu.RUnlock()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func (s *Stack) dispatch(from object.Endpoint, peer object.ObjectId, pkg packagebox.Package) {
	switch pkg.Cmd {
	case packagebox.CmdSnPing:
		s.handleSnPing(from, peer, pkg.Body)
	case packagebox.CmdSnPingResp:
		seq, observed, rtt, ok := decodePingResp(pkg.Body)
		if ok {
			s.Ping.OnPingResp(peer, seq, observed, rtt)
		}
	case packagebox.CmdSnCalledResp:
		s.Calls.OnCalledResp(peer, snclient.CallResult{Remote: nil, SN: peer, Endpoint: from})
	case packagebox.CmdInterest:
		interest, err := channel.DecodeInterest(pkg.Body)
		if err != nil {
			return
		}
		s.serveInterest(s.backgroundCtx(), peer, from, interest)
	case packagebox.CmdRespInterest:
		// RespInterest is the serving side's reply to an Interest
		// (acceptance or an error such as NotFound). It is ignored here;
		// the initiating Download watches its own ReceiverSession.
	case packagebox.CmdPieceData:
		pd, err := channel.DecodePieceData(pkg.Body)
		if err != nil {
			return
		}
		s.channelMu.Lock()
		session, ok := s.receivers[pd.SessionID]
		s.channelMu.Unlock()
		if ok {
			session.OnPieceData(s.backgroundCtx(), pd)
		}
	case packagebox.CmdPieceControl:
		pc, err := channel.DecodePieceControl(pkg.Body)
		if err != nil {
			return
		}
		s.channelMu.Lock()
		session, ok := s.senders[pc.SessionID]
		s.channelMu.Unlock()
		if ok {
			session.OnPieceControl(s.backgroundCtx(), pc)
		}
	default:
		if s.log != nil {
			s.log.Debug(fmt.Sprintf("stack: unhandled cmd code %d from %s", pkg.Cmd, peer))
		}
	}
}

// --- snclient.Sender ---

// SendSnPing implements sn/client.Sender. The ping payload carries the
// local device's current body (endpoints, SN/PN lists) so the SN side can
// register it without a separate exchange round-trip.
func (s *Stack) SendSnPing(ctx context.Context, sn object.ObjectId, seq uint32, device *object.Device) error {
	ep, ok := s.resolveSNEndpoint(sn)
	if !ok {
		return fmt.Errorf("stack: no known endpoint for sn %s", sn)
	}
	w := codec.NewWriter()
	w.PutU32(seq)
	if err := w.PutBytes(codec.MarshalDeviceBody(&device.Body)); err != nil {
		return err
	}
	return s.encodeAndSend(ep, sn, packagebox.CmdSnPing, w.Bytes())
}

// handleSnPing is the SN side of the ping protocol: it decodes the
// caller's device body, records the registration in SNPeers, and replies
// with an SnPingResp acknowledging the sequence number.
func (s *Stack) handleSnPing(from object.Endpoint, peer object.ObjectId, body []byte) {
	r := codec.NewReader(body)
	seq, err := r.U32()
	if err != nil {
		return
	}
	bodyBytes, err := r.Bytes()
	if err != nil {
		return
	}
	devBody, err := codec.UnmarshalDeviceBody(bodyBytes)
	if err != nil {
		if s.log != nil {
			s.log.Error(err, "stack: malformed device body in SnPing")
		}
		return
	}
	s.SNPeers.Touch(peer, &object.Device{Body: *devBody}, from, seq, true)

	w := codec.NewWriter()
	w.PutU32(seq)
	if err := s.encodeAndSend(from, peer, packagebox.CmdSnPingResp, w.Bytes()); err != nil && s.log != nil {
		s.log.Error(err, "stack: failed to send SnPingResp")
	}
}

func (s *Stack) resolveSNEndpoint(sn object.ObjectId) (object.Endpoint, bool) {
	if d, ok := s.Devices.Get(sn); ok && len(d.Body.Endpoints) > 0 {
		return d.Body.Endpoints[0], true
	}
	return object.Endpoint{}, false
}

func decodePingResp(body []byte) (seq uint32, observed object.Endpoint, rtt time.Duration, ok bool) {
	r := codec.NewReader(body)
	v, err := r.U32()
	if err != nil {
		return 0, object.Endpoint{}, 0, false
	}
	return v, object.Endpoint{}, 0, true
}

// --- snclient.CallTransport ---

// SendSnCall implements sn/client.CallTransport.
func (s *Stack) SendSnCall(ctx context.Context, sn object.ObjectId, remote object.ObjectId, localEndpoints []object.Endpoint) error {
	ep, ok := s.resolveSNEndpoint(sn)
	if !ok {
		return fmt.Errorf("stack: no known endpoint for sn %s", sn)
	}
	w := codec.NewWriter()
	w.PutRaw(remote[:])
	return s.encodeAndSend(ep, sn, packagebox.CmdSnCall, w.Bytes())
}

// SendSnCallTCP implements sn/client.CallTransport's SecondTry escalation.
func (s *Stack) SendSnCallTCP(ctx context.Context, sn object.ObjectId, remote object.ObjectId) error {
	ep, ok := s.resolveSNEndpoint(sn)
	if !ok {
		return fmt.Errorf("stack: no known endpoint for sn %s", sn)
	}
	conn, err := s.TCP.Dial(ep)
	if err != nil {
		return err
	}
	defer conn.Close()

	key, err := s.peerKeyFor(sn)
	if err != nil {
		return err
	}
	w := codec.NewWriter()
	w.PutRaw(remote[:])
	box := &packagebox.Box{RemoteDeviceId: sn, Packages: []packagebox.Package{{Cmd: packagebox.CmdSnCall, Body: w.Bytes()}}}
	wire, err := packagebox.EncodeTCP(box, key)
	if err != nil {
		return err
	}
	_, err = conn.Write(wire)
	return err
}

// --- tunnel.Resolver ---

// CachedEndpoint implements tunnel.Resolver using the SN call layer's
// active-endpoint cache.
func (s *Stack) CachedEndpoint(remote object.ObjectId) (object.Endpoint, bool) {
	result, ok := s.Calls.CachedResult(remote)
	if !ok {
		return object.Endpoint{}, false
	}
	return result.Endpoint, true
}

// Holepunch implements tunnel.Resolver by sending a TunnelProbe to each
// remote endpoint in turn and returning the first one the probe could be
// sent to. It does not wait for an echo from the remote.
func (s *Stack) Holepunch(ctx context.Context, remote object.ObjectId, remoteEndpoints []object.Endpoint) (object.Endpoint, bool) {
	for _, ep := range remoteEndpoints {
		if err := s.encodeAndSend(ep, remote, packagebox.CmdTunnelProbe, nil); err == nil {
			return ep, true
		}
	}
	return object.Endpoint{}, false
}

// CallAssist implements tunnel.Resolver by re-invoking the SN call layer.
func (s *Stack) CallAssist(ctx context.Context, remote object.ObjectId) ([]object.Endpoint, error) {
	d, ok := s.Devices.Get(remote)
	if !ok {
		return nil, fmt.Errorf("stack: unknown device %s for call-assist", remote)
	}
	result, err := s.Calls.Call(ctx, d.Body.SNList, s.local.Body.Endpoints, remote)
	if err != nil {
		return nil, err
	}
	return []object.Endpoint{result.Endpoint}, nil
}

// ProxyVia implements tunnel.Resolver's PN-proxy fallback: it connects
// to the configured PN relay, asks it to splice onto remote's
// registered stream, and bridges that stream to a local loopback UDP
// endpoint the rest of the stack can send through exactly like a direct
// path. Proxy-node discovery is out of scope here: the relay address is
// a single configured fallback (cfg.PNAddress), not a directory lookup.
func (s *Stack) ProxyVia(ctx context.Context, remote object.ObjectId) (object.Endpoint, error) {
	if s.cfg.PNAddress == "" {
		return object.Endpoint{}, fmt.Errorf("stack: no proxy node configured for %s", remote)
	}

	s.pnMu.Lock()
	if shim, ok := s.pnShims[remote]; ok {
		s.pnMu.Unlock()
		return object.Endpoint{Protocol: "udp", Addr: shim.local.LocalAddr().String()}, nil
	}
	s.pnMu.Unlock()

	shim, ep, err := newProxyShim(ctx, s.cfg.PNAddress, remote)
	if err != nil {
		return object.Endpoint{}, err
	}

	s.pnMu.Lock()
	s.pnShims[remote] = shim
	s.pnMu.Unlock()

	return ep, nil
}

type tunnelPinger struct{ s *Stack }

func (p tunnelPinger) Ping(ctx context.Context, remote object.ObjectId, sub *tunnel.SubTunnel) error {
	return p.s.encodeAndSend(sub.Endpoint, remote, packagebox.CmdTunnelProbe, nil)
}
