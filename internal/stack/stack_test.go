package stack

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/cyfs-io/bdt/internal/crypto"
	"github.com/cyfs-io/bdt/internal/keystore"
	"github.com/cyfs-io/bdt/internal/object"
)

func testDevice(t *testing.T) *object.Device {
	t.Helper()
	signer, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	return &object.Device{PublicKey: signer.PublicKey}
}

func newTestStack(t *testing.T) *Stack {
	t.Helper()
	signer, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}
	identity, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.ChannelPieceInterval = time.Millisecond
	cfg.ChannelResendInterval = 10 * time.Millisecond
	cfg.ChannelBlockInterval = 2 * time.Second

	s, err := NewStack(cfg, testDevice(t), *identity, *signer, "127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewStackWiresAllComponents(t *testing.T) {
	s := newTestStack(t)
	defer s.UDP.Close()

	if s.Devices == nil || s.Keys == nil || s.PeerKeys == nil || s.Store == nil || s.Tunnels == nil || s.Ping == nil || s.Calls == nil || s.SNPeers == nil {
		t.Fatal("expected every component to be wired")
	}
}

func TestSnPingRegistersDeviceBody(t *testing.T) {
	caller := newTestStack(t)
	defer caller.UDP.Close()
	sn := newTestStack(t)
	defer sn.UDP.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go caller.Run(ctx)
	go sn.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	callerId := (&object.Device{PublicKey: caller.local.PublicKey}).Id()
	snId := (&object.Device{PublicKey: sn.local.PublicKey}).Id()

	var shared keystore.MixAesKey
	if _, err := rand.Read(shared.EncKey[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(shared.MixKey[:]); err != nil {
		t.Fatal(err)
	}
	caller.Keys.AddKey(snId, shared, keystore.KeyConfirmed)
	sn.Keys.AddKey(callerId, shared, keystore.KeyConfirmed)

	caller.local.Body.Endpoints = []object.Endpoint{{Protocol: "udp", Addr: "203.0.113.9:4000"}}
	caller.local.Body.Name = "caller-device"
	caller.rememberPeer(sn.UDP.LocalAddr(), snId)
	sn.rememberPeer(caller.UDP.LocalAddr(), callerId)

	// SendSnPing resolves the SN's endpoint via the caller's DeviceCache,
	// the same lookup a real Exchange/Device-directory response would
	// have populated.
	caller.Devices.Put(&object.Device{Body: object.DeviceBody{Endpoints: []object.Endpoint{sn.UDP.LocalAddr()}}})

	if err := caller.SendSnPing(ctx, snId, 1, caller.local); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if rec, err := sn.SNPeers.Get(callerId); err == nil {
			if rec.Device.Body.Name != "caller-device" || len(rec.Device.Body.Endpoints) != 1 {
				t.Fatalf("unexpected registered device body: %+v", rec.Device.Body)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SN to register the ping")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDownloadServeRoundTrip(t *testing.T) {
	a := newTestStack(t)
	defer a.UDP.Close()
	b := newTestStack(t)
	defer b.UDP.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	payload := make([]byte, 40*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunk := b.Store.Put(payload)

	aId := (&object.Device{PublicKey: a.local.PublicKey}).Id()
	bId := (&object.Device{PublicKey: b.local.PublicKey}).Id()

	// Pre-share a confirmed MixAesKey out of band, standing in for a
	// completed Exchange handshake: the Stack's dispatcher does not yet
	// drive OpenExchange off an inbound box's Exchange field, so tests
	// provision the shared secret directly (tracked in DESIGN.md).
	var shared keystore.MixAesKey
	if _, err := rand.Read(shared.EncKey[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(shared.MixKey[:]); err != nil {
		t.Fatal(err)
	}
	a.Keys.AddKey(bId, shared, keystore.KeyConfirmed)
	b.Keys.AddKey(aId, shared, keystore.KeyConfirmed)

	// In the real stack this binding comes from an already-established
	// Tunnel (Connect/Holepunch resolve the remote's identity before any
	// channel traffic flows); simulate that here since this test drives
	// Download directly without going through the tunnel manager.
	b.rememberPeer(a.UDP.LocalAddr(), aId)

	_, sink, err := a.Download(ctx, bId, b.UDP.LocalAddr(), chunk)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if sink.BundleHashMatches() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for download to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
