package net

import (
	"context"
	"testing"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
)

func TestUDPManagerSendAndReceiveLoopback(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := ListenUDP("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	received := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx, func(from object.Endpoint, payload []byte) {
		received <- payload
	})

	if err := a.SendTo(b.LocalAddr(), []byte("hello tunnel")); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hello tunnel" {
			t.Fatalf("expected echoed payload, got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestTCPDialerDefaultsTimeout(t *testing.T) {
	d := TCPDialer{}
	if d.Timeout != 0 {
		t.Fatal("expected zero-value Timeout before Dial applies the default")
	}
	// Dialing a routable-but-closed port should fail quickly rather than
	// hang, exercising the default-timeout branch.
	_, err := d.Dial(object.Endpoint{Protocol: "tcp", Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected dial to a closed port to fail")
	}
}
