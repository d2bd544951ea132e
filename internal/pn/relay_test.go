package pn

import (
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/cyfs-io/bdt/internal/object"
)

func startTestRelay(t *testing.T) string {
	t.Helper()
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConfig, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := NewRelay(nil)
	go r.Serve(ctx, ln)

	return ln.Addr().String()
}

func TestRegisterAndConnectSplice(t *testing.T) {
	addr := startTestRelay(t)

	var calleeId object.ObjectId
	if _, err := rand.Read(calleeId[:]); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	callee := NewClient(addr)
	calleeStream, err := callee.Register(ctx, calleeId)
	if err != nil {
		t.Fatal(err)
	}
	defer calleeStream.Close()

	go func() {
		buf := make([]byte, 5)
		if _, err := io.ReadFull(calleeStream, buf); err != nil {
			return
		}
		calleeStream.Write(buf)
	}()

	time.Sleep(50 * time.Millisecond) // let registration land

	caller := NewClient(addr)
	conn, err := caller.Connect(ctx, calleeId)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 5)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if string(reply) != "hello" {
		t.Fatalf("expected echo, got %q", reply)
	}
}

func TestConnectUnregisteredTargetFails(t *testing.T) {
	addr := startTestRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var target object.ObjectId
	if _, err := rand.Read(target[:]); err != nil {
		t.Fatal(err)
	}

	caller := NewClient(addr)
	if _, err := caller.Connect(ctx, target); err == nil {
		t.Fatal("expected connect to an unregistered target to fail")
	}
}
