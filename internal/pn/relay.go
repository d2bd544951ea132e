package pn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

// Relay is one passive-proxy-node service: it accepts streams from
// callees registering to be reachable, and from callers asking to be
// spliced onto a registered callee's stream.
type Relay struct {
	log *observability.Logger

	mu      sync.Mutex
	callees map[object.ObjectId]*quic.Stream
}

// NewRelay returns an empty Relay.
func NewRelay(log *observability.Logger) *Relay {
	return &Relay{
		log:     log,
		callees: make(map[object.ObjectId]*quic.Stream),
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context, ln *quic.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *Relay) handleConn(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return
	}

	kind, body, err := readFrame(stream)
	if err != nil {
		stream.Close()
		return
	}

	switch kind {
	case frameRegister:
		r.register(conn, body, stream)
	case frameConnect:
		r.connect(body, stream)
	default:
		_ = writeFrame(stream, frameErr, []byte("unknown frame"))
		stream.Close()
	}
}

// register stores stream under the id the callee announced. It must
// not read from stream afterward: a later connect() splices the stream
// directly, and a concurrent reader here would race it. Connection-level
// liveness (the QUIC connection's own context) stands in for a
// stream-level keepalive.
func (r *Relay) register(conn *quic.Conn, body []byte, stream *quic.Stream) {
	if len(body) != 32 {
		stream.Close()
		return
	}
	var id object.ObjectId
	copy(id[:], body)

	r.mu.Lock()
	r.callees[id] = stream
	r.mu.Unlock()
	if r.log != nil {
		r.log.Info("pn: callee registered " + id.String())
	}

	<-conn.Context().Done()

	r.mu.Lock()
	if r.callees[id] == stream {
		delete(r.callees, id)
	}
	r.mu.Unlock()
}

func (r *Relay) connect(body []byte, caller *quic.Stream) {
	if len(body) != 32 {
		caller.Close()
		return
	}
	var target object.ObjectId
	copy(target[:], body)

	r.mu.Lock()
	callee, ok := r.callees[target]
	if ok {
		delete(r.callees, target)
	}
	r.mu.Unlock()
	if !ok {
		_ = writeFrame(caller, frameErr, []byte("callee not registered"))
		caller.Close()
		return
	}

	if err := writeFrame(caller, frameOK, nil); err != nil {
		caller.Close()
		return
	}

	go func() {
		io.Copy(callee, caller)
	}()
	io.Copy(caller, callee)
}

// ListenAndServe binds addr with a self-signed dev certificate and
// serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, log *observability.Logger) error {
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		return fmt.Errorf("pn: tls config: %w", err)
	}
	return listenAndServeTLS(ctx, addr, tlsConfig, log)
}

func listenAndServeTLS(ctx context.Context, addr string, tlsConfig *tls.Config, log *observability.Logger) error {
	ln, err := quic.ListenAddr(addr, tlsConfig, nil)
	if err != nil {
		return fmt.Errorf("pn: listen: %w", err)
	}
	defer ln.Close()

	r := NewRelay(log)
	return r.Serve(ctx, ln)
}
