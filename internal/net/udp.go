// Package net implements the L1 interface layer: UDP/TCP socket I/O that
// feeds raw datagrams up to PackageBox decode, per spec.md's data-flow
// "raw UDP datagrams -> PackageBox decrypt -> per-package dispatch."
// Grounded on the teacher's daemon/transport listener setup, generalized
// from QUIC streams to bare UDP/TCP sockets since BDT's wire format is
// datagram-oriented rather than stream-multiplexed.
package net

import (
	"context"
	"net"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/observability"
)

// MaxDatagramSize bounds a single recv; larger frames are truncated by
// the kernel and dropped here as malformed.
const MaxDatagramSize = 64 * 1024

// Handler receives one decoded-caller-side datagram: the sender endpoint
// and the raw PackageBox wire bytes, for the caller to decode.
type Handler func(from object.Endpoint, payload []byte)

// UDPManager owns one UDP socket used for both ping/call/tunnel traffic
// and channel piece delivery.
type UDPManager struct {
	conn *net.UDPConn
	log  *observability.Logger
}

// ListenUDP binds addr (e.g. ":6666") and returns a manager ready to
// Send/Run.
func ListenUDP(addr string, log *observability.Logger) (*UDPManager, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPManager{conn: conn, log: log}, nil
}

// LocalAddr reports the bound local address.
func (m *UDPManager) LocalAddr() object.Endpoint {
	return object.Endpoint{Protocol: "udp", Addr: m.conn.LocalAddr().String()}
}

// SendTo writes payload to ep's address.
func (m *UDPManager) SendTo(ep object.Endpoint, payload []byte) error {
	addr, err := net.ResolveUDPAddr("udp", ep.Addr)
	if err != nil {
		return err
	}
	_, err = m.conn.WriteToUDP(payload, addr)
	return err
}

// Run reads datagrams until ctx is cancelled, invoking handler for each.
// Grounded on the teacher's accept-loop idiom (daemon/main.go's rate-
// limited QUIC accept loop), adapted to a connectionless read loop.
func (m *UDPManager) Run(ctx context.Context, handler Handler) {
	buf := make([]byte, MaxDatagramSize)
	go func() {
		<-ctx.Done()
		m.conn.Close()
	}()
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if m.log != nil {
				m.log.Error(err, "net: udp read failed")
			}
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		handler(object.Endpoint{Protocol: "udp", Addr: addr.String()}, payload)
	}
}

// Close releases the underlying socket.
func (m *UDPManager) Close() error {
	return m.conn.Close()
}
