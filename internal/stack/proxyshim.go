package stack

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/pn"
)

// proxyShim bridges one PN-proxied connection onto the stack's normal
// UDP send/receive path. encodeAndSend/onDatagram only know how to talk
// to a UDP object.Endpoint, and the PN relay only offers a byte stream,
// so this type sits in between: a local loopback socket on the stack
// side, a length-framed QUIC stream on the PN side, relaying datagrams
// across as the stream's only frames.
type proxyShim struct {
	local  *net.UDPConn
	stream io.Closer

	mu     sync.Mutex
	peer   net.Addr
	peerOK bool
}

// newProxyShim dials relay and asks it to splice onto remote's
// registered stream, then binds a local UDP socket whose address can
// stand in for remote in the rest of the stack's send/receive path.
func newProxyShim(ctx context.Context, relayAddr string, remote object.ObjectId) (*proxyShim, object.Endpoint, error) {
	client := pn.NewClient(relayAddr)
	stream, err := client.Connect(ctx, remote)
	if err != nil {
		return nil, object.Endpoint{}, fmt.Errorf("stack: pn connect to %s: %w", remote, err)
	}

	localAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		stream.Close()
		return nil, object.Endpoint{}, err
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		stream.Close()
		return nil, object.Endpoint{}, err
	}

	shim := &proxyShim{local: conn, stream: stream}
	go shim.pumpLocalToStream(stream)
	go shim.pumpStreamToLocal(stream)

	ep := object.Endpoint{Protocol: "udp", Addr: conn.LocalAddr().String()}
	return shim, ep, nil
}

// pumpLocalToStream reads one datagram at a time off the local socket
// and forwards it as one length-framed message on the PN stream,
// preserving the datagram boundary the stream itself doesn't have.
func (p *proxyShim) pumpLocalToStream(stream io.Writer) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := p.local.ReadFrom(buf)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.peer, p.peerOK = addr, true
		p.mu.Unlock()

		if err := writeShimFrame(stream, buf[:n]); err != nil {
			return
		}
	}
}

// pumpStreamToLocal reads length-framed messages off the PN stream and
// writes each back to whichever local address last sent this shim a
// datagram.
func (p *proxyShim) pumpStreamToLocal(stream io.Reader) {
	for {
		frame, err := readShimFrame(stream)
		if err != nil {
			return
		}
		p.mu.Lock()
		peer, peerOK := p.peer, p.peerOK
		p.mu.Unlock()
		if !peerOK {
			continue
		}
		if _, err := p.local.WriteTo(frame, peer); err != nil {
			return
		}
	}
}

func (p *proxyShim) Close() error {
	p.stream.Close()
	return p.local.Close()
}

// writeShimFrame/readShimFrame mirror internal/pn's own stream framing:
// a 4-byte big-endian length prefix followed by the payload. Kept as a
// private copy rather than exported from internal/pn, since the shim is
// framing raw UDP datagrams, not PN control-protocol frames.
func writeShimFrame(w io.Writer, data []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readShimFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
