// Package pn implements the passive-proxy-node forwarding path of
// spec.md §4.7's tunnel resolution order: "if still no path, instruct an
// active PN to proxy." A PN accepts a long-lived stream from a passive
// callee and splices each caller's later connect request onto it,
// forwarding bytes in both directions. Grounded on the teacher's
// daemon/transport/quic_connection.go (QUIC dial/listen wrapper) and
// relay/main.go's connection-forwarding service, generalized from an
// open relay into the registry-then-splice shape a passive PN needs.
package pn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/cyfs-io/bdt/internal/object"
	"github.com/cyfs-io/bdt/internal/quicutil"
)

// alpn is the QUIC ALPN identifier PN relays and clients negotiate.
const alpn = "bdt-pn"

func clientTLSConfig() *tls.Config {
	cfg := quicutil.MakeClientTLSConfig()
	cfg.NextProtos = []string{alpn}
	return cfg
}

// ServerTLSConfig generates a self-signed dev certificate for a PN
// relay listener. Production deployments should supply a real
// certificate instead.
func ServerTLSConfig() (*tls.Config, error) {
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	cfg, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	cfg.NextProtos = []string{alpn}
	return cfg, nil
}

// frame kinds on the PN control stream.
const (
	frameRegister uint8 = 1
	frameConnect  uint8 = 2
	frameOK       uint8 = 3
	frameErr      uint8 = 4
)

func writeFrame(w io.Writer, kind uint8, body []byte) error {
	return writeFramed(w, append([]byte{kind}, body...))
}

func readFrame(r io.Reader) (uint8, []byte, error) {
	buf, err := readFramed(r)
	if err != nil {
		return 0, nil, err
	}
	if len(buf) == 0 {
		return 0, nil, fmt.Errorf("pn: empty frame")
	}
	return buf[0], buf[1:], nil
}

// Client dials a PN relay to either register this device as a passive
// callee or request a proxied connection to one.
type Client struct {
	addr string
}

// NewClient returns a Client for the PN relay listening at addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Register opens a long-lived stream to the PN, announcing self as a
// passive callee. The relay keeps the registration until the QUIC
// connection behind the returned stream ends or one caller is spliced
// onto it; closing the stream alone does not withdraw it.
func (c *Client) Register(ctx context.Context, self object.ObjectId) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, c.addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("pn: dial relay: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("pn: open stream: %w", err)
	}
	if err := writeFrame(stream, frameRegister, self[:]); err != nil {
		return nil, err
	}
	return stream, nil
}

// Connect asks the PN to splice a new stream onto target's registered
// stream, returning a duplex usable to carry one Box/channel exchange.
func (c *Client) Connect(ctx context.Context, target object.ObjectId) (io.ReadWriteCloser, error) {
	conn, err := quic.DialAddr(ctx, c.addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("pn: dial relay: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("pn: open stream: %w", err)
	}
	if err := writeFrame(stream, frameConnect, target[:]); err != nil {
		return nil, err
	}

	kind, body, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("pn: read connect reply: %w", err)
	}
	if kind == frameErr {
		return nil, fmt.Errorf("pn: relay refused connect: %s", string(body))
	}
	if kind != frameOK {
		return nil, fmt.Errorf("pn: unexpected relay reply frame %d", kind)
	}
	return stream, nil
}
