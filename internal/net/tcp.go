package net

import (
	"net"
	"time"

	"github.com/cyfs-io/bdt/internal/object"
)

// TCPDialer opens short-lived TCP connections for the SN-call SecondTry
// escalation (spec.md §4.5). The tunnel manager does not use it: it has
// no TCP sub-tunnel path.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial connects to ep with the dialer's timeout.
func (d TCPDialer) Dial(ep object.Endpoint) (net.Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return net.DialTimeout("tcp", ep.Addr, timeout)
}
