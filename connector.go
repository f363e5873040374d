//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package tunburst

import (
	"context"
	"net"
	"net/netip"
	"syscall"
)

// Connector creates connected UDP sockets of a [*Stack], mirroring [*net.Dialer].
//
// Only IP literal addresses are supported: dialing a hostname fails.
//
// Construct using [NewConnector].
type Connector struct {
	options []SocketOption
	stack   *Stack
}

// NewConnector creates a [*Connector] for the given [*Stack]. The options
// size the socket buffers like they do for [DialUDPChannel].
func NewConnector(stack *Stack, options ...SocketOption) *Connector {
	return &Connector{options: options, stack: stack}
}

// DialContext returns a UDP socket connected to address. Connecting a
// UDP socket does not send anything, hence it never blocks.
//
// Networks other than "udp" fail with [syscall.EPROTOTYPE].
func (c *Connector) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	if network != "udp" {
		return nil, syscall.EPROTOTYPE
	}
	epnt, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	conn, err := c.stack.DialUDP(epnt, c.options...)
	if err != nil {
		return nil, errorsRemap(err)
	}
	return &udpConnWrapper{conn}, nil
}

// DialChannel creates a [*ConnChannel] sending to the given address.
func (c *Connector) DialChannel(ctx context.Context, address string) (*ConnChannel, error) {
	conn, err := c.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return NewConnChannel(conn), nil
}
