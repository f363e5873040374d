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

// ListenConfig binds UDP sockets of a [*Stack], mirroring [*net.ListenConfig].
//
// Only IP literal addresses are supported: listening on a hostname fails.
//
// Construct using [NewListenConfig].
type ListenConfig struct {
	options []SocketOption
	stack   *Stack
}

// NewListenConfig creates a [*ListenConfig] for the given [*Stack]. The
// options size the socket buffers like they do for [ListenUDPChannel].
func NewListenConfig(stack *Stack, options ...SocketOption) *ListenConfig {
	return &ListenConfig{options: options, stack: stack}
}

// ListenPacket returns a UDP socket bound to address.
//
// Networks other than "udp" fail with [syscall.EPROTOTYPE].
func (lc *ListenConfig) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	if network != "udp" {
		return nil, syscall.EPROTOTYPE
	}
	epnt, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	conn, err := lc.stack.ListenUDP(epnt, lc.options...)
	if err != nil {
		return nil, errorsRemap(err)
	}
	return &udpConnWrapper{conn}, nil
}

// ListenChannel creates a receive-only [*PacketConnChannel] bound
// to the given address (e.g., "10.22.0.12:1911").
func (lc *ListenConfig) ListenChannel(ctx context.Context, address string) (*PacketConnChannel, error) {
	pconn, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return NewPacketConnChannel(pconn, nil), nil
}
