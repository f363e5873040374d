// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// DefaultSocketBufferSize is the default size of the OS socket buffers.
const DefaultSocketBufferSize = 4 << 20

// SocketOption is an option for [ListenUDPChannel], [DialUDPChannel],
// [NewListenConfig] and [NewConnector].
type SocketOption func(cfg *socketConfig)

type socketConfig struct {
	bufferSize int
}

// SocketOptionBufferSize sets SO_RCVBUF and SO_SNDBUF on the socket. The
// default is [DefaultSocketBufferSize]. Zero keeps the OS defaults.
//
// Large receive buffers reduce the losses caused by the receiver
// rather than by the channel under test.
func SocketOptionBufferSize(size int) SocketOption {
	return func(cfg *socketConfig) {
		cfg.bufferSize = size
	}
}

func newSocketConfig(options []SocketOption) *socketConfig {
	cfg := &socketConfig{bufferSize: DefaultSocketBufferSize}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// control returns the function configuring the socket before bind or connect.
func (cfg *socketConfig) control() func(network, address string, conn syscall.RawConn) error {
	return func(network, address string, conn syscall.RawConn) error {
		if cfg.bufferSize <= 0 {
			return nil
		}
		var serr error
		if err := conn.Control(func(fd uintptr) {
			serr = setSocketBuffers(fd, cfg.bufferSize)
		}); err != nil {
			return err
		}
		return serr
	}
}

// ListenUDPChannel creates a receive-only [*PacketConnChannel] using an OS
// UDP socket bound to the given address (e.g., "0.0.0.0:1911").
func ListenUDPChannel(ctx context.Context, address string, options ...SocketOption) (*PacketConnChannel, error) {
	lc := &net.ListenConfig{Control: newSocketConfig(options).control()}
	conn, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", address, err)
	}
	return NewPacketConnChannel(conn, nil), nil
}

// DialUDPChannel creates a [*ConnChannel] using an OS UDP socket
// connected to the given address (e.g., "10.0.0.1:1911").
func DialUDPChannel(ctx context.Context, address string, options ...SocketOption) (*ConnChannel, error) {
	dialer := &net.Dialer{Control: newSocketConfig(options).control()}
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", address, err)
	}
	return NewConnChannel(conn), nil
}
