//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package tunburst

import (
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// udpConnWrapper wraps a [*gonet.UDPConn] to remap gVisor errors so that
// we can emulate stdlib errors. It serves both as a connected [net.Conn]
// and as an unconnected [net.PacketConn].
type udpConnWrapper struct {
	conn *gonet.UDPConn
}

var (
	_ net.Conn       = &udpConnWrapper{}
	_ net.PacketConn = &udpConnWrapper{}
)

// Close implements [net.Conn] and [net.PacketConn].
func (uw *udpConnWrapper) Close() error {
	return uw.conn.Close()
}

// LocalAddr implements [net.Conn] and [net.PacketConn].
func (uw *udpConnWrapper) LocalAddr() net.Addr {
	return uw.conn.LocalAddr()
}

// Read implements [net.Conn].
func (uw *udpConnWrapper) Read(buff []byte) (int, error) {
	count, err := uw.conn.Read(buff)
	return count, errorsRemap(err)
}

// ReadFrom implements [net.PacketConn].
func (uw *udpConnWrapper) ReadFrom(buff []byte) (int, net.Addr, error) {
	count, addr, err := uw.conn.ReadFrom(buff)
	return count, addr, errorsRemap(err)
}

// RemoteAddr implements [net.Conn].
func (uw *udpConnWrapper) RemoteAddr() net.Addr {
	return uw.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn] and [net.PacketConn].
func (uw *udpConnWrapper) SetDeadline(t time.Time) error {
	return uw.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn] and [net.PacketConn].
func (uw *udpConnWrapper) SetReadDeadline(t time.Time) error {
	return uw.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn] and [net.PacketConn].
func (uw *udpConnWrapper) SetWriteDeadline(t time.Time) error {
	return uw.conn.SetWriteDeadline(t)
}

// Write implements [net.Conn].
func (uw *udpConnWrapper) Write(data []byte) (int, error) {
	count, err := uw.conn.Write(data)
	return count, errorsRemap(err)
}

// WriteTo implements [net.PacketConn].
func (uw *udpConnWrapper) WriteTo(pkt []byte, addr net.Addr) (int, error) {
	count, err := uw.conn.WriteTo(pkt, addr)
	return count, errorsRemap(err)
}
