// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// Transmitter sends payloads over the measured channel.
type Transmitter interface {
	// Transmit sends payload. In blocking mode, it waits until the channel
	// accepts the payload. Otherwise, it returns false when the channel
	// rejects the payload, which is not an error. After Close, Transmit
	// returns [net.ErrClosed]. Transmit must not retain the payload, which
	// the caller reuses.
	Transmit(ctx context.Context, payload []byte, blocking bool) (bool, error)
}

// Subscriber receives payloads from the measured channel.
type Subscriber interface {
	// Subscribe invokes handler sequentially for each arriving payload
	// until the context is done or the channel is closed. The handler
	// must not retain the payload after returning.
	Subscribe(ctx context.Context, handler func(payload []byte)) error
}

// Channel is a bidirectional measured channel.
type Channel interface {
	Transmitter
	Subscriber
	Close() error
}

// DatagramChannel carries payloads as IPv4/UDP datagrams over a [Channel]
// of raw IP packets such as a [*TUN].
//
// Transmit encodes each payload using a [*Codec]. Subscribe only delivers
// datagrams addressed to [DestinationPort] and counts the others.
//
// Construct using [NewDatagramChannel].
type DatagramChannel struct {
	codec    *Codec
	filtered atomic.Uint64
	local    netip.Addr
	raw      Channel
	remote   netip.Addr
}

var _ Channel = &DatagramChannel{}

// NewDatagramChannel creates a [*DatagramChannel] sending datagrams from
// local to remote through raw. Both addresses must be IPv4.
func NewDatagramChannel(raw Channel, local, remote netip.Addr, options ...CodecOption) (*DatagramChannel, error) {
	for _, addr := range []netip.Addr{local, remote} {
		if !addr.IsValid() {
			return nil, fmt.Errorf("%w: datagram channel endpoint", ErrMissingAddress)
		}
		if !addr.Unmap().Is4() {
			return nil, fmt.Errorf("%w: %s", ErrNotIPv4, addr)
		}
	}
	dc := &DatagramChannel{
		codec:  NewCodec(options...),
		local:  local,
		raw:    raw,
		remote: remote,
	}
	return dc, nil
}

// Transmit implements [Transmitter].
func (dc *DatagramChannel) Transmit(ctx context.Context, payload []byte, blocking bool) (bool, error) {
	datagram, err := dc.codec.Encode(dc.local, dc.remote, payload)
	if err != nil {
		return false, err
	}
	return dc.raw.Transmit(ctx, datagram, blocking)
}

// Subscribe implements [Subscriber].
func (dc *DatagramChannel) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	return dc.raw.Subscribe(ctx, func(packet []byte) {
		payload, ok := dc.codec.Decode(packet)
		if !ok {
			dc.filtered.Add(1)
			return
		}
		handler(payload)
	})
}

// Filtered returns the number of inbound packets that were not benchmark datagrams.
func (dc *DatagramChannel) Filtered() uint64 {
	return dc.filtered.Load()
}

// Close implements [Channel] by closing the underlying raw channel.
func (dc *DatagramChannel) Close() error {
	return dc.raw.Close()
}

// maxPayloadSize is the largest payload a channel may read.
const maxPayloadSize = 65535

// PacketConnChannel is a [Channel] over a [net.PacketConn] such as an OS
// UDP socket or a [*Stack] UDP socket.
//
// Construct using [NewPacketConnChannel].
type PacketConnChannel struct {
	conn   net.PacketConn
	remote net.Addr
}

var _ Channel = &PacketConnChannel{}

// NewPacketConnChannel creates a [*PacketConnChannel]. The remote address
// is the destination of transmitted payloads and may be nil for channels
// that only receive.
func NewPacketConnChannel(conn net.PacketConn, remote net.Addr) *PacketConnChannel {
	return &PacketConnChannel{conn: conn, remote: remote}
}

// LocalAddr returns the local address of the underlying conn.
func (pc *PacketConnChannel) LocalAddr() net.Addr {
	return pc.conn.LocalAddr()
}

// Transmit implements [Transmitter].
//
// Datagram sockets do not signal backpressure before the write, hence
// non-blocking mode reports a failed write, such as ENOBUFS, as a rejection.
func (pc *PacketConnChannel) Transmit(ctx context.Context, payload []byte, blocking bool) (bool, error) {
	if pc.remote == nil {
		return false, fmt.Errorf("%w: no remote address", ErrMissingAddress)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := pc.conn.WriteTo(payload, pc.remote)
	return channelWriteResult(err, blocking)
}

// Subscribe implements [Subscriber].
func (pc *PacketConnChannel) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	return channelReadLoop(ctx, pc.conn.SetReadDeadline, func(buf []byte) (int, error) {
		count, _, err := pc.conn.ReadFrom(buf)
		return count, err
	}, handler)
}

// Close implements [Channel].
func (pc *PacketConnChannel) Close() error {
	return pc.conn.Close()
}

// ConnChannel is a [Channel] over a connected datagram [net.Conn].
//
// Construct using [NewConnChannel].
type ConnChannel struct {
	conn net.Conn
}

var _ Channel = &ConnChannel{}

// NewConnChannel creates a [*ConnChannel].
func NewConnChannel(conn net.Conn) *ConnChannel {
	return &ConnChannel{conn: conn}
}

// LocalAddr returns the local address of the underlying conn.
func (cc *ConnChannel) LocalAddr() net.Addr {
	return cc.conn.LocalAddr()
}

// Transmit implements [Transmitter]. See [*PacketConnChannel.Transmit]
// for the meaning of non-blocking mode.
func (cc *ConnChannel) Transmit(ctx context.Context, payload []byte, blocking bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := cc.conn.Write(payload)
	return channelWriteResult(err, blocking)
}

// Subscribe implements [Subscriber].
func (cc *ConnChannel) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	return channelReadLoop(ctx, cc.conn.SetReadDeadline, cc.conn.Read, handler)
}

// Close implements [Channel].
func (cc *ConnChannel) Close() error {
	return cc.conn.Close()
}

// channelWriteResult maps the result of a datagram write to the
// result of [Transmitter.Transmit].
func channelWriteResult(err error, blocking bool) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, net.ErrClosed):
		return false, net.ErrClosed
	case blocking:
		return false, err
	default:
		return false, nil
	}
}

// channelReadLoop reads datagrams until the context is done or read fails.
//
// The context is honored by moving the read deadline into the past. The
// deadline is cleared on return, so the channel can be subscribed again.
func channelReadLoop(ctx context.Context, setReadDeadline func(t time.Time) error,
	read func(buf []byte) (int, error), handler func(payload []byte)) error {
	// 1. unblock the reader when the context is done
	unblocked := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setReadDeadline(time.Unix(1, 0))
		close(unblocked)
	})
	defer func() {
		if !stop() {
			<-unblocked
			_ = setReadDeadline(time.Time{})
		}
	}()

	// 2. dispatch each datagram to the handler
	buf := make([]byte, maxPayloadSize)
	for {
		count, err := read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		handler(buf[:count])
	}
}
