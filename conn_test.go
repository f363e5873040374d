// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/tunburst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadlineConn is the subset of [net.Conn] and [net.PacketConn] we test.
type deadlineConn interface {
	Close() error
	LocalAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func requireTimeout(t *testing.T, err error) {
	t.Helper()
	var neterr net.Error
	require.ErrorAs(t, err, &neterr)
	assert.True(t, neterr.Timeout())
}

func TestUDPConnWrapperDeadlines(t *testing.T) {
	nic := tunburst.NewNIC(tunburst.MTUMinimumIPv6, nil)
	stack, err := tunburst.NewStack(nic, netip.MustParseAddr("2001:db8::1"))
	require.NoError(t, err)
	t.Cleanup(stack.Close)
	ctx := context.Background()
	buffer := make([]byte, 1)

	type testcase struct {
		name string
		open func(t *testing.T) deadlineConn
		read func(conn deadlineConn) error
	}

	cases := []testcase{{
		name: "connected",
		open: func(t *testing.T) deadlineConn {
			connector := tunburst.NewConnector(stack, tunburst.SocketOptionBufferSize(1<<16))
			conn, err := connector.DialContext(ctx, "udp", "[2001:db8::2]:1911")
			require.NoError(t, err)

			raddr, ok := conn.RemoteAddr().(*net.UDPAddr)
			require.True(t, ok)
			assert.True(t, raddr.IP.Equal(net.ParseIP("2001:db8::2")))
			assert.Equal(t, tunburst.DestinationPort, raddr.Port)
			return conn
		},
		read: func(conn deadlineConn) error {
			_, err := conn.(net.Conn).Read(buffer)
			return err
		},
	}, {
		name: "unconnected",
		open: func(t *testing.T) deadlineConn {
			conn, err := tunburst.NewListenConfig(stack).ListenPacket(ctx, "udp", "[2001:db8::1]:1911")
			require.NoError(t, err)
			assert.Equal(t, tunburst.DestinationPort, conn.LocalAddr().(*net.UDPAddr).Port)
			return conn
		},
		read: func(conn deadlineConn) error {
			_, _, err := conn.(net.PacketConn).ReadFrom(buffer)
			return err
		},
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := tc.open(t)
			defer conn.Close()

			laddr, ok := conn.LocalAddr().(*net.UDPAddr)
			require.True(t, ok)
			assert.True(t, laddr.IP.Equal(net.ParseIP("2001:db8::1")))
			assert.NotZero(t, laddr.Port)

			require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Microsecond)))
			requireTimeout(t, tc.read(conn))
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Microsecond)))
			requireTimeout(t, tc.read(conn))
			require.NoError(t, conn.SetWriteDeadline(time.Now().Add(10*time.Microsecond)))
		})
	}
}

func TestUDPConnWrapperRemapsClosedErrors(t *testing.T) {
	stack := newTestStack(t, "10.0.0.1")

	t.Run("read_from", func(t *testing.T) {
		pconn, err := tunburst.NewListenConfig(stack).ListenPacket(context.Background(), "udp", "10.0.0.1:1911")
		require.NoError(t, err)
		require.NoError(t, pconn.Close())
		_, _, err = pconn.ReadFrom(make([]byte, 1))
		require.ErrorIs(t, err, net.ErrClosed)
	})

	t.Run("read", func(t *testing.T) {
		conn, err := tunburst.NewConnector(stack).DialContext(context.Background(), "udp", "10.0.0.2:1911")
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		_, err = conn.Read(make([]byte, 1))
		require.ErrorIs(t, err, net.ErrClosed)
	})
}

func TestUDPConnWrapperExchange(t *testing.T) {
	ix := tunburst.NewInternet()
	sender, err := ix.NewStack(tunburst.MTUEthernet, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := ix.NewStack(tunburst.MTUEthernet, netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	defer receiver.Close()
	startRouter(t, newTestRouter(ix))

	pconn, err := tunburst.NewListenConfig(receiver).ListenPacket(context.Background(), "udp", "10.0.0.2:1911")
	require.NoError(t, err)
	defer pconn.Close()
	conn, err := tunburst.NewConnector(sender).DialContext(context.Background(), "udp", "10.0.0.2:1911")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, pconn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buffer := make([]byte, 16)
	count, addr, err := pconn.ReadFrom(buffer)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buffer[:count]))

	_, err = pconn.WriteTo([]byte("pong"), addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	count, err = conn.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buffer[:count]))
}
