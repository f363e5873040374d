// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/bassosimone/tunburst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

type nicDispatcher struct{}

func (nicDispatcher) DeliverNetworkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	// nothing
}

func (nicDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	// nothing
}

type countingDispatcher struct {
	count atomic.Uint32
}

func (d *countingDispatcher) DeliverNetworkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

func (d *countingDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

func TestNICInterfaceMethods(t *testing.T) {
	nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)

	assert.Equal(t, header.ARPHardwareNone, nic.ARPHardwareType())
	assert.Equal(t, uint16(0), nic.MaxHeaderLength())
	assert.Equal(t, uint32(tunburst.MTUEthernet), nic.MTU())
	assert.Equal(t, tcpip.LinkAddress(""), nic.LinkAddress())
	assert.Equal(t, stack.LinkEndpointCapabilities(0), nic.Capabilities())

	nic.SetLinkAddress(tcpip.LinkAddress("test"))
	assert.Equal(t, tcpip.LinkAddress("test"), nic.LinkAddress())

	nic.SetMTU(tunburst.MTUJumbo)
	assert.Equal(t, uint32(tunburst.MTUJumbo), nic.MTU())

	pbuf := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData([]byte{0x01}),
	})
	defer pbuf.DecRef()
	assert.True(t, nic.ParseHeader(pbuf))
	nic.AddHeader(pbuf)

	assert.False(t, nic.IsAttached())
	nic.Attach(nicDispatcher{})
	assert.True(t, nic.IsAttached())
	nic.Close()
	assert.False(t, nic.IsAttached())

	require.NotPanics(t, nic.Wait)
}

func TestNICCloseCallsHookOnce(t *testing.T) {
	nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)
	called := atomic.Uint32{}
	nic.SetOnCloseAction(func() {
		called.Add(1)
	})
	nic.Close()
	nic.Close()
	assert.Equal(t, uint32(1), called.Load())
}

func TestNICInjectFrameCases(t *testing.T) {
	t.Run("zero_length", func(t *testing.T) {
		nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)
		assert.False(t, nic.InjectFrame(tunburst.Frame{}))
		assert.Zero(t, nic.Info().RxDropped)
	})

	t.Run("unknown_protocol", func(t *testing.T) {
		nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.False(t, nic.InjectFrame(tunburst.Frame{Packet: []byte{0x70}}))
		assert.Zero(t, disp.count.Load())
		assert.Equal(t, uint64(1), nic.Info().RxDropped)
	})

	t.Run("closed", func(t *testing.T) {
		nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		nic.Close()
		assert.False(t, nic.InjectFrame(tunburst.Frame{Packet: []byte{0x40}}))
		assert.Zero(t, disp.count.Load())
	})

	t.Run("no_dispatcher", func(t *testing.T) {
		nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)
		assert.False(t, nic.InjectFrame(tunburst.Frame{Packet: []byte{0x40}}))
	})

	t.Run("larger_than_mtu", func(t *testing.T) {
		nic := tunburst.NewNIC(1, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.False(t, nic.InjectFrame(tunburst.Frame{Packet: []byte{0x40, 0x00}}))
		assert.Zero(t, disp.count.Load())
	})

	t.Run("delivered", func(t *testing.T) {
		nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.True(t, nic.InjectFrame(tunburst.Frame{Packet: []byte{0x45}}))
		assert.Equal(t, uint32(1), disp.count.Load())
		assert.Equal(t, tunburst.NICInfo{RxPackets: 1}, nic.Info())
	})
}

type countingNetwork struct {
	allow bool
	count atomic.Uint32
}

func (n *countingNetwork) SendFrame(tunburst.Frame) bool {
	n.count.Add(1)
	return n.allow
}

func (n *countingNetwork) SendFrameContext(ctx context.Context, frame tunburst.Frame) error {
	n.SendFrame(frame)
	return nil
}

func makePacketList(payloads ...[]byte) stack.PacketBufferList {
	var list stack.PacketBufferList
	for _, payload := range payloads {
		list.PushBack(stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(payload),
		}))
	}
	return list
}

func TestNICWritePacketsCases(t *testing.T) {
	t.Run("closed", func(t *testing.T) {
		net := &countingNetwork{allow: true}
		nic := tunburst.NewNIC(tunburst.MTUEthernet, net)
		nic.Close()

		pkts := makePacketList([]byte{0x45})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err != nil)
		require.True(t, err.String() == (&tcpip.ErrNoNet{}).String())
		assert.Equal(t, 0, num)
		assert.Zero(t, net.count.Load())
	})

	t.Run("no_network", func(t *testing.T) {
		nic := tunburst.NewNIC(tunburst.MTUEthernet, nil)

		pkts := makePacketList([]byte{0x45})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err != nil)
		require.True(t, err.String() == (&tcpip.ErrNoNet{}).String())
		assert.Equal(t, 0, num)
	})

	t.Run("zero_length_payload", func(t *testing.T) {
		net := &countingNetwork{allow: true}
		nic := tunburst.NewNIC(tunburst.MTUEthernet, net)

		pkts := makePacketList([]byte{})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err == nil)
		assert.Equal(t, 0, num)
		assert.Zero(t, net.count.Load())
	})

	t.Run("larger_than_mtu", func(t *testing.T) {
		net := &countingNetwork{allow: true}
		nic := tunburst.NewNIC(1, net)

		pkts := makePacketList([]byte{0x45, 0x00})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err == nil)
		assert.Equal(t, 0, num)
		assert.Zero(t, net.count.Load())
		assert.Equal(t, uint64(1), nic.Info().TxDropped)
	})

	t.Run("send_frame_fails", func(t *testing.T) {
		net := &countingNetwork{allow: false}
		nic := tunburst.NewNIC(tunburst.MTUEthernet, net)

		pkts := makePacketList([]byte{0x45})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err == nil)
		assert.Equal(t, 0, num)
		assert.Equal(t, uint32(1), net.count.Load())
		assert.Equal(t, uint64(1), nic.Info().TxDropped)
	})

	t.Run("success", func(t *testing.T) {
		net := &countingNetwork{allow: true}
		nic := tunburst.NewNIC(tunburst.MTUEthernet, net)

		pkts := makePacketList([]byte{0x45}, []byte{0x45, 0x00})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err == nil)
		assert.Equal(t, 2, num)
		assert.Equal(t, uint64(2), nic.Info().TxPackets)
	})
}
