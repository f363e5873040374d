// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"sync"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// NICInfo contains the traffic counters of a [*NIC] or of a [*TUN].
type NICInfo struct {
	// RxPackets is the number of packets accepted from the network.
	RxPackets uint64 `json:"rx_packets"`

	// RxDropped is the number of inbound packets dropped.
	RxDropped uint64 `json:"rx_dropped"`

	// TxPackets is the number of packets handed to the network.
	TxPackets uint64 `json:"tx_packets"`

	// TxDropped is the number of outbound packets dropped.
	TxDropped uint64 `json:"tx_dropped"`
}

// nicCounters is the atomic version of [NICInfo].
type nicCounters struct {
	rxPackets atomic.Uint64
	rxDropped atomic.Uint64
	txPackets atomic.Uint64
	txDropped atomic.Uint64
}

func (c *nicCounters) info() NICInfo {
	return NICInfo{
		RxPackets: c.rxPackets.Load(),
		RxDropped: c.rxDropped.Load(),
		TxPackets: c.txPackets.Load(),
		TxDropped: c.txDropped.Load(),
	}
}

// NIC is the link endpoint of a userspace [*Stack]. This type is compatible
// with [stack.Stack] because it implements the [stack.LinkEndpoint] interface.
//
// Outbound packets written by the stack become [Frame] values passed
// to [FrameNetwork.SendFrame]. The network delivers inbound frames using
// [*NIC.InjectFrame], which dispatches them into the stack.
//
// Construct using [NewNIC].
type NIC struct {
	// closefunc is the function invoked on close.
	closefunc func()

	// counters tracks the traffic.
	counters nicCounters

	// disp is set by Attach and used to deliver inbound packets into netstack.
	disp stack.NetworkDispatcher

	// isclosed indicates this NIC should not accept more work.
	isclosed bool

	// laddr is the [tcpip.LinkAddress] to use.
	laddr tcpip.LinkAddress

	// mtu holds the link MTU.
	mtu uint32

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// network is the network we're attached to.
	network FrameNetwork
}

// NewNIC creates a new [*NIC] instance.
//
// The mtu parameter sets the MTU in bytes. The network parameter is
// the [FrameNetwork] to use; nil means that outbound packets fail.
func NewNIC(mtu uint32, network FrameNetwork) *NIC {
	return &NIC{
		mtu:     mtu,
		network: network,
	}
}

// Ensure that [*NIC] implements [stack.LinkEndpoint] and [FrameInjector].
var (
	_ stack.LinkEndpoint = &NIC{}
	_ FrameInjector      = &NIC{}
)

// Info returns the traffic counters.
func (n *NIC) Info() NICInfo {
	return n.counters.info()
}

// ARPHardwareType implements [stack.LinkEndpoint].
func (n *NIC) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

// AddHeader implements [stack.LinkEndpoint].
func (n *NIC) AddHeader(pbuf *stack.PacketBuffer) {
	// nothing to do here because we send raw IP packets
}

// Attach implements [stack.LinkEndpoint].
func (n *NIC) Attach(disp stack.NetworkDispatcher) {
	n.mu.Lock()
	if !n.isclosed {
		n.disp = disp // setting nil implies detaching the dispatcher
	}
	n.mu.Unlock()
}

// Capabilities implements [stack.LinkEndpoint].
func (n *NIC) Capabilities() stack.LinkEndpointCapabilities {
	return 0
}

// Close implements [stack.LinkEndpoint].
func (n *NIC) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isclosed {
		n.isclosed = true
		n.disp = nil
		if n.closefunc != nil {
			n.closefunc()
		}
	}
}

// IsAttached implements [stack.LinkEndpoint].
func (n *NIC) IsAttached() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disp != nil && !n.isclosed
}

// LinkAddress implements [stack.LinkEndpoint].
func (n *NIC) LinkAddress() tcpip.LinkAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.laddr
}

// MTU implements [stack.LinkEndpoint].
func (n *NIC) MTU() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mtu
}

// MaxHeaderLength implements [stack.LinkEndpoint].
func (n *NIC) MaxHeaderLength() uint16 {
	return 0 // we send raw IP packets
}

// ParseHeader implements [stack.LinkEndpoint].
func (n *NIC) ParseHeader(pbuf *stack.PacketBuffer) bool {
	return true // no header to parse
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (n *NIC) SetLinkAddress(addr tcpip.LinkAddress) {
	n.mu.Lock()
	n.laddr = addr
	n.mu.Unlock()
}

// SetMTU implements [stack.LinkEndpoint].
func (n *NIC) SetMTU(mtu uint32) {
	n.mu.Lock()
	n.mtu = mtu
	n.mu.Unlock()
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (n *NIC) SetOnCloseAction(action func()) {
	n.mu.Lock()
	n.closefunc = action
	n.mu.Unlock()
}

// Wait implements [stack.LinkEndpoint].
func (n *NIC) Wait() {
	// nothing because we do not create background goroutines
}

// WritePackets implements [stack.LinkEndpoint].
//
// Packets larger than the MTU and packets the network rejects count as
// dropped. They are not an error, just like a full queue on a real link.
func (n *NIC) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	// 1. access mutex protected fields
	n.mu.RLock()
	network := n.network
	isclosed := n.isclosed
	mtu := n.mtu
	n.mu.RUnlock()

	// 2. bail if the NIC has been closed or there's no network
	if isclosed || network == nil {
		return 0, &tcpip.ErrNoNet{}
	}

	// 3. try sending each packet
	var numSent int
	for _, pb := range pkts.AsSlice() {
		payload := nicPacketBufferToBytes(pb)
		switch {
		case len(payload) <= 0:
			continue
		case uint32(len(payload)) > mtu:
			n.counters.txDropped.Add(1)
		case !network.SendFrame(Frame{Packet: payload}):
			n.counters.txDropped.Add(1)
		default:
			n.counters.txPackets.Add(1)
			numSent++
		}
	}
	return numSent, nil
}

// InjectFrame injects an inbound raw IPv4/IPv6 packet into the stack.
func (n *NIC) InjectFrame(frame Frame) bool {
	// 1. drop the zero-length frames
	pkt := frame.Packet
	if len(pkt) <= 0 {
		return false
	}

	// 2. obtain the corresponding network protocol
	proto, ok := nicDetectNetworkProtocol(pkt)
	if !ok {
		n.counters.rxDropped.Add(1)
		return false
	}

	// 3. access mutex protected fields
	n.mu.RLock()
	disp := n.disp
	isclosed := n.isclosed
	mtu := n.mtu
	n.mu.RUnlock()

	// 4. do not deliver if closed, detached, or larger than MTU
	if isclosed || disp == nil || uint32(len(pkt)) > mtu {
		n.counters.rxDropped.Add(1)
		return false
	}

	// 5. deliver A COPY OF the raw network packet
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte{}, pkt...)),
	})
	defer pkb.DecRef()
	disp.DeliverNetworkPacket(proto, pkb)
	n.counters.rxPackets.Add(1)
	return true
}

// nicDetectNetworkProtocol extracts the protocol number from the raw packet bytes.
//
// This function PANICs if the given pkt is zero length.
func nicDetectNetworkProtocol(pkt []byte) (tcpip.NetworkProtocolNumber, bool) {
	runtimex.Assert(len(pkt) > 0)
	switch pkt[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}

// nicPacketBufferToBytes returns a slice containing A COPY OF the packet bytes.
func nicPacketBufferToBytes(pb *stack.PacketBuffer) []byte {
	v := pb.ToView()
	defer v.Release()
	out := make([]byte, v.Size())
	_ = runtimex.PanicOnError1(v.Read(out))
	return out
}
