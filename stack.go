//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package tunburst

import (
	"errors"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// Stack is a userspace TCP/IP stack providing the UDP sockets the
// benchmark runs over when the channel under test is a socket rather
// than a raw [*TUN]. Only UDP and ICMP are enabled.
//
// Construct using [NewStack] or [*Internet.NewStack].
type Stack struct {
	// Stack is the underlying gVisor stack.
	Stack *stack.Stack
}

// stackNICID is the ID of the single NIC of a [*Stack].
const stackNICID = 1

// NewStack creates a [*Stack] on top of the given link endpoint (usually
// a [*NIC]) and configures the given addresses. Both address families get
// an on-link default route through the NIC.
//
// On failure, the link endpoint is closed.
func NewStack(nic stack.LinkEndpoint, addrs ...netip.Addr) (*Stack, error) {
	// 1. create the stack with UDP and ICMP over IPv4 and IPv6
	nsp := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
		HandleLocal: true,
	})

	// 2. attach the link endpoint
	if err := nsp.CreateNIC(stackNICID, nic); err != nil {
		nsp.Destroy()
		nic.Close()
		return nil, errors.New(err.String())
	}

	// 3. assign the addresses, which destroys the NIC on failure
	for _, addr := range addrs {
		if err := nsp.AddProtocolAddress(stackNICID, stackProtocolAddress(addr), stack.AddressProperties{}); err != nil {
			nsp.Destroy()
			return nil, errors.New(err.String())
		}
	}

	// 4. route everything through the NIC
	nsp.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: stackNICID},
		{Destination: header.IPv6EmptySubnet, NIC: stackNICID},
	})
	return &Stack{nsp}, nil
}

func stackProtocolAddress(addr netip.Addr) tcpip.ProtocolAddress {
	return tcpip.ProtocolAddress{
		Protocol:          stackNetworkProtocol(addr),
		AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
	}
}

func stackNetworkProtocol(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// stackFullAddress converts epnt to a gVisor address bound to the single
// NIC, where the unspecified address matches any configured address.
func stackFullAddress(epnt netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  stackNICID,
		Addr: tcpip.AddrFromSlice(epnt.Addr().AsSlice()),
		Port: epnt.Port(),
	}
}

// DialUDP creates a UDP socket connected to addr.
func (sx *Stack) DialUDP(addr netip.AddrPort, options ...SocketOption) (*gonet.UDPConn, error) {
	return sx.newUDPConn(nil, &addr, stackNetworkProtocol(addr.Addr()), newSocketConfig(options))
}

// ListenUDP creates a UDP socket bound to addr.
func (sx *Stack) ListenUDP(addr netip.AddrPort, options ...SocketOption) (*gonet.UDPConn, error) {
	return sx.newUDPConn(&addr, nil, stackNetworkProtocol(addr.Addr()), newSocketConfig(options))
}

// newUDPConn creates a UDP endpoint, sizes its buffers, binds it to laddr
// and connects it to raddr when they are not nil.
func (sx *Stack) newUDPConn(laddr, raddr *netip.AddrPort,
	proto tcpip.NetworkProtocolNumber, cfg *socketConfig) (*gonet.UDPConn, error) {
	// 1. create the endpoint
	var wq waiter.Queue
	ep, terr := sx.Stack.NewEndpoint(udp.ProtocolNumber, proto, &wq)
	if terr != nil {
		return nil, errors.New(terr.String())
	}

	// 2. size the buffers, which the stack clamps to its limits
	if cfg.bufferSize > 0 {
		ep.SocketOptions().SetReceiveBufferSize(int64(cfg.bufferSize), true)
		ep.SocketOptions().SetSendBufferSize(int64(cfg.bufferSize), true)
	}

	// 3. bind and connect
	if laddr != nil {
		if terr := ep.Bind(stackFullAddress(*laddr)); terr != nil {
			ep.Close()
			return nil, stackOpError("bind", *laddr, terr)
		}
	}
	if raddr != nil {
		if terr := ep.Connect(stackFullAddress(*raddr)); terr != nil {
			ep.Close()
			return nil, stackOpError("connect", *raddr, terr)
		}
	}
	return gonet.NewUDPConn(&wq, ep), nil
}

func stackOpError(op string, addr netip.AddrPort, terr tcpip.Error) error {
	return &net.OpError{
		Op:   op,
		Net:  "udp",
		Addr: net.UDPAddrFromAddrPort(addr),
		Err:  errors.New(terr.String()),
	}
}

// Close shuts down the stack and waits for the NIC teardown to finish.
func (sx *Stack) Close() {
	sx.Stack.Destroy()
}
