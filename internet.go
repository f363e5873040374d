// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
)

// Frame models a virtual link-layer frame without addressing.
type Frame struct {
	// Packet contains a raw IP packet (IPv4 or IPv6).
	Packet []byte
}

// FrameNetwork models the network that endpoints send frames to.
//
// The [*Internet] implements this interface.
type FrameNetwork interface {
	// SendFrame enqueues the frame without blocking and returns
	// whether the network accepted it.
	SendFrame(frame Frame) bool

	// SendFrameContext enqueues the frame, waiting for room
	// until the context is done.
	SendFrameContext(ctx context.Context, frame Frame) error
}

// FrameInjector is an endpoint the [*Internet] can deliver frames to.
//
// Both [*NIC] and [*TUN] implement this interface.
type FrameInjector interface {
	InjectFrame(frame Frame) bool
}

// Internet models the network connecting the benchmark endpoints.
//
// Frames sent by endpoints queue on a bounded in-flight channel. When the
// channel is full, non-blocking sends are rejected, which is what the
// sender observes as discards. Whoever reads [*Internet.InFlight] decides
// whether to forward each frame using [*Internet.Deliver].
//
// Construct using [NewInternet].
type Internet struct {
	// dropped counts frames rejected because the queue was full.
	dropped atomic.Uint64

	// inflight is the channel receiving inflight packets.
	inflight chan Frame

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// prefixes contains the known prefix routes.
	prefixes []internetPrefixRoute

	// routes contains the known host routes.
	routes map[netip.Addr]FrameInjector
}

type internetPrefixRoute struct {
	prefix netip.Prefix
	dst    FrameInjector
}

// InternetOption is an option for [NewInternet].
type InternetOption func(cfg *internetConfig)

// internetConfig is the internal type modified by [InternetOption].
type internetConfig struct {
	maxInflight int
}

// DefaultMaxInflight is the default maximum number of inflight packets.
const DefaultMaxInflight = 1024

// InternetOptionMaxInflight sets the maximum number of inflight packets.
//
// The default is [DefaultMaxInflight] packets. When the channel is
// full, additional packets are rejected.
func InternetOptionMaxInflight(max int) InternetOption {
	return func(cfg *internetConfig) {
		cfg.maxInflight = max
	}
}

// NewInternet creates and returns a new [*Internet] instance.
func NewInternet(options ...InternetOption) *Internet {
	cfg := &internetConfig{
		maxInflight: DefaultMaxInflight,
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Internet{
		inflight: make(chan Frame, cfg.maxInflight),
		mu:       sync.RWMutex{},
		routes:   make(map[netip.Addr]FrameInjector),
	}
}

// NewNIC constructs a new [*NIC] attached to the [*Internet].
//
// This method internally invokes the [NewNIC] factory func.
func (ix *Internet) NewNIC(mtu uint32) *NIC {
	return NewNIC(mtu, ix)
}

// AddRoute registers the given [FrameInjector] to have the given addresses
// such that it is possible to route packets to it.
//
// This method fails if the claimed addresses are already in use.
func (ix *Internet) AddRoute(dst FrameInjector, addrs ...netip.Addr) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, addr := range addrs {
		if _, found := ix.routes[addr]; found {
			return fmt.Errorf("duplicate address detected: %s", addr.String())
		}
	}
	for _, addr := range addrs {
		ix.routes[addr] = dst
	}
	return nil
}

// AddPrefixRoute routes packets for any address in prefix to dst, unless
// a host route or a longer prefix route matches first.
//
// This method fails if the same prefix is already routed.
func (ix *Internet) AddPrefixRoute(dst FrameInjector, prefix netip.Prefix) error {
	prefix = prefix.Masked()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, route := range ix.prefixes {
		if route.prefix == prefix {
			return fmt.Errorf("duplicate route detected: %s", prefix.String())
		}
	}
	ix.prefixes = append(ix.prefixes, internetPrefixRoute{prefix: prefix, dst: dst})
	return nil
}

// NewStack creates and attaches a [*Stack] to the [*Internet].
//
// The mtu parameter sets the MTU in bytes. Common values:
//
// - [MTUEthernet]
// - [MTUMinimumIPv6]
// - [MTUJumbo]
// - [MTUTunnel]
//
// The addrs argument contains the IPv4/IPv6 addresses to configure.
func (ix *Internet) NewStack(mtu uint32, addrs ...netip.Addr) (*Stack, error) {
	nic := ix.NewNIC(mtu)
	stack, err := NewStack(nic, addrs...)
	if err != nil {
		return nil, err
	}
	if err := ix.AddRoute(nic, addrs...); err != nil {
		stack.Close()
		return nil, err
	}
	return stack, nil
}

// NewTUN creates a [*TUN] from the given config and attaches it to
// the [*Internet]. The TUN receives packets for its address, for the
// subnet described by the netmask and for the optional route. Closing
// the TUN removes these routes.
func (ix *Internet) NewTUN(config TUNConfig) (*TUN, error) {
	// 1. validate the configuration eagerly
	if err := config.validate(); err != nil {
		return nil, err
	}
	tun := newTUN(config, ix)

	// 2. claim the address
	if err := ix.AddRoute(tun, config.Address); err != nil {
		return nil, err
	}

	// 3. claim the on-link subnet and the extra route
	if subnet := config.subnet(); subnet.Bits() < subnet.Addr().BitLen() {
		if err := ix.AddPrefixRoute(tun, subnet); err != nil {
			ix.forget(tun)
			return nil, err
		}
	}
	if config.Route.IsValid() {
		if err := ix.AddPrefixRoute(tun, config.Route); err != nil {
			ix.forget(tun)
			return nil, err
		}
	}
	tun.closefunc = func() {
		ix.forget(tun)
	}
	return tun, nil
}

// forget removes every route pointing to dst.
func (ix *Internet) forget(dst FrameInjector) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for addr, endpoint := range ix.routes {
		if endpoint == dst {
			delete(ix.routes, addr)
		}
	}
	ix.prefixes = slices.DeleteFunc(ix.prefixes, func(route internetPrefixRoute) bool {
		return route.dst == dst
	})
}

// Ensure that [*Internet] implements [FrameNetwork].
var _ FrameNetwork = &Internet{}

// SendFrame implements [FrameNetwork].
func (ix *Internet) SendFrame(frame Frame) bool {
	select {
	case ix.inflight <- frame:
		return true
	default:
		ix.dropped.Add(1)
		return false
	}
}

// SendFrameContext implements [FrameNetwork].
func (ix *Internet) SendFrameContext(ctx context.Context, frame Frame) error {
	select {
	case ix.inflight <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the channel where the in flight [Frame] are posted.
func (ix *Internet) InFlight() <-chan Frame {
	return ix.inflight
}

// Dropped returns the number of frames rejected because the in-flight
// queue was full.
func (ix *Internet) Dropped() uint64 {
	return ix.dropped.Load()
}

// Deliver routes a frame to the appropriate endpoint based on destination IP.
//
// Host routes take precedence over prefix routes and longer prefixes take
// precedence over shorter ones.
//
// Returns false if the destination IP cannot be parsed, is not routable,
// or injection fails.
func (ix *Internet) Deliver(frame Frame) bool {
	// 1. parse the destination IP from the raw packet
	dstIP, ok := internetParseDestinationIP(frame.Packet)
	if !ok {
		return false
	}

	// 2. look up the endpoint for this destination
	dst := ix.lookup(dstIP)

	// 3. drop if no route exists (including broadcast/multicast/unknown)
	if dst == nil {
		return false
	}

	// 4. inject the frame into the destination endpoint
	return dst.InjectFrame(frame)
}

func (ix *Internet) lookup(addr netip.Addr) FrameInjector {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if dst := ix.routes[addr]; dst != nil {
		return dst
	}
	var (
		best     FrameInjector
		bestBits = -1
	)
	for _, route := range ix.prefixes {
		if route.prefix.Contains(addr) && route.prefix.Bits() > bestBits {
			best, bestBits = route.dst, route.prefix.Bits()
		}
	}
	return best
}

// internetParseDestinationIP extracts the destination IP from a raw IP packet.
func internetParseDestinationIP(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}

	version := pkt[0] >> 4
	switch version {
	case 4:
		// IPv4: destination is at bytes 16-19
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(pkt[16:20])
		return addr, ok

	case 6:
		// IPv6: destination is at bytes 24-39
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		addr, ok := netip.AddrFromSlice(pkt[24:40])
		return addr, ok

	default:
		return netip.Addr{}, false
	}
}
