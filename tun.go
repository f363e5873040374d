// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"fmt"
	"math/bits"
	"net"
	"net/netip"
	"sync"
)

// TUNConfig configures a [*TUN] created using [*Internet.NewTUN].
type TUNConfig struct {
	// Address is the IPv4 address of the interface. It is mandatory
	// and the [*Internet] delivers packets for it to the [*TUN].
	Address netip.Addr

	// NetworkMask is the dotted IPv4 network mask (e.g., 255.255.255.0).
	// When set, the [*TUN] also receives packets for the on-link subnet.
	// The zero value means a host-only interface.
	NetworkMask netip.Addr

	// MTU is the interface MTU. Zero means [MTUTunnel].
	MTU int

	// Route is an optional extra destination prefix routed to the [*TUN].
	Route netip.Prefix

	// QueueLength is the number of inbound packets the [*TUN] buffers
	// before dropping. Zero means [DefaultMaxInflight].
	QueueLength int
}

// Enumerate the MTU bounds accepted by [TUNConfig].
const (
	minTUNMTU = 68
	maxTUNMTU = 65535
)

// validate checks the configuration without modifying it.
func (c TUNConfig) validate() error {
	if !c.Address.IsValid() {
		return fmt.Errorf("%w: tun address", ErrMissingAddress)
	}
	if !c.Address.Is4() {
		return fmt.Errorf("%w: tun address %s", ErrNotIPv4, c.Address)
	}
	if c.NetworkMask.IsValid() {
		if _, err := tunMaskBits(c.NetworkMask); err != nil {
			return err
		}
	}
	if c.MTU != 0 && (c.MTU < minTUNMTU || c.MTU > maxTUNMTU) {
		return fmt.Errorf("%w: tun mtu %d", ErrInvalidConfig, c.MTU)
	}
	if c.Route.IsValid() && !c.Route.Addr().Is4() {
		return fmt.Errorf("%w: tun route %s", ErrNotIPv4, c.Route)
	}
	if c.QueueLength < 0 {
		return fmt.Errorf("%w: tun queue length %d", ErrInvalidConfig, c.QueueLength)
	}
	return nil
}

// subnet returns the on-link subnet of the interface.
//
// This method assumes the config is valid.
func (c TUNConfig) subnet() netip.Prefix {
	ones := c.Address.BitLen()
	if c.NetworkMask.IsValid() {
		ones, _ = tunMaskBits(c.NetworkMask)
	}
	return netip.PrefixFrom(c.Address, ones).Masked()
}

func (c TUNConfig) mtu() int {
	if c.MTU == 0 {
		return MTUTunnel
	}
	return c.MTU
}

func (c TUNConfig) queueLength() int {
	if c.QueueLength == 0 {
		return DefaultMaxInflight
	}
	return c.QueueLength
}

// tunMaskBits returns the prefix length of a contiguous dotted IPv4 mask.
func tunMaskBits(mask netip.Addr) (int, error) {
	if !mask.Is4() {
		return 0, fmt.Errorf("%w: tun netmask %s", ErrInvalidConfig, mask)
	}
	b := mask.As4()
	value := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	ones := bits.LeadingZeros32(^value)
	if value != ^uint32(0)<<(32-ones) {
		return 0, fmt.Errorf("%w: non contiguous tun netmask %s", ErrInvalidConfig, mask)
	}
	return ones, nil
}

// TUN is a raw IP endpoint attached to an [*Internet], which is the
// in-memory counterpart of a kernel TUN device.
//
// Writing a packet sends it to the [*Internet]. Packets the [*Internet]
// delivers to the [*TUN] queue until a subscriber reads them.
//
// Construct using [*Internet.NewTUN].
type TUN struct {
	// cancel cancels ctx when the [*TUN] is closed.
	cancel context.CancelFunc

	// closefunc runs once when the [*TUN] is closed.
	closefunc func()

	// config is the validated configuration.
	config TUNConfig

	// counters tracks the traffic.
	counters nicCounters

	// ctx is done when the [*TUN] is closed.
	ctx context.Context

	// incoming buffers the inbound packets.
	incoming chan Frame

	// network is the network we're attached to.
	network FrameNetwork

	// once makes Close idempotent.
	once sync.Once
}

// newTUN creates a [*TUN] using a valid config.
func newTUN(config TUNConfig, network FrameNetwork) *TUN {
	ctx, cancel := context.WithCancel(context.Background())
	return &TUN{
		cancel:   cancel,
		config:   config,
		ctx:      ctx,
		incoming: make(chan Frame, config.queueLength()),
		network:  network,
	}
}

// Ensure that [*TUN] implements [Channel] and [FrameInjector].
var (
	_ Channel       = &TUN{}
	_ FrameInjector = &TUN{}
)

// Addr returns the interface address.
func (t *TUN) Addr() netip.Addr {
	return t.config.Address
}

// MTU returns the interface MTU.
func (t *TUN) MTU() int {
	return t.config.mtu()
}

// Info returns the traffic counters.
func (t *TUN) Info() NICInfo {
	return t.counters.info()
}

// Transmit implements [Transmitter]. The packet must be a raw IP packet.
//
// In blocking mode, Transmit waits until the [*Internet] queue has room,
// the context is done, or the [*TUN] is closed. Otherwise, it returns false
// when the [*Internet] queue is full. Packets larger than the MTU are
// dropped and also cause Transmit to return false.
func (t *TUN) Transmit(ctx context.Context, packet []byte, blocking bool) (bool, error) {
	// 1. refuse to work after close
	if t.ctx.Err() != nil {
		return false, net.ErrClosed
	}

	// 2. enforce the MTU
	if len(packet) <= 0 {
		return false, nil
	}
	if len(packet) > t.config.mtu() {
		t.counters.txDropped.Add(1)
		return false, nil
	}
	frame := Frame{Packet: append([]byte{}, packet...)}

	// 3. handle the non-blocking case
	if !blocking {
		if !t.network.SendFrame(frame) {
			t.counters.txDropped.Add(1)
			return false, nil
		}
		t.counters.txPackets.Add(1)
		return true, nil
	}

	// 4. wait for the network, unblocking on close
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()
	if err := t.network.SendFrameContext(ctx, frame); err != nil {
		t.counters.txDropped.Add(1)
		if t.ctx.Err() != nil {
			return false, net.ErrClosed
		}
		return false, err
	}
	t.counters.txPackets.Add(1)
	return true, nil
}

// InjectFrame implements [FrameInjector].
func (t *TUN) InjectFrame(frame Frame) bool {
	if len(frame.Packet) <= 0 {
		return false
	}
	if t.ctx.Err() != nil || len(frame.Packet) > t.config.mtu() {
		t.counters.rxDropped.Add(1)
		return false
	}
	select {
	case t.incoming <- frame:
		t.counters.rxPackets.Add(1)
		return true
	default:
		t.counters.rxDropped.Add(1)
		return false
	}
}

// Subscribe implements [Subscriber]. It calls handler for each inbound raw
// IP packet until the context is done or the [*TUN] is closed.
//
// Concurrent subscribers share the inbound packets.
func (t *TUN) Subscribe(ctx context.Context, handler func(packet []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ctx.Done():
			return net.ErrClosed
		case frame := <-t.incoming:
			handler(frame.Packet)
		}
	}
}

// Close implements [Channel]. It detaches the [*TUN] from the [*Internet].
func (t *TUN) Close() error {
	t.once.Do(func() {
		t.cancel()
		if t.closefunc != nil {
			t.closefunc()
		}
	})
	return nil
}
