// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Enumerate the datagram constants.
const (
	// DatagramHeaderSize is the size of the IPv4 plus UDP headers.
	DatagramHeaderSize = ipv4HeaderSize + udpHeaderSize

	// SourcePort is the UDP source port of encoded datagrams.
	SourcePort = 41718

	// DestinationPort is the UDP destination port of the benchmark.
	DestinationPort = 1911

	// DefaultInitialID is the default first IPv4 identification value.
	DefaultInitialID = 777

	ipv4HeaderSize = 20
	udpHeaderSize  = 8
	ipv4TTL        = 64
	ipv4DontFrag   = 0x4000
	maxDatagram    = 0xffff
)

// CodecOption is an option for [NewCodec].
type CodecOption func(cfg *codecConfig)

type codecConfig struct {
	initialID uint16
}

// CodecOptionInitialID sets the identification of the first datagram.
//
// The default is [DefaultInitialID].
func CodecOptionInitialID(id uint16) CodecOption {
	return func(cfg *codecConfig) {
		cfg.initialID = id
	}
}

// Codec frames benchmark payloads as minimal IPv4/UDP datagrams and
// filters raw datagrams addressed to the benchmark.
//
// Each [*Codec] owns its identification counter, so independent
// benchmark sessions do not interfere with each other.
//
// Construct using [NewCodec]. Safe for concurrent use.
type Codec struct {
	// nextID is the next identification value. The low 16 bits are
	// used, which makes the counter wrap around at 65536.
	nextID atomic.Uint32
}

// NewCodec creates a new [*Codec].
func NewCodec(options ...CodecOption) *Codec {
	cfg := &codecConfig{
		initialID: DefaultInitialID,
	}
	for _, opt := range options {
		opt(cfg)
	}
	c := &Codec{}
	c.nextID.Store(uint32(cfg.initialID))
	return c
}

// Encode returns a new datagram carrying payload from src to dst.
//
// The IPv4 header has version 4, IHL 5, TTL 64, the don't fragment flag,
// the protocol set to UDP and a valid header checksum. The UDP header uses
// [SourcePort] and [DestinationPort] and leaves the optional checksum zero.
func (c *Codec) Encode(src, dst netip.Addr, payload []byte) ([]byte, error) {
	// 1. validate the addresses and the size
	src, dst = src.Unmap(), dst.Unmap()
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotIPv4, src, dst)
	}
	total := DatagramHeaderSize + len(payload)
	if total > maxDatagram {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	datagram := make([]byte, total)

	// 2. fill the IPv4 header leaving the checksum zero
	ip := datagram[:ipv4HeaderSize]
	ip[0] = 0x45 // version 4, five 32-bit words
	binary.BigEndian.PutUint16(ip[2:], uint16(total))
	binary.BigEndian.PutUint16(ip[4:], c.takeID())
	binary.BigEndian.PutUint16(ip[6:], ipv4DontFrag)
	ip[8] = ipv4TTL
	ip[9] = byte(layers.IPProtocolUDP)
	srcBytes, dstBytes := src.As4(), dst.As4()
	copy(ip[12:16], srcBytes[:])
	copy(ip[16:20], dstBytes[:])

	// 3. compute the checksum over exactly the header bytes
	binary.BigEndian.PutUint16(ip[10:], Checksum(ip))

	// 4. fill the UDP header
	udp := datagram[ipv4HeaderSize:DatagramHeaderSize]
	binary.BigEndian.PutUint16(udp[0:], SourcePort)
	binary.BigEndian.PutUint16(udp[2:], DestinationPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpHeaderSize+len(payload)))

	// 5. append the payload
	copy(datagram[DatagramHeaderSize:], payload)
	return datagram, nil
}

// takeID returns the current identification and advances the counter.
func (c *Codec) takeID() uint16 {
	return uint16(c.nextID.Add(1) - 1)
}

// Decode returns the UDP payload of datagram when datagram is an IPv4
// datagram carrying UDP towards [DestinationPort]. Otherwise, it returns
// false, meaning that the datagram is not for the benchmark.
//
// The returned payload aliases datagram.
func (c *Codec) Decode(datagram []byte) ([]byte, bool) {
	// 1. parse the IPv4 header
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(datagram, gopacket.NilDecodeFeedback); err != nil {
		return nil, false
	}
	if ip.Version != 4 || ip.Protocol != layers.IPProtocolUDP {
		return nil, false
	}

	// 2. parse the UDP header
	var udp layers.UDP
	if err := udp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, false
	}
	if udp.DstPort != DestinationPort {
		return nil, false
	}
	return udp.Payload, true
}
