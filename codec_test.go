// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst_test

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/bassosimone/tunburst"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"pgregory.net/rapid"
)

var (
	codecSrc = netip.MustParseAddr("10.22.0.11")
	codecDst = netip.MustParseAddr("10.22.0.12")
)

func TestCodecEncodeHeaderFields(t *testing.T) {
	codec := tunburst.NewCodec()
	datagram, err := codec.Encode(codecSrc, codecDst, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, datagram, tunburst.DatagramHeaderSize+5)

	pkt := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, uint8(4), ip.Version)
	assert.Equal(t, uint8(5), ip.IHL)
	assert.Equal(t, uint8(64), ip.TTL)
	assert.Equal(t, layers.IPProtocolUDP, ip.Protocol)
	assert.NotZero(t, ip.Flags&layers.IPv4DontFragment)
	assert.Equal(t, uint16(33), ip.Length)
	assert.Equal(t, uint16(tunburst.DefaultInitialID), ip.Id)
	assert.True(t, ip.SrcIP.Equal(codecSrc.AsSlice()))
	assert.True(t, ip.DstIP.Equal(codecDst.AsSlice()))

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(41718), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(1911), udp.DstPort)
	assert.Equal(t, uint16(13), udp.Length)
	assert.Zero(t, udp.Checksum)
	assert.Equal(t, []byte("hello"), udp.Payload)

	assert.True(t, header.IPv4(datagram).IsChecksumValid())
	assert.Zero(t, tunburst.Checksum(datagram[:20]))
}

func TestCodecEncodeErrors(t *testing.T) {
	codec := tunburst.NewCodec()

	t.Run("ipv6_source", func(t *testing.T) {
		_, err := codec.Encode(netip.MustParseAddr("2001:db8::1"), codecDst, nil)
		require.ErrorIs(t, err, tunburst.ErrNotIPv4)
	})

	t.Run("invalid_destination", func(t *testing.T) {
		_, err := codec.Encode(codecSrc, netip.Addr{}, nil)
		require.ErrorIs(t, err, tunburst.ErrNotIPv4)
	})

	t.Run("payload_too_large", func(t *testing.T) {
		_, err := codec.Encode(codecSrc, codecDst, make([]byte, 0xffff-27))
		require.ErrorIs(t, err, tunburst.ErrPayloadTooLarge)
	})

	t.Run("ipv4_mapped_ipv6_is_fine", func(t *testing.T) {
		_, err := codec.Encode(netip.MustParseAddr("::ffff:10.22.0.11"), codecDst, nil)
		require.NoError(t, err)
	})
}

func TestCodecIdentificationIncrements(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		codec := tunburst.NewCodec(tunburst.CodecOptionInitialID(100))
		for expect := uint16(100); expect < 110; expect++ {
			datagram, err := codec.Encode(codecSrc, codecDst, nil)
			require.NoError(t, err)
			assert.Equal(t, expect, binary.BigEndian.Uint16(datagram[4:]))
		}
	})

	t.Run("wraparound", func(t *testing.T) {
		codec := tunburst.NewCodec(tunburst.CodecOptionInitialID(0xffff))
		first, err := codec.Encode(codecSrc, codecDst, nil)
		require.NoError(t, err)
		second, err := codec.Encode(codecSrc, codecDst, nil)
		require.NoError(t, err)
		assert.Equal(t, uint16(0xffff), binary.BigEndian.Uint16(first[4:]))
		assert.Equal(t, uint16(0x0000), binary.BigEndian.Uint16(second[4:]))
	})

	t.Run("independent_instances", func(t *testing.T) {
		first := tunburst.NewCodec()
		second := tunburst.NewCodec()
		_, err := first.Encode(codecSrc, codecDst, nil)
		require.NoError(t, err)
		datagram, err := second.Encode(codecSrc, codecDst, nil)
		require.NoError(t, err)
		assert.Equal(t, uint16(tunburst.DefaultInitialID), binary.BigEndian.Uint16(datagram[4:]))
	})
}

func TestCodecRoundTrip(t *testing.T) {
	codec := tunburst.NewCodec()
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 1500).Draw(t, "payload")
		datagram, err := codec.Encode(codecSrc, codecDst, payload)
		if err != nil {
			t.Fatal(err)
		}
		if !header.IPv4(datagram).IsChecksumValid() {
			t.Fatal("invalid IPv4 header checksum")
		}
		decoded, ok := codec.Decode(datagram)
		if !ok {
			t.Fatal("datagram not recognized")
		}
		if string(decoded) != string(payload) {
			t.Fatalf("expected %x, got %x", payload, decoded)
		}
	})
}

func TestCodecDecodeRejects(t *testing.T) {
	codec := tunburst.NewCodec()
	valid, err := codec.Encode(codecSrc, codecDst, []byte("payload"))
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, ok := codec.Decode(nil)
		assert.False(t, ok)
	})

	t.Run("truncated_ip_header", func(t *testing.T) {
		_, ok := codec.Decode(valid[:12])
		assert.False(t, ok)
	})

	t.Run("truncated_udp_header", func(t *testing.T) {
		truncated := append([]byte{}, valid[:24]...)
		binary.BigEndian.PutUint16(truncated[2:], 24)
		_, ok := codec.Decode(truncated)
		assert.False(t, ok)
	})

	t.Run("ipv6", func(t *testing.T) {
		datagram := append([]byte{}, valid...)
		datagram[0] = 0x65
		_, ok := codec.Decode(datagram)
		assert.False(t, ok)
	})

	t.Run("not_udp", func(t *testing.T) {
		datagram := append([]byte{}, valid...)
		datagram[9] = byte(layers.IPProtocolTCP)
		_, ok := codec.Decode(datagram)
		assert.False(t, ok)
	})

	t.Run("wrong_port", func(t *testing.T) {
		datagram := append([]byte{}, valid...)
		binary.BigEndian.PutUint16(datagram[22:], 53)
		_, ok := codec.Decode(datagram)
		assert.False(t, ok)
	})
}

func TestCodecDecodeForeignDatagram(t *testing.T) {
	// a datagram built by another encoder with a UDP checksum and a
	// different source port must still be recognized
	ip := &layers.IPv4{
		Version:  4,
		TTL:      32,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    codecSrc.AsSlice(),
		DstIP:    codecDst.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: 5555,
		DstPort: tunburst.DestinationPort,
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buffer, opts, ip, udp, gopacket.Payload("world")))

	payload, ok := tunburst.NewCodec().Decode(buffer.Bytes())
	require.True(t, ok)
	assert.Equal(t, []byte("world"), payload)
}
