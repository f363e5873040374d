// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst_test

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bassosimone/iotest"
	"github.com/bassosimone/tunburst"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCAPTraceCloseErrors(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")

	cases := []struct {
		name string

		// failAt is the first write that fails: the file header is write 1
		failAt uint32

		// dump is the number of one-byte packets to dump before closing
		dump int
	}{{
		name:   "header_write_fails",
		failAt: 1,
		dump:   0,
	}, {
		name:   "first_packet_write_fails",
		failAt: 2,
		dump:   1,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var writes atomic.Uint32
			failed := make(chan struct{})
			wc := &iotest.FuncWriteCloser{
				WriteFunc: func(b []byte) (int, error) {
					if writes.Add(1) < tc.failAt {
						return len(b), nil
					}
					if writes.Load() == tc.failAt {
						close(failed)
					}
					return 0, writeErr
				},
				CloseFunc: func() error {
					return closeErr
				},
			}

			trace := tunburst.NewPCAPTrace(wc, tunburst.MTUEthernet)
			for idx := 0; idx < tc.dump; idx++ {
				trace.Dump([]byte{byte(idx)})
			}
			if tc.dump > 0 {
				<-failed
			}

			err := trace.Close()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), writeErr.Error()))
			assert.True(t, errors.Is(err, closeErr))
			assert.Zero(t, trace.Written())
		})
	}
}

func TestPCAPTraceDroppedWhenBufferFull(t *testing.T) {
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := tunburst.NewPCAPTrace(wc, tunburst.MTUEthernet, tunburst.PCAPTraceOptionBuffer(1))
	trace.Dump([]byte{0x00})
	trace.Dump([]byte{0x01})
	assert.Equal(t, uint64(1), trace.Dropped())
	close(gate)
	require.NoError(t, trace.Close())
	assert.Equal(t, uint64(1), trace.Written())
}

type bufferWriteCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferWriteCloser) Close() error {
	b.closed = true
	return nil
}

func TestPCAPTraceWritesFilteredBenchmarkDatagrams(t *testing.T) {
	codec := tunburst.NewCodec()
	src, dst := netip.MustParseAddr("10.22.0.11"), netip.MustParseAddr("10.22.0.12")
	datagram, err := codec.Encode(src, dst, bytes.Repeat([]byte{0xaa}, 100))
	require.NoError(t, err)

	// corrupt the destination port so the filter discards the packet
	foreign := append([]byte{}, datagram...)
	foreign[23] = 53

	out := &bufferWriteCloser{}
	trace := tunburst.NewPCAPTrace(out, 64, tunburst.PCAPTraceOptionFilter(func(packet []byte) bool {
		_, ok := codec.Decode(packet)
		return ok
	}))
	trace.Dump(datagram)
	trace.Dump(foreign)
	require.NoError(t, trace.Close())
	assert.True(t, out.closed)
	assert.Equal(t, uint64(1), trace.Written())
	assert.Zero(t, trace.Dropped())

	reader, err := pcapgo.NewReader(&out.Buffer)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, reader.LinkType())
	data, ci, err := reader.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, 64, ci.CaptureLength)
	assert.Equal(t, len(datagram), ci.Length)
	assert.Equal(t, datagram[:64], data)
}
