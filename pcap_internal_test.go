// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCAPTraceReadOrDrain(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	type testcase struct {
		name   string
		hook   func(tr *PCAPTrace)
		expect []byte
		ok     bool
	}

	cases := []testcase{{
		name: "snapshot_arriving_while_canceling",
		hook: func(tr *PCAPTrace) {
			tr.snaps <- pcapSnapshot{data: []byte{0x45}, length: 20}
		},
		expect: []byte{0x45},
		ok:     true,
	}, {
		name: "nothing_left_to_drain",
		ok:   false,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &PCAPTrace{snaps: make(chan pcapSnapshot, 1)}
			if tc.hook != nil {
				tr.testCancellationDrainHook = func() { tc.hook(tr) }
			}
			snap, ok := tr.readOrDrain(canceled)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expect, snap.data)
		})
	}
}

func TestPCAPTraceDumpSnapshots(t *testing.T) {
	tr := &PCAPTrace{
		filter: func(packet []byte) bool {
			return len(packet) > 0 && packet[0]>>4 == 4
		},
		snaplen: 4,
		snaps:   make(chan pcapSnapshot, 1),
	}

	// the filter rejects non-IPv4 packets
	tr.Dump([]byte{0x60, 0x00, 0x00, 0x00, 0x00})
	assert.Empty(t, tr.snaps)

	// the snapshot is truncated to the snaplen and copied
	packet := []byte{0x45, 0x00, 0x00, 0x1c, 0xde, 0xad}
	tr.Dump(packet)
	packet[0] = 0
	snap := <-tr.snaps
	assert.Equal(t, []byte{0x45, 0x00, 0x00, 0x1c}, snap.data)
	assert.Equal(t, 6, snap.length)
	assert.False(t, snap.timestamp.IsZero())

	// a full buffer drops the snapshot
	tr.Dump([]byte{0x45})
	tr.Dump([]byte{0x45})
	assert.Equal(t, uint64(1), tr.Dropped())
}
