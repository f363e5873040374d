//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package tunburst

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a packet snapshot.
type pcapSnapshot struct {
	// data is the data inside the snapshot.
	data []byte

	// length is the original length.
	length int

	// timestamp is when the packet was dumped.
	timestamp time.Time
}

// DefaultPCAPTraceBuffer is the default number of snapshots
// a [*PCAPTrace] buffers before dropping.
const DefaultPCAPTraceBuffer = 4096

// PCAPTraceOption is an option for [NewPCAPTrace].
type PCAPTraceOption func(cfg *pcapTraceConfig)

type pcapTraceConfig struct {
	buffer int
	filter func(packet []byte) bool
}

// PCAPTraceOptionBuffer sets the number of snapshots buffered while
// waiting for the writer. The default is [DefaultPCAPTraceBuffer].
func PCAPTraceOptionBuffer(size int) PCAPTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.buffer = size
	}
}

// PCAPTraceOptionFilter only saves the packets for which filter returns
// true. For example, use [*Codec.Decode] to only save benchmark datagrams.
func PCAPTraceOptionFilter(filter func(packet []byte) bool) PCAPTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.filter = filter
	}
}

// PCAPTrace saves raw IP packets into a PCAP file from a background
// goroutine, so that capturing does not slow down routing.
//
// Construct using [NewPCAPTrace].
type PCAPTrace struct {
	// cancel allows to cancel the background goroutine.
	cancel context.CancelFunc

	// dropped is the number of packets dropped.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// filter optionally selects the packets to save.
	filter func(packet []byte) bool

	// once provides "once" semantics for Close.
	once sync.Once

	// snaplen is the number of bytes to capture.
	snaplen uint16

	// snaps contains the pending snapshots.
	snaps chan pcapSnapshot

	// testCancellationDrainHook runs after cancellation is noticed, if set.
	testCancellationDrainHook func()

	// wc is the open writer we're using.
	wc io.WriteCloser

	// written is the number of packets written.
	written atomic.Uint64
}

// NewPCAPTrace creates a new [*PCAPTrace] writing to wc and capturing
// at most snaplen bytes of each packet.
func NewPCAPTrace(wc io.WriteCloser, snaplen uint16, options ...PCAPTraceOption) *PCAPTrace {
	// 1. apply the options
	cfg := &pcapTraceConfig{buffer: DefaultPCAPTraceBuffer}
	for _, opt := range options {
		opt(cfg)
	}

	// 2. initialize the trace struct
	ctx, cancel := context.WithCancel(context.Background())
	tr := &PCAPTrace{
		cancel:  cancel,
		errch:   make(chan error, 1),
		filter:  cfg.filter,
		snaplen: snaplen,
		snaps:   make(chan pcapSnapshot, cfg.buffer),
		wc:      wc,
	}

	// 3. start the worker and return
	go tr.saveLoop(ctx)
	return tr
}

// Dump saves a snapshot of the given raw IPv4/IPv6 packet.
func (tr *PCAPTrace) Dump(packet []byte) {
	if tr.filter != nil && !tr.filter(packet) {
		return
	}
	snap := pcapSnapshot{
		data:      append([]byte{}, packet[:min(len(packet), int(tr.snaplen))]...),
		length:    len(packet),
		timestamp: time.Now(),
	}
	select {
	case tr.snaps <- snap:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped due to buffer overflow.
//
// Packets are dropped when Dump is called but the internal buffer is full.
// This happens when disk I/O cannot keep up with packet capture rate.
func (tr *PCAPTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// Written returns the number of packets written so far.
func (tr *PCAPTrace) Written() uint64 {
	return tr.written.Load()
}

// saveLoop writes the header and then each snapshot until
// cancelled and the pending snapshots are drained.
func (tr *PCAPTrace) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snaplen), layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		if err := tr.savePacket(w, snap); err != nil {
			tr.errch <- err
			return
		}
		tr.written.Add(1)
	}
}

// readOrDrain returns the next snapshot. After cancellation, it only
// returns the snapshots already buffered and then returns false.
func (tr *PCAPTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
		if tr.testCancellationDrainHook != nil {
			tr.testCancellationDrainHook()
		}
		select {
		case snap := <-tr.snaps:
			return snap, true
		default:
			return pcapSnapshot{}, false
		}
	}
}

func (tr *PCAPTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     snap.timestamp,
		CaptureLength: len(snap.data),
		Length:        snap.length,
	}
	return w.WritePacket(ci, snap.data)
}

// Close interrupts the background goroutine and waits for it to join
// before closing the packet capture file.
func (tr *PCAPTrace) Close() (err error) {
	tr.once.Do(func() {
		// notify the background goroutine to terminate
		tr.cancel()

		// wait for the goroutine to terminate
		err1 := <-tr.errch

		// close the open capture file
		err2 := tr.wc.Close()

		// assemble a common error (nil on success)
		err = errors.Join(err1, err2)
	})
	return
}
