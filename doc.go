// SPDX-License-Identifier: GPL-3.0-or-later

// Package tunburst benchmarks raw point-to-point packet channels by sending
// synthetic traffic at a controlled rate and measuring, on the receiving
// side, how much of it was delivered.
//
// The benchmark protocol has three messages (see [Begin], [Record] and [End]).
// A [*Burster] announces a session with [Begin], sends rounds of
// sequence-stamped [Record] messages paced to approximate a target bit-rate,
// and closes the session with [End]. A [*Collector] consumes whatever arrives,
// in whatever order and multiplicity, rebuilds a [ReceptionMatrix] for the
// session, and emits per-round and final reports to a [Reporter].
//
// Payloads travel over a [Channel]. A [*DatagramChannel] frames them as raw
// IPv4/UDP datagrams using a [*Codec] and moves them through a [*TUN] attached
// to a simulated [*Internet]. A [*PacketConnChannel] or [*ConnChannel] moves
// them over UDP sockets, either provided by a userspace [*Stack] attached to
// the same [*Internet] or by the operating system.
//
// A [*Router] forwards the frames in flight on the [*Internet], optionally
// dropping a fraction of them. The [*PCAPTrace] type captures packets in
// flight in PCAP format so that you can inspect a benchmark run using tools
// such as wireshark.
package tunburst
