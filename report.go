// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"fmt"
	"io"
	"sync"

	"github.com/apex/log"
)

// Reporter receives the reports of a [*Collector].
//
// The [*Collector] calls the Reporter while holding its lock, so the
// reports arrive in order. A Reporter must not call back into the
// [*Collector].
type Reporter interface {
	// SessionStarted is called when a [Begin] starts a session.
	SessionStarted(info SessionInfo)

	// RoundComplete is called when a round report fires. The final
	// report also calls it for the last round.
	RoundComplete(report RoundReport)

	// SessionComplete is called when the final report fires.
	SessionComplete(report FinalReport)
}

// BurstReporter receives the reports of a [*Burster].
type BurstReporter interface {
	// BurstRound is called after each round.
	BurstRound(result *BurstResult, round BurstRound)

	// BurstComplete is called after the [End] messages have been sent.
	BurstComplete(result *BurstResult)
}

// nopReporter discards all the reports.
type nopReporter struct{}

var (
	_ Reporter      = nopReporter{}
	_ BurstReporter = nopReporter{}
)

func (nopReporter) SessionStarted(SessionInfo)          {}
func (nopReporter) RoundComplete(RoundReport)           {}
func (nopReporter) SessionComplete(FinalReport)         {}
func (nopReporter) BurstRound(*BurstResult, BurstRound) {}
func (nopReporter) BurstComplete(*BurstResult)          {}

// bitsPerMbit is the number of bits in a megabit as used in the reports.
const bitsPerMbit = mebibyte

// TextReporter writes human readable lines.
//
// Construct using [NewTextReporter].
type TextReporter struct {
	mu sync.Mutex
	w  io.Writer
}

var (
	_ Reporter      = &TextReporter{}
	_ BurstReporter = &TextReporter{}
)

// NewTextReporter creates a [*TextReporter] writing to w.
func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{w: w}
}

func (tr *TextReporter) printf(format string, args ...any) {
	tr.mu.Lock()
	fmt.Fprintf(tr.w, format, args...)
	tr.mu.Unlock()
}

// SessionStarted implements [Reporter].
func (tr *TextReporter) SessionStarted(info SessionInfo) {
	tr.printf("incoming burst, rounds %d rate %d p/s\n", info.RoundCount, info.PacketsPerRound)
}

// RoundComplete implements [Reporter].
func (tr *TextReporter) RoundComplete(report RoundReport) {
	tr.printf("round %d complete, loss %d / %d (%.2f%%) %.2f Mbit/s\n",
		report.Round, report.Lost, report.Session.PacketsPerRound,
		report.LossPercent, report.Throughput/bitsPerMbit)
}

// SessionComplete implements [Reporter].
func (tr *TextReporter) SessionComplete(report FinalReport) {
	tr.printf("final loss %d / %d (%.2f%%) recv %d dup %d measured throughput %.1f Mbit/s\n",
		report.Lost, report.Total, report.LossPercent, report.Received,
		report.Duplicates, report.Throughput/bitsPerMbit)
}

// BurstRound implements [BurstReporter].
func (tr *TextReporter) BurstRound(result *BurstResult, round BurstRound) {
	tr.printf("burst round %d sent %d packets %d ms (%g Mbit/s) (discard %d)\n",
		round.Round, result.PacketsPerRound, round.Elapsed.Milliseconds(),
		result.Mbits, round.Discarded)
}

// BurstComplete implements [BurstReporter].
func (tr *TextReporter) BurstComplete(result *BurstResult) {
	tr.printf("burst complete, avg time %d ms, discarded %d\n",
		result.AverageRoundTime.Milliseconds(), result.Discarded)
}

// LogReporter emits the reports as structured log entries.
type LogReporter struct {
	// Logger is the logger to use.
	Logger log.Interface
}

var (
	_ Reporter      = &LogReporter{}
	_ BurstReporter = &LogReporter{}
)

// SessionStarted implements [Reporter].
func (lr *LogReporter) SessionStarted(info SessionInfo) {
	lr.Logger.WithFields(log.Fields{
		"session":           info.ID,
		"generation":        info.Generation,
		"round_count":       info.RoundCount,
		"packets_per_round": info.PacketsPerRound,
	}).Info("session started")
}

// RoundComplete implements [Reporter].
func (lr *LogReporter) RoundComplete(report RoundReport) {
	lr.Logger.WithFields(log.Fields{
		"session":      report.Session.ID,
		"round":        report.Round,
		"lost":         report.Lost,
		"received":     report.Received,
		"duplicates":   report.Duplicates,
		"loss_percent": report.LossPercent,
		"throughput":   report.Throughput,
	}).Info("round complete")
}

// SessionComplete implements [Reporter].
func (lr *LogReporter) SessionComplete(report FinalReport) {
	lr.Logger.WithFields(log.Fields{
		"session":      report.Session.ID,
		"lost":         report.Lost,
		"received":     report.Received,
		"duplicates":   report.Duplicates,
		"total":        report.Total,
		"loss_percent": report.LossPercent,
		"elapsed":      report.Elapsed,
		"throughput":   report.Throughput,
	}).Info("session complete")
}

// BurstRound implements [BurstReporter].
func (lr *LogReporter) BurstRound(result *BurstResult, round BurstRound) {
	lr.Logger.WithFields(log.Fields{
		"round":     round.Round,
		"sent":      round.Sent,
		"discarded": round.Discarded,
		"elapsed":   round.Elapsed,
	}).Info("burst round")
}

// BurstComplete implements [BurstReporter].
func (lr *LogReporter) BurstComplete(result *BurstResult) {
	lr.Logger.WithFields(log.Fields{
		"average_round_time": result.AverageRoundTime,
		"discarded":          result.Discarded,
	}).Info("burst complete")
}

// MultiReporter forwards each report to all its reporters in order.
type MultiReporter []Reporter

var _ Reporter = MultiReporter{}

// SessionStarted implements [Reporter].
func (mr MultiReporter) SessionStarted(info SessionInfo) {
	for _, r := range mr {
		r.SessionStarted(info)
	}
}

// RoundComplete implements [Reporter].
func (mr MultiReporter) RoundComplete(report RoundReport) {
	for _, r := range mr {
		r.RoundComplete(report)
	}
}

// SessionComplete implements [Reporter].
func (mr MultiReporter) SessionComplete(report FinalReport) {
	for _, r := range mr {
		r.SessionComplete(report)
	}
}
