// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/tunburst/metrics"
	"golang.org/x/time/rate"
)

// Enumerate the burst defaults and timings.
const (
	// DefaultRounds is the default number of rounds.
	DefaultRounds = 10

	// DefaultPayloadSize is the default size of a [Record] payload.
	DefaultPayloadSize = 1000

	// RoundDuration is the time budget of each round.
	RoundDuration = time.Second

	beginRepeats = 3
	beginDelay   = 50 * time.Millisecond
	endRepeats   = 10
	endDelay     = 100 * time.Millisecond
	mebibyte     = 1 << 20
)

// PacketsPerRound returns the number of records per round needed to send
// mbits megabits per second using payloads of the given size, where a
// megabit is 2^20 bits.
//
// The result saturates: NaN and non-positive rates yield zero, while rates
// needing more than [math.MaxUint32] records yield [math.MaxUint32].
//
// This function PANICs if payloadSize is not positive.
func PacketsPerRound(mbits float64, payloadSize int) uint32 {
	runtimex.Assert(payloadSize > 0)
	ppr := math.Floor((mbits / 8) * mebibyte / float64(payloadSize))
	switch {
	case math.IsNaN(ppr) || ppr <= 0:
		return 0
	case ppr >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(ppr)
	}
}

// BurstOption is an option for [NewBurster].
type BurstOption func(cfg *burstConfig)

type burstConfig struct {
	blocking    bool
	clock       func() time.Time
	logger      log.Interface
	payloadSize int
	reporter    BurstReporter
	rounds      int
	sleep       func(ctx context.Context, d time.Duration) error
	smooth      bool
}

// BurstOptionRounds sets the number of rounds. The default is [DefaultRounds].
func BurstOptionRounds(rounds int) BurstOption {
	return func(cfg *burstConfig) {
		cfg.rounds = rounds
	}
}

// BurstOptionPayloadSize sets the size of each [Record] payload including
// the filler. The default is [DefaultPayloadSize].
func BurstOptionPayloadSize(size int) BurstOption {
	return func(cfg *burstConfig) {
		cfg.payloadSize = size
	}
}

// BurstOptionBlocking sends records in blocking mode, waiting for the channel
// to accept each of them. The default is to count rejections as discards.
func BurstOptionBlocking(blocking bool) BurstOption {
	return func(cfg *burstConfig) {
		cfg.blocking = blocking
	}
}

// BurstOptionSmooth spreads the records evenly over the round instead of
// sending them back to back.
func BurstOptionSmooth(smooth bool) BurstOption {
	return func(cfg *burstConfig) {
		cfg.smooth = smooth
	}
}

// BurstOptionLogger sets the logger. The default is [log.Log].
func BurstOptionLogger(logger log.Interface) BurstOption {
	return func(cfg *burstConfig) {
		cfg.logger = logger
	}
}

// BurstOptionReporter sets the [BurstReporter]. The default discards the reports.
func BurstOptionReporter(reporter BurstReporter) BurstOption {
	return func(cfg *burstConfig) {
		cfg.reporter = reporter
	}
}

// BurstOptionClock overrides [time.Now].
func BurstOptionClock(clock func() time.Time) BurstOption {
	return func(cfg *burstConfig) {
		cfg.clock = clock
	}
}

// BurstOptionSleep overrides the function sleeping between messages.
//
// The function must return the context error when the context is done.
func BurstOptionSleep(sleep func(ctx context.Context, d time.Duration) error) BurstOption {
	return func(cfg *burstConfig) {
		cfg.sleep = sleep
	}
}

// BurstRound describes a round sent by a [*Burster].
type BurstRound struct {
	// Round is the zero-based round number.
	Round uint32 `json:"round"`

	// Sent is the number of records the channel accepted.
	Sent uint32 `json:"sent"`

	// Discarded is the number of records the channel rejected.
	Discarded uint32 `json:"discarded"`

	// Elapsed is the time spent sending the round.
	Elapsed time.Duration `json:"elapsed"`
}

// BurstResult summarizes a [*Burster.Run].
type BurstResult struct {
	// Mbits is the target rate in megabits per second.
	Mbits float64 `json:"mbits"`

	// PacketsPerRound is the number of records in each round.
	PacketsPerRound uint32 `json:"packets_per_round"`

	// PayloadSize is the size of each record payload.
	PayloadSize int `json:"payload_size"`

	// Rounds contains the per-round accounting.
	Rounds []BurstRound `json:"rounds"`

	// AverageRoundTime is the average of the rounds elapsed times.
	AverageRoundTime time.Duration `json:"average_round_time"`

	// Discarded is the total number of discarded records.
	Discarded uint64 `json:"discarded"`
}

// Burster generates the benchmark traffic: a [Begin] sent three times,
// rounds of rate-paced [Record] messages, and an [End] sent ten times.
//
// Construct using [NewBurster].
type Burster struct {
	cfg             *burstConfig
	mbits           float64
	packetsPerRound uint32
}

// NewBurster creates a [*Burster] sending mbits megabits per second.
//
// Invalid settings cause [ErrInvalidConfig].
func NewBurster(mbits float64, options ...BurstOption) (*Burster, error) {
	// 1. apply the options
	cfg := &burstConfig{
		clock:       time.Now,
		logger:      log.Log,
		payloadSize: DefaultPayloadSize,
		reporter:    nopReporter{},
		rounds:      DefaultRounds,
		sleep:       burstSleep,
	}
	for _, opt := range options {
		opt(cfg)
	}

	// 2. validate the settings
	if math.IsNaN(mbits) || math.IsInf(mbits, 0) || mbits <= 0 {
		return nil, fmt.Errorf("%w: rate %f Mbit/s", ErrInvalidConfig, mbits)
	}
	if cfg.rounds <= 0 || int64(cfg.rounds) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d rounds", ErrInvalidConfig, cfg.rounds)
	}
	if cfg.payloadSize < RecordHeaderSize || cfg.payloadSize > maxDatagram-DatagramHeaderSize {
		return nil, fmt.Errorf("%w: payload size %d", ErrInvalidConfig, cfg.payloadSize)
	}
	ppr := (mbits / 8) * mebibyte / float64(cfg.payloadSize)
	if ppr < 1 || ppr > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %f Mbit/s with %d bytes payloads", ErrInvalidConfig, mbits, cfg.payloadSize)
	}

	b := &Burster{
		cfg:             cfg,
		mbits:           mbits,
		packetsPerRound: PacketsPerRound(mbits, cfg.payloadSize),
	}
	return b, nil
}

// PacketsPerRound returns the number of records in each round.
func (b *Burster) PacketsPerRound() uint32 {
	return b.packetsPerRound
}

// Run sends the benchmark traffic using tx.
//
// A failure to send the [Begin] or the [End] aborts Run. A rejected or
// failed [Record] counts as a discard and is not retried. The context is
// checked when sleeping and before each round. An already started round
// runs to completion, but a canceled context makes blocking sends fail.
func (b *Burster) Run(ctx context.Context, tx Transmitter) (*BurstResult, error) {
	logger := b.cfg.logger.WithFields(log.Fields{
		"mbits":             b.mbits,
		"packets_per_round": b.packetsPerRound,
		"payload_size":      b.cfg.payloadSize,
		"rounds":            b.cfg.rounds,
	})

	// 1. announce the session
	begin := runtimex.PanicOnError1(Begin{
		RoundCount:      uint32(b.cfg.rounds),
		PacketsPerRound: b.packetsPerRound,
	}.AppendBinary(nil))
	if err := b.sendControl(ctx, tx, begin, beginRepeats); err != nil {
		logger.WithError(err).Warn("burst: cannot send begin")
		return nil, err
	}
	logger.Debug("burst: begin sent")

	// 2. give the receiver time to initialize
	if err := b.cfg.sleep(ctx, beginDelay); err != nil {
		return nil, err
	}

	// 3. send the rounds pacing them on the round duration
	result := &BurstResult{
		Mbits:           b.mbits,
		PacketsPerRound: b.packetsPerRound,
		PayloadSize:     b.cfg.payloadSize,
	}
	slab := make([]byte, b.cfg.payloadSize)
	for idx := range slab {
		slab[idx] = fillerByte
	}
	var sumTime time.Duration
	for round := range uint32(b.cfg.rounds) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info := b.runRound(ctx, tx, round, slab)
		logger.WithFields(log.Fields{
			"round":     info.Round,
			"sent":      info.Sent,
			"discarded": info.Discarded,
			"elapsed":   info.Elapsed,
		}).Debug("burst: round complete")
		b.cfg.reporter.BurstRound(result, info)
		result.Rounds = append(result.Rounds, info)
		result.Discarded += uint64(info.Discarded)
		sumTime += info.Elapsed
		if remaining := RoundDuration - info.Elapsed; remaining > 0 {
			if err := b.cfg.sleep(ctx, remaining); err != nil {
				return nil, err
			}
		}
	}
	result.AverageRoundTime = sumTime / time.Duration(b.cfg.rounds)

	// 4. close the session
	if err := b.cfg.sleep(ctx, endDelay); err != nil {
		return nil, err
	}
	end := runtimex.PanicOnError1(End{}.AppendBinary(nil))
	if err := b.sendControl(ctx, tx, end, endRepeats); err != nil {
		logger.WithError(err).Warn("burst: cannot send end")
		return nil, err
	}

	// 5. report the totals
	logger.WithFields(log.Fields{
		"average_round_time": result.AverageRoundTime,
		"discarded":          result.Discarded,
	}).Info("burst: complete")
	b.cfg.reporter.BurstComplete(result)
	return result, nil
}

// sendControl sends a control message count times in blocking mode.
func (b *Burster) sendControl(ctx context.Context, tx Transmitter, message []byte, count int) error {
	for range count {
		if _, err := tx.Transmit(ctx, message, true); err != nil {
			return err
		}
	}
	return nil
}

// runRound sends the records of a round reusing slab as the payload buffer.
func (b *Burster) runRound(ctx context.Context, tx Transmitter, round uint32, slab []byte) BurstRound {
	// 1. create the limiter spreading records over the round
	var limiter *rate.Limiter
	if b.cfg.smooth {
		limiter = rate.NewLimiter(rate.Limit(float64(b.packetsPerRound)/RoundDuration.Seconds()), 1)
	}

	// 2. stamp and send each record
	info := BurstRound{Round: round}
	start := b.cfg.clock()
	for seq := range b.packetsPerRound {
		if limiter != nil {
			b.wait(ctx, limiter)
		}
		Record{
			Round:     round,
			Sequence:  seq,
			ElapsedMs: uint32(b.cfg.clock().Sub(start).Milliseconds()),
		}.Put(slab)
		ok, err := tx.Transmit(ctx, slab, b.cfg.blocking)
		if err != nil || !ok {
			info.Discarded++
			continue
		}
		info.Sent++
	}
	info.Elapsed = b.cfg.clock().Sub(start)

	// 3. update the metrics
	metrics.BurstPackets.WithLabelValues("sent").Add(float64(info.Sent))
	metrics.BurstPackets.WithLabelValues("discarded").Add(float64(info.Discarded))
	metrics.BurstRoundDuration.Observe(info.Elapsed.Seconds())
	return info
}

// wait waits for the limiter to allow the next record. It does not honor
// the context cancellation because rounds run to completion.
func (b *Burster) wait(ctx context.Context, limiter *rate.Limiter) {
	now := b.cfg.clock()
	reservation := limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		_ = b.cfg.sleep(context.WithoutCancel(ctx), delay)
	}
}

// burstSleep sleeps for the given duration or until the context is done.
func burstSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
