// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/tunburst/metrics"
)

// Stopper is a scheduled function that can be stopped, like [*time.Timer].
type Stopper interface {
	Stop() bool
}

// CollectorOption is an option for [NewCollector].
type CollectorOption func(cfg *collectorConfig)

type collectorConfig struct {
	afterFunc   func(d time.Duration, f func()) Stopper
	clock       func() time.Time
	logger      log.Interface
	onFinish    func(report FinalReport)
	payloadSize int
	reporter    Reporter
}

// CollectorOptionPayloadSize sets the expected record payload size used to
// compute the throughput. The default is [DefaultPayloadSize].
func CollectorOptionPayloadSize(size int) CollectorOption {
	return func(cfg *collectorConfig) {
		cfg.payloadSize = size
	}
}

// CollectorOptionLogger sets the logger. The default is [log.Log].
func CollectorOptionLogger(logger log.Interface) CollectorOption {
	return func(cfg *collectorConfig) {
		cfg.logger = logger
	}
}

// CollectorOptionReporter sets the [Reporter]. The default discards the reports.
func CollectorOptionReporter(reporter Reporter) CollectorOption {
	return func(cfg *collectorConfig) {
		cfg.reporter = reporter
	}
}

// CollectorOptionOnFinish sets the function called after each final report.
//
// Like the [Reporter], the function runs with the collector lock held.
func CollectorOptionOnFinish(fx func(report FinalReport)) CollectorOption {
	return func(cfg *collectorConfig) {
		cfg.onFinish = fx
	}
}

// CollectorOptionClock overrides [time.Now].
func CollectorOptionClock(clock func() time.Time) CollectorOption {
	return func(cfg *collectorConfig) {
		cfg.clock = clock
	}
}

// CollectorOptionAfterFunc overrides [time.AfterFunc] for scheduling the reports.
func CollectorOptionAfterFunc(afterFunc func(d time.Duration, f func()) Stopper) CollectorOption {
	return func(cfg *collectorConfig) {
		cfg.afterFunc = afterFunc
	}
}

// Collector runs a [*SessionState] against the arriving payloads, executes
// its effects using timers, and emits the reports.
//
// A deferred report fires only if no [Begin] started a new generation in
// the meantime; otherwise it is suppressed.
//
// Construct using [NewCollector]. Safe for concurrent use.
type Collector struct {
	cfg       *collectorConfig
	closed    bool
	mu        sync.Mutex
	nextTimer uint64
	state     *SessionState
	timers    map[uint64]Stopper
}

// NewCollector creates a new [*Collector].
func NewCollector(options ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		afterFunc: func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		},
		clock:       time.Now,
		logger:      log.Log,
		onFinish:    func(FinalReport) {},
		payloadSize: DefaultPayloadSize,
		reporter:    nopReporter{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Collector{
		cfg:    cfg,
		state:  NewSessionState(cfg.payloadSize),
		timers: make(map[uint64]Stopper),
	}
}

// Handle processes a benchmark payload.
//
// Unknown tags are logged and ignored. Malformed messages, out of range
// records, and messages arriving before any [Begin] return an error and
// do not modify the state. After Close, Handle returns [net.ErrClosed].
func (c *Collector) Handle(payload []byte) error {
	// 1. parse the message
	msg, err := ParseMessage(payload)
	if errors.Is(err, ErrUnknownTag) {
		c.cfg.logger.WithError(err).Warn("collector: ignoring message")
		metrics.CollectorMessages.WithLabelValues("unknown", "ignored").Inc()
		return nil
	}
	if err != nil {
		metrics.CollectorMessages.WithLabelValues("malformed", "rejected").Inc()
		return err
	}

	// 2. apply the message to the state
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	wasActive := c.state.Active()
	effects, err := c.state.Apply(msg, c.cfg.clock())
	if err != nil {
		metrics.CollectorMessages.WithLabelValues(msg.Tag().String(), "rejected").Inc()
		return err
	}
	metrics.CollectorMessages.WithLabelValues(msg.Tag().String(), "ok").Inc()
	switch isActive := c.state.Active(); {
	case !wasActive && isActive:
		metrics.ActiveSessions.Inc()
	case wasActive && !isActive:
		metrics.ActiveSessions.Dec()
	}

	// 3. execute the effects
	for _, effect := range effects {
		c.execute(effect)
	}
	return nil
}

// execute executes an effect. The caller must hold the lock.
func (c *Collector) execute(effect Effect) {
	switch effect.Kind {
	case EffectSessionStarted:
		info := c.state.Info()
		c.cfg.logger.WithFields(log.Fields{
			"session":    info.ID,
			"generation": info.Generation,
		}).Debug("collector: session started")
		c.cfg.reporter.SessionStarted(info)

	case EffectScheduleRound, EffectScheduleFinal:
		id := c.nextTimer
		c.nextTimer++
		c.timers[id] = c.cfg.afterFunc(effect.Delay, func() {
			c.fire(id, effect)
		})
	}
}

// fire emits a deferred report unless it became stale.
func (c *Collector) fire(id uint64, effect Effect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
	if c.closed {
		return
	}

	// 1. suppress the reports scheduled by previous generations
	kind := effect.Kind.String()
	if effect.Generation != c.state.Generation() {
		c.cfg.logger.WithFields(log.Fields{
			"kind":       kind,
			"generation": effect.Generation,
			"current":    c.state.Generation(),
		}).Debug("collector: suppressing stale report")
		metrics.CollectorReports.WithLabelValues(kind, "stale").Inc()
		return
	}
	metrics.CollectorReports.WithLabelValues(kind, "emitted").Inc()

	// 2. emit the report
	switch effect.Kind {
	case EffectScheduleRound:
		c.cfg.reporter.RoundComplete(c.state.RoundReport(effect.Round))

	case EffectScheduleFinal:
		report := c.state.FinalReport(c.cfg.clock())
		c.cfg.reporter.RoundComplete(report.LastRound)
		c.cfg.reporter.SessionComplete(report)
		metrics.SessionLossRatio.Observe(report.LossPercent / 100)
		metrics.SessionThroughput.Observe(report.Throughput / bitsPerMbit)
		c.cfg.onFinish(report)
	}
}

// Pending returns the number of scheduled reports that did not fire yet.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Serve handles the payloads arriving from sub until the context is done
// or the subscription fails. Rejected payloads are logged and skipped.
func (c *Collector) Serve(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, func(payload []byte) {
		if err := c.Handle(payload); err != nil {
			c.cfg.logger.WithError(err).Debug("collector: rejected payload")
		}
	})
}

// Close stops the pending reports. It is safe to call Close more than once.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	if c.state.Active() {
		metrics.ActiveSessions.Dec()
	}
	return nil
}
