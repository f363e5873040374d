// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/apex/log"
)

// RouterInfo contains the counters of a [*Router].
type RouterInfo struct {
	// Forwarded is the number of frames delivered to an endpoint.
	Forwarded uint64 `json:"forwarded"`

	// Lost is the number of frames dropped by the loss emulation.
	Lost uint64 `json:"lost"`

	// Unroutable is the number of frames without a matching endpoint,
	// including frames refused by a full endpoint queue.
	Unroutable uint64 `json:"unroutable"`
}

// RouterOption is an option for [NewRouter].
type RouterOption func(cfg *routerConfig)

type routerConfig struct {
	dropRate float64
	logger   log.Interface
	rng      *rand.Rand
	trace    *PCAPTrace
}

// RouterOptionDropRate drops each frame with the given probability
// in [0, 1]. The default is zero, meaning no emulated loss.
func RouterOptionDropRate(rate float64) RouterOption {
	return func(cfg *routerConfig) {
		cfg.dropRate = min(max(rate, 0), 1)
	}
}

// RouterOptionRand sets the random source used by the loss emulation.
func RouterOptionRand(rng *rand.Rand) RouterOption {
	return func(cfg *routerConfig) {
		cfg.rng = rng
	}
}

// RouterOptionTrace saves every in-flight frame into the given trace,
// including the frames the loss emulation drops.
func RouterOptionTrace(trace *PCAPTrace) RouterOption {
	return func(cfg *routerConfig) {
		cfg.trace = trace
	}
}

// RouterOptionLogger sets the logger. The default is [log.Log].
func RouterOptionLogger(logger log.Interface) RouterOption {
	return func(cfg *routerConfig) {
		cfg.logger = logger
	}
}

// Router forwards the frames in flight on an [*Internet], optionally
// emulating loss and capturing the traffic.
//
// Construct using [NewRouter].
type Router struct {
	cfg        *routerConfig
	forwarded  atomic.Uint64
	ix         *Internet
	lost       atomic.Uint64
	unroutable atomic.Uint64
}

// NewRouter creates a new [*Router] for the given [*Internet].
func NewRouter(ix *Internet, options ...RouterOption) *Router {
	cfg := &routerConfig{logger: log.Log}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.rng == nil {
		cfg.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Router{cfg: cfg, ix: ix}
}

// Route forwards frames until the context is done.
//
// Only one goroutine should call Route for a given [*Router].
func (r *Router) Route(ctx context.Context) {
	defer func() {
		r.cfg.logger.WithFields(log.Fields{
			"forwarded":  r.forwarded.Load(),
			"lost":       r.lost.Load(),
			"unroutable": r.unroutable.Load(),
		}).Debug("router: stopped")
	}()
	for {
		select {
		case frame := <-r.ix.InFlight():
			r.forward(frame)

		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) forward(frame Frame) {
	// 1. capture the frame as seen on the wire
	if r.cfg.trace != nil {
		r.cfg.trace.Dump(frame.Packet)
	}

	// 2. emulate the loss
	if r.cfg.dropRate > 0 && r.cfg.rng.Float64() < r.cfg.dropRate {
		r.lost.Add(1)
		return
	}

	// 3. deliver to the destination
	if !r.ix.Deliver(frame) {
		r.unroutable.Add(1)
		return
	}
	r.forwarded.Add(1)
}

// Info returns the router counters.
func (r *Router) Info() RouterInfo {
	return RouterInfo{
		Forwarded:  r.forwarded.Load(),
		Lost:       r.lost.Load(),
		Unroutable: r.unroutable.Load(),
	}
}
