// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst_test

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/bassosimone/tunburst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// startRouter runs the router in the background until the test ends.
func startRouter(t *testing.T, router *tunburst.Router) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Route(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func newTestRouter(ix *tunburst.Internet, options ...tunburst.RouterOption) *tunburst.Router {
	options = append([]tunburst.RouterOption{
		tunburst.RouterOptionLogger(&log.Logger{Handler: memory.New(), Level: log.DebugLevel}),
		tunburst.RouterOptionRand(rand.New(rand.NewPCG(1, 2))),
	}, options...)
	return tunburst.NewRouter(ix, options...)
}

func TestRouterForwards(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ix := tunburst.NewInternet()
	dst := &recordingInjector{}
	require.NoError(t, ix.AddRoute(dst, netip.MustParseAddr("10.22.0.12")))

	router := newTestRouter(ix)
	for range 10 {
		require.True(t, ix.SendFrame(tunburst.Frame{Packet: ipv4Packet("10.22.0.12")}))
	}
	require.True(t, ix.SendFrame(tunburst.Frame{Packet: ipv4Packet("10.99.0.1")}))

	t.Run("counts", func(t *testing.T) {
		startRouter(t, router)
		require.Eventually(t, func() bool {
			info := router.Info()
			return info.Forwarded+info.Unroutable == 11
		}, 5*time.Second, time.Millisecond)
	})

	assert.Equal(t, tunburst.RouterInfo{Forwarded: 10, Unroutable: 1}, router.Info())
	assert.Len(t, dst.frames, 10)
}

func TestRouterDropRate(t *testing.T) {
	type testcase struct {
		name      string
		rate      float64
		forwarded uint64
		lost      uint64
	}

	cases := []testcase{
		{name: "never", rate: 0, forwarded: 100},
		{name: "always", rate: 1, lost: 100},
		{name: "clamped_above_one", rate: 7, lost: 100},
		{name: "clamped_below_zero", rate: -1, forwarded: 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ix := tunburst.NewInternet()
			dst := &recordingInjector{}
			require.NoError(t, ix.AddRoute(dst, netip.MustParseAddr("10.22.0.12")))
			router := newTestRouter(ix, tunburst.RouterOptionDropRate(tc.rate))
			for range 100 {
				require.True(t, ix.SendFrame(tunburst.Frame{Packet: ipv4Packet("10.22.0.12")}))
			}
			startRouter(t, router)
			require.Eventually(t, func() bool {
				info := router.Info()
				return info.Forwarded+info.Lost == 100
			}, 5*time.Second, time.Millisecond)
			assert.Equal(t, tc.forwarded, router.Info().Forwarded)
			assert.Equal(t, tc.lost, router.Info().Lost)
		})
	}

	t.Run("partial", func(t *testing.T) {
		ix := tunburst.NewInternet()
		require.NoError(t, ix.AddRoute(&recordingInjector{}, netip.MustParseAddr("10.22.0.12")))
		router := newTestRouter(ix, tunburst.RouterOptionDropRate(0.5))
		for range 1000 {
			require.True(t, ix.SendFrame(tunburst.Frame{Packet: ipv4Packet("10.22.0.12")}))
		}
		startRouter(t, router)
		require.Eventually(t, func() bool {
			info := router.Info()
			return info.Forwarded+info.Lost == 1000
		}, 5*time.Second, time.Millisecond)
		assert.InDelta(t, 500, router.Info().Lost, 100)
	})
}

func TestRouterTraceIncludesLostFrames(t *testing.T) {
	ix := tunburst.NewInternet()
	require.NoError(t, ix.AddRoute(&recordingInjector{}, netip.MustParseAddr("10.22.0.12")))
	out := &bufferWriteCloser{}
	trace := tunburst.NewPCAPTrace(out, 256)
	router := newTestRouter(ix,
		tunburst.RouterOptionDropRate(1),
		tunburst.RouterOptionTrace(trace),
	)
	for range 3 {
		require.True(t, ix.SendFrame(tunburst.Frame{Packet: ipv4Packet("10.22.0.12")}))
	}

	t.Run("route", func(t *testing.T) {
		startRouter(t, router)
		require.Eventually(t, func() bool {
			return router.Info().Lost == 3
		}, 5*time.Second, time.Millisecond)
	})

	require.NoError(t, trace.Close())
	assert.Equal(t, uint64(3), trace.Written())
}
