// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics contains the prometheus metrics exported by tunburst.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for exporting to prometheus to aid in benchmark monitoring.
var (
	BurstPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunburst_burst_packets_total",
			Help: "Number of records the burster tried to send, by result.",
		},
		[]string{"result"},
	)
	BurstRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunburst_burst_round_duration_seconds",
			Help:    "A histogram of the time spent sending each round.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, .75, 1, 1.5, 2.5, 5},
		},
	)
	CollectorMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunburst_collector_messages_total",
			Help: "Number of payloads handled by the collector, by message type and result.",
		},
		[]string{"type", "result"},
	)
	CollectorReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunburst_collector_reports_total",
			Help: "Number of deferred reports, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunburst_active_sessions",
			Help: "A gauge of the sessions currently measured by the collector.",
		},
	)
	SessionLossRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunburst_session_loss_ratio",
			Help:    "A histogram of the fraction of records lost in each session.",
			Buckets: []float64{0, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
	SessionThroughput = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "tunburst_session_throughput_mbps",
			Help: "A histogram of the measured throughput of each session.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
	)
)
