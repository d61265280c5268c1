// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "hits_total",
		Help: "Served cache hits by tier.",
	}, []string{"tier"})
	metricMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "misses_total",
		Help: "Lookups that fell through to the upstream provider.",
	})
	metricGuardDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "guard_drops_total",
		Help: "Template candidates rejected by a guardrail.",
	}, []string{"guard"})
	metricBelowThreshold = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "below_threshold_total",
		Help: "Template candidates that passed guards but scored under the admission threshold.",
	})
	metricWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "write_failures_total",
		Help: "Write-through failures by store.",
	}, []string{"store"})
	metricWriteDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "write_drops_total",
		Help: "Write-through tasks dropped because the queue was full.",
	})
	metricDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "degraded_total",
		Help: "Lookups served in a degraded mode, by reason.",
	}, []string{"reason"})
	metricLookup = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recall", Subsystem: "cache", Name: "lookup_seconds",
		Help:    "Lookup latency by outcome.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"result"})
	metricSweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall", Subsystem: "cache", Name: "sweep_deleted_total",
		Help: "Expired template entries removed by the background sweep.",
	})
)
