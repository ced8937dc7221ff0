// Package metrics holds the Prometheus collectors for the tracking pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sources label which producer handled a sample.
const (
	SourceForeground = "foreground"
	SourceBackground = "background"
	SourceReplay     = "replay"
)

var (
	SamplesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transittrack",
		Name:      "samples_delivered_total",
		Help:      "Location samples accepted by the remote store.",
	}, []string{"source"})

	SamplesQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transittrack",
		Name:      "samples_queued_total",
		Help:      "Location samples buffered after a failed delivery.",
	}, []string{"source"})

	SamplesSuperseded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transittrack",
		Name:      "samples_superseded_total",
		Help:      "Location samples the remote store ignored because it held a newer position.",
	}, []string{"source"})

	SamplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transittrack",
		Name:      "samples_dropped_total",
		Help:      "Location samples discarded before delivery.",
	}, []string{"reason"})

	ReplayDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "transittrack",
		Name:      "replay_discarded_total",
		Help:      "Queued samples discarded because the trip ended or the queue was full.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transittrack",
		Name:      "replay_queue_depth",
		Help:      "Samples currently waiting for replay.",
	})

	SessionRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transittrack",
		Name:      "session_recoveries_total",
		Help:      "Stale session recovery attempts by outcome.",
	}, []string{"outcome"})

	CleanupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transittrack",
		Name:      "cleanup_step_failures_total",
		Help:      "End-of-trip cleanup steps that failed.",
	}, []string{"step"})

	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transittrack",
		Name:      "delivery_duration_seconds",
		Help:      "Remote location write latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
)
