package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	ContentEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castbot_content_events_total",
			Help: "Inbound content events by source role and result",
		},
		[]string{"role", "result"}, // result: accepted, cached, no_asset, duplicate, stale, suppressed, no_recipients, unknown_channel, error
	)

	DedupLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castbot_dedup_latency_seconds",
			Help:    "Watermark raise latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// Broadcast metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castbot_deliveries_total",
			Help: "Per-recipient delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered, throttled, rejected, failed
	)

	BroadcastJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castbot_broadcast_jobs_total",
			Help: "Broadcast jobs by final state",
		},
		[]string{"state"}, // done, canceled, rejected_queue_full, rejected_stopped
	)

	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "castbot_broadcast_duration_seconds",
			Help:    "Broadcast job wall time",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		},
	)

	BroadcastQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "castbot_broadcast_queue_depth",
			Help: "Broadcast jobs waiting for a worker",
		},
	)

	RecipientsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castbot_recipients_pruned_total",
			Help: "Recipients deactivated after permanent rejection",
		},
	)

	// Staging asset cache
	AssetCacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castbot_asset_cache_ops_total",
			Help: "Staging asset cache operations",
		},
		[]string{"op", "result"}, // op: put, get; result: ok, miss, error
	)

	// Housekeeping
	HousekeepingRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castbot_housekeeping_rows_deleted_total",
			Help: "Rows deleted by housekeeping",
		},
		[]string{"table"},
	)
)
