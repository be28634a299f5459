// Package metrics provides Prometheus metrics collection and exposition for
// the ledger daemon: object store throughput, commit graph growth, merge
// outcomes, and sync queue depth/latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Object store metrics.
	ObjectsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_objects_written_total",
			Help: "Total number of pieces written to the object store, by status at write time",
		},
		[]string{"status"},
	)

	ObjectBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_object_bytes_written_total",
			Help: "Total bytes of piece content written to the object store",
		},
	)

	SplitChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_split_chunks_total",
			Help: "Total number of rolling-hash chunks produced while splitting values",
		},
	)

	// Commit graph metrics.
	CommitsAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commits_added_total",
			Help: "Total commits added to a page, by source",
		},
		[]string{"source"},
	)

	HeadsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_heads",
			Help: "Current number of local head commits for a page",
		},
		[]string{"page_id"},
	)

	// Merge metrics.
	MergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_merges_total",
			Help: "Total merge commits produced, by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_merge_duration_seconds",
			Help:    "Time to resolve a single pair of conflicting heads",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sync metrics.
	SyncUploadQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_sync_upload_queue_depth",
			Help: "Number of commit uploads queued for a page",
		},
		[]string{"page_id"},
	)

	SyncDownloadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_sync_download_duration_seconds",
			Help:    "Time to fetch a batch of remote commits from the cloud backend",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncUploadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_sync_upload_duration_seconds",
			Help:    "Time to upload one batch of commits to the cloud backend",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_sync_retries_total",
			Help: "Total backoff retries, by sync sub-engine",
		},
		[]string{"engine"},
	)

	SyncIdleGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_sync_idle",
			Help: "Whether the sync engine for a page is idle (1) or busy (0)",
		},
		[]string{"page_id"},
	)

	// Runtime metrics.
	WatcherNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_watcher_notifications_total",
			Help: "Total change notifications delivered to page watchers",
		},
		[]string{"page_id"},
	)

	OperationQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_operation_queue_depth",
			Help: "Number of client operations queued in a page's operation serializer",
		},
		[]string{"page_id"},
	)
)

func init() {
	prometheus.MustRegister(
		ObjectsWrittenTotal,
		ObjectBytesWrittenTotal,
		SplitChunksTotal,
		CommitsAddedTotal,
		HeadsGauge,
		MergesTotal,
		MergeDuration,
		SyncUploadQueueDepth,
		SyncDownloadLatency,
		SyncUploadLatency,
		SyncRetriesTotal,
		SyncIdleGauge,
		WatcherNotificationsTotal,
		OperationQueueDepth,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and recording it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
