// Package metrics exposes the process-wide prometheus registry and every
// counter, gauge, and histogram the workers and the import controller
// record, served over a pull endpoint by cmd/crawlcore.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkerStats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_stats",
		Help: "Outcome count per worker and status.",
	}, []string{"worker_name", "status"})

	CrawlerStatusCodes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_status_codes_total",
		Help: "HTTP status codes observed by the crawl pipeline.",
	}, []string{"status_code"})

	BookmarkCrawlLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bookmark_crawl_latency_seconds",
		Help:    "Creation-to-completion latency for first-time priority-0 crawls.",
		Buckets: prometheus.DefBuckets,
	})

	ImportStagingProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "import_staging_processed_total",
		Help: "Staging items processed by outcome.",
	}, []string{"result"})

	ImportStagingInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "import_staging_in_flight",
		Help: "Staging items currently claimed and processing.",
	})

	ImportStagingPendingTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "import_staging_pending_total",
		Help: "Staging items still pending across all sessions.",
	})

	ImportSessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "import_sessions_active",
		Help: "Import sessions by status.",
	}, []string{"status"})

	ImportBatchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "import_batch_duration_seconds",
		Help:    "Wall-clock duration of one import controller batch.",
		Buckets: prometheus.DefBuckets,
	})

	ImportStagingStaleResetTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "import_staging_stale_reset_total",
		Help: "Staging items reset from processing back to pending by the stale sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		WorkerStats,
		CrawlerStatusCodes,
		BookmarkCrawlLatencySeconds,
		ImportStagingProcessedTotal,
		ImportStagingInFlight,
		ImportStagingPendingTotal,
		ImportSessionsActive,
		ImportBatchDurationSeconds,
		ImportStagingStaleResetTotal,
	)
}

// Handler returns the pull-endpoint HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
