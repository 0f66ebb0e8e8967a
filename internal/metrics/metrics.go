// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestsTotal              *prometheus.CounterVec
	triplesStoredTotal         prometheus.Counter
	flushesTotal               *prometheus.CounterVec
	flushDurationSeconds       *prometheus.HistogramVec
	recoveredMarkersTotal      *prometheus.CounterVec
	reapedSourcesTotal         *prometheus.CounterVec
	activeHarvests             prometheus.Gauge
	jobQueueDepth              prometheus.Gauge
	urgentItemsTotal           *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	robotsFallbacksTotal       prometheus.Counter
	rateLimitDelaySeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times; the observers below call it
// on first use.
func Init() {
	once.Do(func() {
		harvestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_harvests_total",
				Help: "Total number of finished harvests, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		triplesStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_triples_stored_total",
				Help: "Total number of triple rows accepted by the store.",
			},
		)

		flushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_flushes_total",
				Help: "Total number of batch flushes, labeled by table and status.",
			},
			[]string{"table", "status"},
		)

		flushDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_flush_duration_seconds",
				Help:    "Histogram of batch flush latencies, labeled by table.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"table"},
		)

		recoveredMarkersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_recovered_markers_total",
				Help: "Unfinished-harvest markers handled by crash recovery, labeled by result.",
			},
			[]string{"result"},
		)

		reapedSourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_reaped_sources_total",
				Help: "Sources handled by the reaper, labeled by result.",
			},
			[]string{"result"},
		)

		activeHarvests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_harvests",
				Help: "Number of harvests currently running.",
			},
		)

		urgentItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_urgent_items_total",
				Help: "Urgent queue items, labeled by kind (pull or push) and event.",
			},
			[]string{"kind", "event"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Remote document fetches, labeled by status class.",
			},
			[]string{"status"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of remote document fetch latencies.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		robotsFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_robots_fallbacks_total",
				Help: "robots.txt fetches that timed out and fell back to allow-all.",
			},
		)

		jobQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_job_queue_depth",
				Help: "Jobs waiting in the in-process queue for a free worker.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_rate_limit_delay_seconds",
				Help:    "Time pull harvests waited for their host's fetch budget.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total number of operator API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of operator API latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHarvest counts one finished harvest.
func ObserveHarvest(harvestType string, failed bool) {
	Init()
	outcome := "success"
	if failed {
		outcome = "failed"
	}
	harvestsTotal.WithLabelValues(harvestType, outcome).Inc()
}

// ObserveFlush records one batch flush against table.
func ObserveFlush(table string, stored int64, duration time.Duration, err error) {
	Init()
	status := "ok"
	if err != nil {
		status = "error"
	}
	flushesTotal.WithLabelValues(table, status).Inc()
	flushDurationSeconds.WithLabelValues(table).Observe(duration.Seconds())
	if err == nil && table == "spo" && stored > 0 {
		triplesStoredTotal.Add(float64(stored))
	}
}

// ObserveRecovery counts one marker handled by crash recovery.
func ObserveRecovery(result string) {
	Init()
	recoveredMarkersTotal.WithLabelValues(result).Inc()
}

// ObserveReap counts one source handled by the reaper.
func ObserveReap(result string) {
	Init()
	reapedSourcesTotal.WithLabelValues(result).Inc()
}

// ObserveUrgentItem counts an urgent queue event.
func ObserveUrgentItem(kind, event string) {
	Init()
	urgentItemsTotal.WithLabelValues(kind, event).Inc()
}

// ObserveFetch records one remote fetch. A zero code means no response arrived.
func ObserveFetch(code int, duration time.Duration) {
	Init()
	status := "error"
	if code > 0 {
		status = strconv.Itoa(code/100) + "xx"
	}
	fetchesTotal.WithLabelValues(status).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveRobotsFallback records a robots.txt fetch that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbacksTotal.Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host's budget.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// SetJobQueueDepth records the number of jobs waiting for a worker.
func SetJobQueueDepth(n int) {
	Init()
	jobQueueDepth.Set(float64(n))
}

// IncActiveHarvests increments the active harvests gauge.
func IncActiveHarvests() {
	Init()
	activeHarvests.Inc()
}

// DecActiveHarvests decrements the active harvests gauge.
func DecActiveHarvests() {
	Init()
	activeHarvests.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
