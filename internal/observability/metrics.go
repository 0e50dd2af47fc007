// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "tokenwatch"

// Metrics holds all Prometheus metrics for the application.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// Discovery and price polling
	TokensDiscovered prometheus.Counter
	SamplesWritten   *prometheus.CounterVec

	// Trade ingestion
	TradesIngested   prometheus.Counter
	TradesDuplicate  prometheus.Counter
	PagesFetched     prometheus.Counter
	HistoryComplete  prometheus.Counter
	IngestErrors     *prometheus.CounterVec
	SamplesSynced    prometheus.Counter
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamThrottle prometheus.Counter

	// Lifecycle
	TokensArchived    prometheus.Counter
	TokensQuarantined *prometheus.CounterVec
	TokensFlagged     *prometheus.CounterVec
	CleanerRuns       *prometheus.CounterVec

	// Scheduler
	TaskRuns       *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	Paused         prometheus.Gauge
	BackoffSeconds prometheus.Gauge
	LastTick       prometheus.Gauge
}

// NewMetrics registers every metric on reg. A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		TokensDiscovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tokens_discovered_total",
			Help:      "Total number of tokens inserted by discovery",
		}),
		SamplesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "samples_written_total",
			Help:      "Total number of metric samples written by mode",
		}, []string{"mode"}),

		TradesIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_ingested_total",
			Help:      "Total number of new trades stored",
		}),
		TradesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "trades_duplicate_total",
			Help:      "Total number of trades skipped as already stored",
		}),
		PagesFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "pages_fetched_total",
			Help:      "Total number of transaction history pages fetched",
		}),
		HistoryComplete: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "history_complete_total",
			Help:      "Total number of tokens whose trade history was declared complete",
		}),
		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "errors_total",
			Help:      "Total number of per-token ingestion errors by kind",
		}, []string{"kind"}),
		SamplesSynced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "samples_synced_total",
			Help:      "Total number of metric samples reconciled against trades",
		}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_latency_seconds",
			Help:      "Upstream request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		UpstreamThrottle: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "rate_limited_total",
			Help:      "Total number of rate-limited upstream responses",
		}),

		TokensArchived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tokens_archived_total",
			Help:      "Total number of tokens moved to history",
		}),
		TokensQuarantined: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tokens_quarantined_total",
			Help:      "Total number of tokens moved to quarantine by reason",
		}, []string{"reason"}),
		TokensFlagged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tokens_flagged_total",
			Help:      "Total number of tokens flagged for removal by reason",
		}, []string{"reason"}),
		CleanerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "cleaner_runs_total",
			Help:      "Total number of cleaner runs by outcome",
		}, []string{"outcome"}),

		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_runs_total",
			Help:      "Total number of scheduled task runs by status",
		}, []string{"task", "status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Scheduled task duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"task"}),
		Paused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "discovery_paused",
			Help:      "1 while discovery is paused",
		}),
		BackoffSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "backoff_remaining_seconds",
			Help:      "Seconds left in the current rate limiter backoff window",
		}),
		LastTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_tick_timestamp",
			Help:      "Unix timestamp of the last completed tick",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordDiscovered counts tokens inserted by discovery.
func (m *Metrics) RecordDiscovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensDiscovered.Add(float64(n))
}

// RecordSamples counts metric samples written in mode ("discovery" or "update").
func (m *Metrics) RecordSamples(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SamplesWritten.WithLabelValues(mode).Add(float64(n))
}

// RecordTrades counts stored and duplicate trades from one page.
func (m *Metrics) RecordTrades(inserted, duplicate int) {
	if m == nil {
		return
	}
	m.PagesFetched.Inc()
	m.TradesIngested.Add(float64(inserted))
	m.TradesDuplicate.Add(float64(duplicate))
}

// RecordHistoryComplete counts a token whose history ended.
func (m *Metrics) RecordHistoryComplete() {
	if m == nil {
		return
	}
	m.HistoryComplete.Inc()
}

// RecordIngestError counts a per-token ingestion error.
func (m *Metrics) RecordIngestError(kind string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(kind).Inc()
}

// RecordSynced counts reconciled samples.
func (m *Metrics) RecordSynced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SamplesSynced.Add(float64(n))
}

// ObserveUpstream records an upstream request.
func (m *Metrics) ObserveUpstream(endpoint string, d time.Duration, throttled bool) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(endpoint).Observe(d.Seconds())
	if throttled {
		m.UpstreamThrottle.Inc()
	}
}

// RecordArchived counts a token moved to history.
func (m *Metrics) RecordArchived() {
	if m == nil {
		return
	}
	m.TokensArchived.Inc()
}

// RecordQuarantined counts a token moved to quarantine.
func (m *Metrics) RecordQuarantined(reason string) {
	if m == nil {
		return
	}
	m.TokensQuarantined.WithLabelValues(reason).Inc()
}

// RecordFlagged counts tokens newly flagged for removal.
func (m *Metrics) RecordFlagged(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensFlagged.WithLabelValues(reason).Add(float64(n))
}

// RecordCleanerRun counts a cleaner run by outcome ("done", "locked", "error").
func (m *Metrics) RecordCleanerRun(outcome string) {
	if m == nil {
		return
	}
	m.CleanerRuns.WithLabelValues(outcome).Inc()
}

// RecordTask records one scheduled task run.
func (m *Metrics) RecordTask(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TaskRuns.WithLabelValues(task, status).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// SetPaused exports the discovery pause state.
func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.Paused.Set(1)
	} else {
		m.Paused.Set(0)
	}
}

// SetBackoff exports the time left in the backoff window.
func (m *Metrics) SetBackoff(remaining time.Duration) {
	if m == nil {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	m.BackoffSeconds.Set(remaining.Seconds())
}

// MarkTick stamps the last completed tick.
func (m *Metrics) MarkTick(at time.Time) {
	if m == nil {
		return
	}
	m.LastTick.Set(float64(at.Unix()))
}
