// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Sync metrics
	SubgraphRequests  *prometheus.CounterVec
	SubgraphFailures  *prometheus.CounterVec
	RowsSynced        *prometheus.CounterVec
	SyncRoundsTotal   prometheus.Counter
	SyncRoundDuration prometheus.Histogram
	ActivePoolSlots   prometheus.Gauge

	// Subgraph latency
	SubgraphLatency *prometheus.HistogramVec

	// Rebuild metrics
	RebuildRunsTotal  *prometheus.CounterVec
	RebuildDuration   *prometheus.HistogramVec
	RebuildUsers      prometheus.Gauge
	RebuildEvents     prometheus.Gauge
	RebuildConditions prometheus.Gauge

	// Database metrics
	DBSizeMB      prometheus.Gauge
	DBQueryErrors *prometheus.CounterVec

	// Health metrics
	LastSuccessfulRound   prometheus.Gauge
	LastSuccessfulRebuild prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "market_pnl_lab"
	}

	return &Metrics{
		// Sync metrics
		SubgraphRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "subgraph_requests_total",
			Help:      "Total number of subgraph requests by source and entity",
		}, []string{"source", "entity"}),
		SubgraphFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "subgraph_failures_total",
			Help:      "Total number of failed subgraph requests by failure class",
		}, []string{"source", "entity", "class"}),
		RowsSynced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rows_synced_total",
			Help:      "Total number of rows upserted by source and entity",
		}, []string{"source", "entity"}),
		SyncRoundsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rounds_total",
			Help:      "Total number of completed sync rounds",
		}),
		SyncRoundDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "round_duration_seconds",
			Help:      "Sync round duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		ActivePoolSlots: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "active_pool_slots",
			Help:      "Number of HTTPS pool slots currently in use",
		}),

		// Subgraph latency
		SubgraphLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subgraph",
			Name:      "request_latency_seconds",
			Help:      "Subgraph request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source", "entity"}),

		// Rebuild metrics
		RebuildRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rebuild",
			Name:      "runs_total",
			Help:      "Total number of rebuild runs by status",
		}, []string{"status"}),
		RebuildDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rebuild",
			Name:      "phase_duration_seconds",
			Help:      "Rebuild phase duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),
		RebuildUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rebuild",
			Name:      "users",
			Help:      "Number of users in the last completed rebuild",
		}),
		RebuildEvents: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rebuild",
			Name:      "events",
			Help:      "Number of events in the last completed rebuild",
		}),
		RebuildConditions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rebuild",
			Name:      "conditions",
			Help:      "Number of conditions in the last completed rebuild",
		}),

		// Database metrics
		DBSizeMB: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "size_mb",
			Help:      "Database file size in megabytes",
		}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"operation"}),

		// Health metrics
		LastSuccessfulRound: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_round_timestamp",
			Help:      "Unix timestamp of last completed sync round",
		}),
		LastSuccessfulRebuild: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_rebuild_timestamp",
			Help:      "Unix timestamp of last completed rebuild",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSubgraphRequest records one subgraph request and its latency.
func RecordSubgraphRequest(source, entity string, seconds float64) {
	DefaultMetrics.SubgraphRequests.WithLabelValues(source, entity).Inc()
	DefaultMetrics.SubgraphLatency.WithLabelValues(source, entity).Observe(seconds)
}

// RecordSubgraphFailure records a failed subgraph request.
func RecordSubgraphFailure(source, entity, class string) {
	DefaultMetrics.SubgraphFailures.WithLabelValues(source, entity, class).Inc()
}

// RecordRowsSynced adds to the synced row counter.
func RecordRowsSynced(source, entity string, rows int) {
	DefaultMetrics.RowsSynced.WithLabelValues(source, entity).Add(float64(rows))
}

// RecordSyncRound records a completed sync round.
func RecordSyncRound(durationSeconds float64) {
	DefaultMetrics.SyncRoundsTotal.Inc()
	DefaultMetrics.SyncRoundDuration.Observe(durationSeconds)
	DefaultMetrics.LastSuccessfulRound.SetToCurrentTime()
}

// UpdatePoolSlots updates the active pool slot gauge.
func UpdatePoolSlots(active int) {
	DefaultMetrics.ActivePoolSlots.Set(float64(active))
}

// RecordRebuild records a completed rebuild run.
func RecordRebuild(status string, users, events, conditions int64) {
	DefaultMetrics.RebuildRunsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		DefaultMetrics.RebuildUsers.Set(float64(users))
		DefaultMetrics.RebuildEvents.Set(float64(events))
		DefaultMetrics.RebuildConditions.Set(float64(conditions))
		DefaultMetrics.LastSuccessfulRebuild.SetToCurrentTime()
	}
}

// RecordRebuildPhase records one rebuild phase duration.
func RecordRebuildPhase(phase string, seconds float64) {
	DefaultMetrics.RebuildDuration.WithLabelValues(phase).Observe(seconds)
}

// UpdateDBSize updates the database size gauge.
func UpdateDBSize(mb float64) {
	DefaultMetrics.DBSizeMB.Set(mb)
}

// RecordDBError records a database query error.
func RecordDBError(operation string) {
	DefaultMetrics.DBQueryErrors.WithLabelValues(operation).Inc()
}
