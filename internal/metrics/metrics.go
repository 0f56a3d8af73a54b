// Package metrics provides Prometheus metrics for the storage engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage engine
type Metrics struct {
	// Flush pipeline metrics
	FlushTotal    *prometheus.CounterVec
	FlushDuration *prometheus.HistogramVec

	// Vacuum metrics
	VacuumTotal           *prometheus.CounterVec
	VacuumDuration        *prometheus.HistogramVec
	VacuumReclaimedRows   *prometheus.CounterVec
	VacuumTrashEntriesHit *prometheus.CounterVec

	// Page allocator metrics
	PageAllocatorFragmentation prometheus.Gauge
	PageAllocatorPagesInUse    prometheus.Gauge

	// MVCC metrics
	MVCCVisibilityChecks *prometheus.CounterVec
	MVCCConflictsTotal   *prometheus.CounterVec

	// Index metrics
	IndexTrashSize      *prometheus.GaugeVec
	IndexLocalSearch    *prometheus.CounterVec
	IndexAssistedSearch *prometheus.CounterVec

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.FlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_flush_total",
			Help: "Total number of flush batches run per table",
		},
		[]string{"table", "status"},
	)

	m.FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphcore_flush_duration_seconds",
			Help:    "Duration of flush batches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	m.VacuumTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_vacuum_total",
			Help: "Total number of vacuum sweeps run per table",
		},
		[]string{"table", "status"},
	)

	m.VacuumDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphcore_vacuum_duration_seconds",
			Help:    "Duration of vacuum sweeps in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"table"},
	)

	m.VacuumReclaimedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_vacuum_reclaimed_rows_total",
			Help: "Total number of row id ranges reclaimed by vacuum",
		},
		[]string{"table"},
	)

	m.VacuumTrashEntriesHit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_vacuum_trash_entries_total",
			Help: "Total number of index trash entries removed by vacuum",
		},
		[]string{"index"},
	)

	m.PageAllocatorFragmentation = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphcore_page_allocator_fragmentation_ratio",
			Help: "Ratio of free blocks smaller than the largest possible contiguous block",
		},
	)

	m.PageAllocatorPagesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphcore_page_allocator_pages_in_use",
			Help: "Number of pages currently marked allocated",
		},
	)

	m.MVCCVisibilityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_mvcc_visibility_checks_total",
			Help: "Total number of MVCC visibility predicate evaluations",
		},
		[]string{"result"},
	)

	m.MVCCConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_mvcc_conflicts_total",
			Help: "Total number of write conflicts detected within a transaction",
		},
		[]string{"table"},
	)

	m.IndexTrashSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphcore_index_trash_size",
			Help: "Current number of entries pending in an index trash column family",
		},
		[]string{"index"},
	)

	m.IndexLocalSearch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_index_local_search_total",
			Help: "Total number of queries served entirely from a secondary index",
		},
		[]string{"index"},
	)

	m.IndexAssistedSearch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphcore_index_assisted_search_total",
			Help: "Total number of queries narrowed by an index that still required a base table fetch",
		},
		[]string{"index"},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphcore_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordFlush records a completed flush batch.
func (m *Metrics) RecordFlush(table string, status string, duration time.Duration) {
	m.FlushTotal.WithLabelValues(table, status).Inc()
	m.FlushDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordVacuum records a completed vacuum sweep.
func (m *Metrics) RecordVacuum(table string, status string, duration time.Duration, reclaimedRows int) {
	m.VacuumTotal.WithLabelValues(table, status).Inc()
	m.VacuumDuration.WithLabelValues(table).Observe(duration.Seconds())
	m.VacuumReclaimedRows.WithLabelValues(table).Add(float64(reclaimedRows))
}

// RecordVisibilityCheck records one MVCC visibility predicate evaluation.
func (m *Metrics) RecordVisibilityCheck(visible bool) {
	if visible {
		m.MVCCVisibilityChecks.WithLabelValues("visible").Inc()
	} else {
		m.MVCCVisibilityChecks.WithLabelValues("hidden").Inc()
	}
}

// RecordConflict records a write conflict detected within a transaction.
func (m *Metrics) RecordConflict(table string) {
	m.MVCCConflictsTotal.WithLabelValues(table).Inc()
}

// UpdatePageAllocatorStats updates page allocator gauges.
func (m *Metrics) UpdatePageAllocatorStats(fragmentation float64, pagesInUse int64) {
	m.PageAllocatorFragmentation.Set(fragmentation)
	m.PageAllocatorPagesInUse.Set(float64(pagesInUse))
}

// UpdateIndexTrashSize updates the trash-size gauge for one index.
func (m *Metrics) UpdateIndexTrashSize(index string, size int64) {
	m.IndexTrashSize.WithLabelValues(index).Set(float64(size))
}

// RecordIndexLocalSearch records a query served entirely from an index.
func (m *Metrics) RecordIndexLocalSearch(index string) {
	m.IndexLocalSearch.WithLabelValues(index).Inc()
}

// RecordIndexAssistedSearch records a query an index narrowed to a dataKey
// set, which still required fetching full rows from the base table.
func (m *Metrics) RecordIndexAssistedSearch(index string) {
	m.IndexAssistedSearch.WithLabelValues(index).Inc()
}
