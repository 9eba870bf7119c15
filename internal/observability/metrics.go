// Package observability exposes prometheus metrics for the analysis
// pipeline. A nil *Metrics is a valid no-op collector so components never
// need to branch on whether metrics are configured.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus collectors.
type Metrics struct {
	analysesTotal    *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	cacheEvents      *prometheus.CounterVec
	workerTasks      *prometheus.CounterVec
	memoryPressure   *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		analysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keytempo_analyses_total",
			Help: "Analysis runs by terminal status.",
		}, []string{"status"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keytempo_analysis_duration_seconds",
			Help:    "Wall-clock duration of successful analysis runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keytempo_cache_events_total",
			Help: "Result cache hits, misses and evictions.",
		}, []string{"event"}),
		workerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keytempo_worker_tasks_total",
			Help: "Worker pool task outcomes by pool and status.",
		}, []string{"pool", "status"}),
		memoryPressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keytempo_memory_pressure",
			Help: "Current memory pressure level (1 = active).",
		}, []string{"level"}),
	}

	for _, c := range []prometheus.Collector{
		m.analysesTotal, m.analysisDuration, m.cacheEvents, m.workerTasks, m.memoryPressure,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordAnalysis records one terminal analysis outcome.
func (m *Metrics) RecordAnalysis(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.analysesTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.analysisDuration.Observe(duration.Seconds())
	}
}

// RecordCacheEvent records a cache hit, miss or eviction.
func (m *Metrics) RecordCacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

// RecordWorkerTask records one worker task outcome.
func (m *Metrics) RecordWorkerTask(pool, status string) {
	if m == nil {
		return
	}
	m.workerTasks.WithLabelValues(pool, status).Inc()
}

// SetMemoryPressure marks the active pressure level, clearing the others.
func (m *Metrics) SetMemoryPressure(level string) {
	if m == nil {
		return
	}
	for _, l := range []string{"low", "medium", "high", "unknown"} {
		v := 0.0
		if l == level {
			v = 1.0
		}
		m.memoryPressure.WithLabelValues(l).Set(v)
	}
}
