// Package telemetry exposes import pipeline metrics in the Prometheus
// exposition format.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

const namespace = "bulkimport"

// Metrics folds session events into Prometheus collectors. Each Metrics owns
// its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	rows          *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	imports       *prometheus.CounterVec
	active        prometheus.Gauge
	memory        prometheus.Gauge
}

// New registers the pipeline collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows processed, by outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches finished, by status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Imports that reached a terminal state.",
		}, []string{"state"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imports_running",
			Help:      "Imports currently running.",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_alloc_bytes",
			Help:      "Heap in use at the last batch boundary.",
		}),
	}

	m.registry.MustRegister(
		m.rows, m.batches, m.batchDuration, m.imports, m.active, m.memory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe updates the collectors for one event. It matches the
// core.Options.OnEvent signature.
func (m *Metrics) Observe(ev core.Event) {
	switch d := ev.Data.(type) {
	case core.StartData:
		m.active.Inc()
	case core.BatchCompleteData:
		m.batches.WithLabelValues("ok").Inc()
		m.batchDuration.Observe(d.Duration.Seconds())
		m.rows.WithLabelValues("imported").Add(float64(d.Results.Imported))
		m.rows.WithLabelValues("updated").Add(float64(d.Results.Updated))
		m.rows.WithLabelValues("duplicate").Add(float64(d.Results.Duplicates))
		m.rows.WithLabelValues("error").Add(float64(d.Results.Errors))
		m.memory.Set(float64(d.Memory))
	case core.BatchErrorData:
		status := "error"
		if d.Timeout {
			status = "timeout"
		}
		m.batches.WithLabelValues(status).Inc()
		m.batchDuration.Observe(d.Duration.Seconds())
		m.memory.Set(float64(d.Memory))
	case core.CompleteData:
		m.finish(core.StateCompleted)
	case core.ErrorData:
		m.finish(core.StateFailed)
	case core.CancelledData:
		m.finish(core.StateCancelled)
	}
}

func (m *Metrics) finish(st core.State) {
	m.imports.WithLabelValues(string(st)).Inc()
	m.active.Dec()
}

// RegisterLimiter exports the import slot usage reported by status.
func (m *Metrics) RegisterLimiter(status func() core.LimiterStatus) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "import_slots_in_use",
			Help:      "Import slots currently held.",
		}, func() float64 { return float64(status().Active) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "import_slots_max",
			Help:      "Maximum concurrent imports.",
		}, func() float64 { return float64(status().MaxConcurrent) }),
	)
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
