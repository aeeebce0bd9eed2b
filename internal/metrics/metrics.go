// Package metrics exposes Prometheus metrics for report generation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wehubfusion/Banda/pkg/concurrency"
	"github.com/wehubfusion/Banda/pkg/report"
)

const namespace = "banda"

// Collector records generation metrics. It implements report.Observer.
type Collector struct {
	registry *prometheus.Registry

	generated  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	tables     prometheus.Counter
	rows       prometheus.Counter
	padded     prometheus.Counter
	coercion   prometheus.Counter
	derived    prometheus.Counter
	queryRows  prometheus.Counter
	derivedErr prometheus.Counter
}

// NewCollector creates a Collector on its own registry, with the Go runtime and process
// collectors registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		generated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_generated_total",
			Help:      "Reports generated, by report, source and status.",
		}, []string{"report", "source", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_generation_duration_seconds",
			Help:      "Time spent generating a report.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"report", "source"}),
		tables: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tables_materialized_total",
			Help:      "Tables produced for successful reports.",
		}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_materialized_total",
			Help:      "Rows produced for successful reports, padding included.",
		}),
		padded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "padding_rows_total",
			Help:      "Rows added by row balance rules.",
		}),
		coercion: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coercion_failures_total",
			Help:      "Values that could not be converted to their column type.",
		}),
		derived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_cells_total",
			Help:      "Derived column cells evaluated.",
		}),
		derivedErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_cell_failures_total",
			Help:      "Derived column cells whose expression threw.",
		}),
		queryRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_rows_total",
			Help:      "Rows read from SQL queries.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.generated, c.duration, c.tables, c.rows, c.padded,
		c.coercion, c.derived, c.derivedErr, c.queryRows,
	)
	return c
}

// ObserveGeneration implements report.Observer.
func (c *Collector) ObserveGeneration(reportName, source, status string, duration time.Duration, stats report.Stats) {
	c.generated.WithLabelValues(reportName, source, status).Inc()
	c.duration.WithLabelValues(reportName, source).Observe(duration.Seconds())
	if status != "success" {
		return
	}
	c.tables.Add(float64(stats.Tables))
	c.rows.Add(float64(stats.Rows))
	c.padded.Add(float64(stats.PaddedRows))
	c.coercion.Add(float64(stats.CoercionFailures))
	c.derived.Add(float64(stats.DerivedCells))
	c.derivedErr.Add(float64(stats.DerivedFailures))
	c.queryRows.Add(float64(stats.QueryRows))
}

// RegisterLimiter exports the limiter's state as gauges read on every scrape.
func (c *Collector) RegisterLimiter(l *concurrency.Limiter) {
	gauge := func(name, help string, value func(concurrency.Metrics) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(l.GetMetrics()) })
	}
	c.registry.MustRegister(
		gauge("capacity", "Maximum concurrent generations.", func(m concurrency.Metrics) float64 { return float64(m.Capacity) }),
		gauge("active", "Generations running now.", func(m concurrency.Metrics) float64 { return float64(m.Active) }),
		gauge("peak", "Highest number of concurrent generations.", func(m concurrency.Metrics) float64 { return float64(m.PeakConcurrent) }),
		gauge("rejected", "Generations rejected by the circuit breaker.", func(m concurrency.Metrics) float64 { return float64(m.TotalRejected) }),
		gauge("average_wait_seconds", "Average wait for a generation slot.", func(m concurrency.Metrics) float64 { return m.AverageWait().Seconds() }),
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
