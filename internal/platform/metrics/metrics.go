package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline counters exposed on /metrics.
type Collector struct {
	registry *prometheus.Registry

	EventsPublished  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	ScansDeduped     prometheus.Counter
	ScansRequested   prometheus.Counter
	RetriesStarted   prometheus.Counter
	RetriesExhausted prometheus.Counter
	SweepsRun        prometheus.Counter
	ScansTimedOut    prometheus.Counter
	ExportJobs       *prometheus.CounterVec
	Subscribers      prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_events_published_total",
			Help: "Delta events published to the fan-out bus, by event type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_events_dropped_total",
			Help: "Delta events dropped because a subscriber buffer was full.",
		}),
		ScansDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_scans_deduplicated_total",
			Help: "ensureScan calls that attached to an existing commit scan.",
		}),
		ScansRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_scans_requested_total",
			Help: "Commit scans dispatched to an external tool.",
		}),
		RetriesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_retries_started_total",
			Help: "Failed items re-entered into pending.",
		}),
		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_retries_exhausted_total",
			Help: "Retry requests rejected at the retry ceiling.",
		}),
		SweepsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_reconcile_sweeps_total",
			Help: "Reconciliation sweeps over pending-callback scans.",
		}),
		ScansTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_scans_timed_out_total",
			Help: "Pending-callback scans failed by the SLA sweeper.",
		}),
		ExportJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_export_jobs_total",
			Help: "Export jobs by format and terminal status.",
		}, []string{"format", "status"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_event_subscribers",
			Help: "Currently connected event subscribers.",
		}),
	}

	c.registry.MustRegister(
		c.EventsPublished,
		c.EventsDropped,
		c.ScansDeduped,
		c.ScansRequested,
		c.RetriesStarted,
		c.RetriesExhausted,
		c.SweepsRun,
		c.ScansTimedOut,
		c.ExportJobs,
		c.Subscribers,
	)
	return c
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
