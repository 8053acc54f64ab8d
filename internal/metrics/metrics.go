package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"testworker/internal/models"
	"testworker/internal/worker"
)

const namespace = "testworker"

// Collector holds every metric the worker process exposes. It satisfies the observer
// interfaces of the worker, the admission controller and the reaper.
type Collector struct {
	registry *prometheus.Registry

	executions       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	admissionCounted prometheus.Gauge
	admissionDenied  prometheus.Counter
	billingBlocked   prometheus.Counter
	runsReaped       prometheus.Counter
	degradations     *prometheus.CounterVec
}

// NewCollector creates the collector on its own registry, together with the Go runtime
// and process collectors
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Settled executions by task kind and final status",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of settled executions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}, []string{"kind"}),
		admissionCounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_in_flight",
			Help:      "Attempts currently counted against the concurrency ceiling",
		}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Attempts refused because the ceiling was reached",
		}),
		billingBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_blocked_total",
			Help:      "Executions refused by the billing gate",
		}),
		runsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_runs_total",
			Help:      "Stalled runs moved to error by the recovery sweep",
		}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Secondary steps that failed without failing the execution",
		}, []string{"step"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.executions,
		c.duration,
		c.admissionCounted,
		c.admissionDenied,
		c.billingBlocked,
		c.runsReaped,
		c.degradations,
	)
	return c
}

// Handler serves the collector's registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ExecutionSettled(kind models.TaskKind, status models.RunStatus, d time.Duration) {
	c.executions.WithLabelValues(string(kind), string(status)).Inc()
	c.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (c *Collector) BillingBlocked() {
	c.billingBlocked.Inc()
}

func (c *Collector) Degraded(step worker.Step) {
	c.degradations.WithLabelValues(string(step)).Inc()
}

func (c *Collector) AdmissionChanged(counted int) {
	c.admissionCounted.Set(float64(counted))
}

func (c *Collector) AdmissionRejected() {
	c.admissionDenied.Inc()
}

func (c *Collector) RunsReaped(n int) {
	c.runsReaped.Add(float64(n))
}
