// Package metrics exposes Prometheus instrumentation for the gateway: job
// lifecycle counters fed by the event stream and connection-pool gauges fed
// by the balancer's interceptor hooks.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docstream/workgate/pkg/balancer"
	"github.com/docstream/workgate/pkg/job"
)

// Collector holds the gateway's metrics. It satisfies balancer.Interceptor,
// so passing it to the pool wires the connection gauges for free.
type Collector struct {
	registry *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRetried    prometheus.Counter
	jobsCancelled  prometheus.Counter
	jobDuration    prometheus.Histogram

	poolConnections prometheus.Gauge
	poolInFlight    prometheus.Gauge
	poolAcquired    prometheus.Counter
	poolFailures    prometheus.Counter
}

var _ balancer.Interceptor = (*Collector)(nil)

// NewCollector creates a Collector on its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_jobs_submitted_total",
			Help: "Total number of jobs admitted into the store",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_jobs_dispatched_total",
			Help: "Total number of jobs handed to worker nodes",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_jobs_failed_total",
			Help: "Total number of jobs failed with no retries remaining",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_jobs_retried_total",
			Help: "Total number of job retries scheduled",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_jobs_cancelled_total",
			Help: "Total number of jobs cancelled by callers",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workgate_job_duration_seconds",
			Help:    "Execution latency of completed jobs in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		poolConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workgate_pool_connections",
			Help: "Current number of pooled worker connections",
		}),
		poolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workgate_pool_in_flight",
			Help: "Connections currently held by in-flight calls",
		}),
		poolAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_pool_acquisitions_total",
			Help: "Total number of connection acquisitions",
		}),
		poolFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workgate_pool_connection_failures_total",
			Help: "Total number of connections retired after a failure",
		}),
	}

	c.registry.MustRegister(
		c.jobsSubmitted, c.jobsDispatched, c.jobsCompleted, c.jobsFailed,
		c.jobsRetried, c.jobsCancelled, c.jobDuration,
		c.poolConnections, c.poolInFlight, c.poolAcquired, c.poolFailures,
	)
	return c
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe records one lifecycle event.
func (c *Collector) Observe(ev job.Event) {
	switch e := ev.(type) {
	case *job.Submitted:
		c.jobsSubmitted.Inc()
	case *job.Started:
		c.jobsDispatched.Inc()
	case *job.Completed:
		c.jobsCompleted.Inc()
		c.jobDuration.Observe(e.Duration.Seconds())
	case *job.Failed:
		c.jobsFailed.Inc()
	case *job.Retrying:
		c.jobsRetried.Inc()
	case *job.Cancelled:
		c.jobsCancelled.Inc()
	}
}

// Watch consumes events until ctx ends or the channel closes.
func (c *Collector) Watch(ctx context.Context, events <-chan job.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Balancer interceptor hooks.

func (c *Collector) OnAcquired(balancer.Node) {
	c.poolAcquired.Inc()
	c.poolInFlight.Inc()
}

func (c *Collector) OnReleased(balancer.Node) {
	c.poolInFlight.Dec()
}

func (c *Collector) OnFailed(balancer.Node, error) {
	c.poolInFlight.Dec()
	c.poolFailures.Inc()
}

func (c *Collector) OnUpdated(nodes []balancer.Node) {
	c.poolConnections.Set(float64(len(nodes)))
}
