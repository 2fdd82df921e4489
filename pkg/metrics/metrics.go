package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the prometheus series exported by lifemon. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	buildsFetched          *prometheus.CounterVec
	backendErrors          *prometheus.CounterVec
	notificationsEmitted   *prometheus.CounterVec
	notificationsDelivered *prometheus.CounterVec
	cacheLookups           *prometheus.CounterVec
	jobRuns                *prometheus.CounterVec
	jobDuration            *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		buildsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifemon",
			Subsystem: "backend",
			Name:      "builds_fetched_total",
			Help:      "Number of build records fetched from testing services.",
		}, []string{"service"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifemon",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Errors returned by testing services.",
		}, []string{"service", "kind"}),
		notificationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifemon",
			Subsystem: "notifications",
			Name:      "emitted_total",
			Help:      "Notifications created by the planner.",
		}, []string{"event"}),
		notificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifemon",
			Subsystem: "notifications",
			Name:      "delivered_total",
			Help:      "Notification delivery attempts.",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifemon",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Memoized lookups by outcome.",
		}, []string{"result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lifemon",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Job executions by outcome.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lifemon",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"job"}),
	}

	c.registry.MustRegister(
		c.buildsFetched,
		c.backendErrors,
		c.notificationsEmitted,
		c.notificationsDelivered,
		c.cacheLookups,
		c.jobRuns,
		c.jobDuration,
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) BuildsFetched(service string, n int) {
	if c == nil {
		return
	}
	c.buildsFetched.WithLabelValues(service).Add(float64(n))
}

func (c *Collector) BackendError(service, kind string) {
	if c == nil {
		return
	}
	c.backendErrors.WithLabelValues(service, kind).Inc()
}

func (c *Collector) NotificationEmitted(event string) {
	if c == nil {
		return
	}
	c.notificationsEmitted.WithLabelValues(event).Inc()
}

func (c *Collector) NotificationDelivered(ok bool) {
	if c == nil {
		return
	}
	c.notificationsDelivered.WithLabelValues(result(ok)).Inc()
}

// CacheLookup records a memoized lookup; result is one of
// "transaction", "hit", "miss".
func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) JobFinished(job string, elapsed time.Duration, ok bool) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(job, result(ok)).Inc()
	c.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
