// Package metrics exposes Prometheus metrics for workers, runs and the HTTP
// surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "browserflow"

// Collector records browserflow metrics into its own registry. It satisfies
// engine.Observer and worker.Observer.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge
	heartbeats    *prometheus.CounterVec

	strategyAttempts *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec
	loopsDetected    prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics in a fresh registry that also carries
// the Go runtime and process collectors.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{registry: reg}

	c.tasksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by outcome status",
		},
		[]string{"status"},
	)

	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall-clock task duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	c.tasksInFlight = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks_in_flight",
		Help:      "Tasks currently running in this worker",
	})

	c.heartbeats = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Task heartbeats by result",
		},
		[]string{"result"},
	)

	c.strategyAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_attempts_total",
			Help:      "Escalation strategy attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	c.strategyDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_duration_seconds",
			Help:      "Escalation strategy attempt duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"mode"},
	)

	c.loopsDetected = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loops_detected_total",
		Help:      "Runs stopped by the step visit limit",
	})

	c.httpRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	c.httpDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	return c
}

// Registry returns the registry holding every metric.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// TaskFinished records a finished task.
func (c *Collector) TaskFinished(status string, d time.Duration) {
	c.tasksTotal.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Heartbeat records one heartbeat.
func (c *Collector) Heartbeat(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.heartbeats.WithLabelValues(result).Inc()
}

// TasksInFlight sets the in-flight gauge.
func (c *Collector) TasksInFlight(n int) { c.tasksInFlight.Set(float64(n)) }

// StrategyAttempt records one resolver attempt.
func (c *Collector) StrategyAttempt(mode, outcome string, d time.Duration) {
	c.strategyAttempts.WithLabelValues(mode, outcome).Inc()
	c.strategyDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// LoopDetected counts a run stopped by the visit limit.
func (c *Collector) LoopDetected() { c.loopsDetected.Inc() }

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
