// Package metrics exports event delivery and worker statistics to
// Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/nexus/internal/event"
	"github.com/dshills/nexus/internal/worker"
)

const namespace = "nexus"

// Observer records source and worker notifications as Prometheus metrics.
// It implements event.Observer and worker.Observer.
type Observer struct {
	registry *prometheus.Registry

	emits       *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	failures    *prometheus.CounterVec
	drops       *prometheus.CounterVec
	pruned      *prometheus.CounterVec
	handlerTime *prometheus.HistogramVec

	transitions *prometheus.CounterVec
	workerState *prometheus.GaugeVec
	tasks       *prometheus.CounterVec
	taskTime    *prometheus.HistogramVec
}

var (
	_ event.Observer  = (*Observer)(nil)
	_ worker.Observer = (*Observer)(nil)
)

// Option configures an Observer.
type Option func(*options)

type options struct {
	registry       *prometheus.Registry
	processMetrics bool
}

// WithRegistry registers the metrics on reg instead of a new registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// WithProcessMetrics adds the Go runtime and process collectors.
func WithProcessMetrics() Option {
	return func(o *options) {
		o.processMetrics = true
	}
}

// New creates an Observer and registers its metrics.
func New(opts ...Option) (*Observer, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	m := &Observer{
		registry: o.registry,
		emits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "emits_total",
			Help:      "Number of Emit calls per source.",
		}, []string{"source"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "deliveries_total",
			Help:      "Number of handler executions per source and mode.",
		}, []string{"source", "mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "handler_failures_total",
			Help:      "Number of handlers that returned an error or panicked.",
		}, []string{"source", "mode", "kind"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "drops_total",
			Help:      "Number of deliveries that could not be scheduled.",
		}, []string{"source", "reason"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "pruned_connections_total",
			Help:      "Number of connections removed after their receiver was collected.",
		}, []string{"source"}),
		handlerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"source", "mode"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of worker state transitions.",
		}, []string{"worker", "to"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state",
			Help:      "Current worker state: 0 created, 1 starting, 2 started, 3 stopping, 4 stopped.",
		}, []string{"worker"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Number of queued tasks run, by outcome.",
		}, []string{"worker", "outcome"}),
		taskTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Queued task execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
	}

	collectorsToRegister := []prometheus.Collector{
		m.emits, m.deliveries, m.failures, m.drops, m.pruned, m.handlerTime,
		m.transitions, m.workerState, m.tasks, m.taskTime,
	}
	if o.processMetrics {
		collectorsToRegister = append(collectorsToRegister,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range collectorsToRegister {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry holding the metrics.
func (m *Observer) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Emitted implements event.Observer.
func (m *Observer) Emitted(source string, _ int) {
	m.emits.WithLabelValues(source).Inc()
}

// Delivered implements event.Observer.
func (m *Observer) Delivered(source string, mode event.Mode, d time.Duration, err error) {
	m.deliveries.WithLabelValues(source, mode.String()).Inc()
	m.handlerTime.WithLabelValues(source, mode.String()).Observe(d.Seconds())
	if err != nil {
		m.failures.WithLabelValues(source, mode.String(), failureKind(err)).Inc()
	}
}

// Dropped implements event.Observer.
func (m *Observer) Dropped(source string, reason event.DropReason) {
	m.drops.WithLabelValues(source, string(reason)).Inc()
}

// Pruned implements event.Observer.
func (m *Observer) Pruned(source string, n int) {
	m.pruned.WithLabelValues(source).Add(float64(n))
}

// StateChanged implements worker.Observer.
func (m *Observer) StateChanged(name string, _, to worker.State) {
	m.transitions.WithLabelValues(name, to.String()).Inc()
	m.workerState.WithLabelValues(name).Set(float64(to))
}

// TaskDone implements worker.Observer.
func (m *Observer) TaskDone(name string, d time.Duration, err error) {
	m.tasks.WithLabelValues(name, failureKind(err)).Inc()
	m.taskTime.WithLabelValues(name).Observe(d.Seconds())
}

func failureKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, event.ErrHandlerPanic):
		return "panic"
	default:
		return "error"
	}
}
