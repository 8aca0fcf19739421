// Package metrics collects the process's Prometheus instrumentation in one
// registry so components share label conventions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the registry and every collector the runtime exports.
type Metrics struct {
	registry *prometheus.Registry

	PublishedTotal   *prometheus.CounterVec
	ConsumedTotal    *prometheus.CounterVec
	DeadLettersTotal *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec

	InterpreterProcessed *prometheus.CounterVec
	WorkerOutcomes       *prometheus.CounterVec
	ProcessingSeconds    *prometheus.HistogramVec

	CircuitState     *prometheus.GaugeVec
	ControlCommands  *prometheus.CounterVec
	AnomalyFlags     *prometheus.CounterVec
	AdmissionCutoff  *prometheus.GaugeVec
	StorageCommitSec prometheus.Histogram
	StorageReadSec   prometheus.Histogram
}

// New builds the registry with Go runtime collectors plus the domain
// collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.PublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidgeon", Name: "published_total",
		Help: "Envelopes published, by queue.",
	}, []string{"queue"})
	m.ConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidgeon", Name: "consumed_total",
		Help: "Envelopes delivered to consumers, by queue and group.",
	}, []string{"queue", "group"})
	m.DeadLettersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidgeon", Name: "dead_letters_total",
		Help: "Dead-letter records created, by queue and reason.",
	}, []string{"queue", "reason"})
	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pidgeon", Name: "queue_depth",
		Help: "Queue occupancy sampled by the supervisor, by queue and state.",
	}, []string{"queue", "state"})

	m.InterpreterProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidgeon", Name: "interpreter_processed_total",
		Help: "Envelopes through the interpreter, by task type and outcome.",
	}, []string{"task_type", "outcome"})
	m.WorkerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidgeon", Name: "worker_outcomes_total",
		Help: "Worker delivery outcomes, by queue, task type and outcome.",
	}, []string{"queue", "task_type", "outcome"})
	m.ProcessingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pidgeon", Name: "processing_seconds",
		Help:    "Per-delivery processing latency, by task type.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"task_type"})

	m.CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pidgeon", Name: "circuit_state",
		Help: "Circuit breaker state ordinal (0 healthy, 1 degraded, 2 open, 3 half-open).",
	}, []string{"queue", "task_type"})
	m.ControlCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidgeon", Name: "control_commands_total",
		Help: "Control commands issued by the supervisor, by kind.",
	}, []string{"kind"})
	m.AnomalyFlags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pidgeon", Name: "anomaly_flags_total",
		Help: "Anomaly alerts raised, by task type and signal.",
	}, []string{"task_type", "signal"})
	m.AdmissionCutoff = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pidgeon", Name: "admission_priority_cutoff",
		Help: "Backpressure priority cutoff per queue (0 = admission open).",
	}, []string{"queue"})
	m.StorageCommitSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pidgeon", Name: "storage_commit_seconds",
		Help:    "Pebble batch commit latency.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	m.StorageReadSec = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pidgeon", Name: "storage_read_seconds",
		Help:    "Pebble point read latency.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	m.registry.MustRegister(
		m.PublishedTotal, m.ConsumedTotal, m.DeadLettersTotal, m.QueueDepth,
		m.InterpreterProcessed, m.WorkerOutcomes, m.ProcessingSeconds,
		m.CircuitState, m.ControlCommands, m.AnomalyFlags, m.AdmissionCutoff,
		m.StorageCommitSec, m.StorageReadSec,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StoreHook adapts the metrics to the storage observation interface.
func (m *Metrics) StoreHook() StoreHook { return StoreHook{m: m} }

// StoreHook observes Pebble store operations.
type StoreHook struct{ m *Metrics }

func (h StoreHook) ObserveRead(elapsed time.Duration, bytes int) {
	h.m.StorageReadSec.Observe(elapsed.Seconds())
}

func (h StoreHook) ObserveCommit(elapsed time.Duration, bytes int) {
	h.m.StorageCommitSec.Observe(elapsed.Seconds())
}
