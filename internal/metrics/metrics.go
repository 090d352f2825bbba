// Package metrics exposes Prometheus metrics for auradrived.
//
// Features:
//   - Counters for RPC calls, callback deliveries, file operations
//   - Gauges for registered callbacks and stored files
//   - Histogram for RPC latency
//   - HTTP endpoint for scraping, shared with the health probes
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auradrive/internal/callback"
)

const namespace = "auradrive"

// Outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeDenied = "denied"
)

// Metrics holds every collector of the daemon on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RPCCalls          *prometheus.CounterVec
	RPCDuration       *prometheus.HistogramVec
	CallbackDelivered *prometheus.CounterVec
	CallbackFailed    *prometheus.CounterVec
	CallbackEvicted   prometheus.Counter
	CallbacksActive   prometheus.Gauge
	FileOps           *prometheus.CounterVec
	IntegrityFailures prometheus.Counter
	FilesStored       prometheus.Gauge
	StoredBytes       prometheus.Gauge
	Commands          *prometheus.CounterVec
	ConfigUpdates     *prometheus.CounterVec
	ModuleToggles     *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "IPC calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "IPC call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"operation"}),
		CallbackDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_delivered_total",
			Help:      "Notifications delivered to callbacks by kind.",
		}, []string{"kind"}),
		CallbackFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_failed_total",
			Help:      "Failed callback deliveries by kind.",
		}, []string{"kind"}),
		CallbackEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_evicted_total",
			Help:      "Callbacks removed after a failed delivery or a full queue.",
		}),
		CallbacksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "callbacks_registered",
			Help:      "Currently registered callbacks.",
		}),
		FileOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_operations_total",
			Help:      "File store operations by operation and result.",
		}, []string{"operation", "result"}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_failures_total",
			Help:      "Digest or record integrity mismatches.",
		}),
		FilesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "files_stored",
			Help:      "Number of stored file records.",
		}),
		StoredBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_bytes",
			Help:      "Bytes of stored content after compression.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Executed commands by name and result code.",
		}, []string{"command", "code"}),
		ConfigUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Runtime configuration updates by outcome.",
		}, []string{"outcome"}),
		ModuleToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_toggles_total",
			Help:      "Module toggles by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RPCCalls, m.RPCDuration,
		m.CallbackDelivered, m.CallbackFailed, m.CallbackEvicted, m.CallbacksActive,
		m.FileOps, m.IntegrityFailures, m.FilesStored, m.StoredBytes,
		m.Commands, m.ConfigUpdates, m.ModuleToggles,
	)
	return m
}

// Registry returns the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRPC records one IPC call.
func (m *Metrics) ObserveRPC(operation, outcome string, d time.Duration) {
	m.RPCCalls.WithLabelValues(operation, outcome).Inc()
	m.RPCDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveFileOp records one file store operation.
func (m *Metrics) ObserveFileOp(operation string, ok bool) {
	result := OutcomeOK
	if !ok {
		result = OutcomeError
	}
	m.FileOps.WithLabelValues(operation, result).Inc()
}

// Callbacks adapts m to callback.Observer.
func (m *Metrics) Callbacks() callback.Observer {
	return callbackObserver{m}
}

type callbackObserver struct{ m *Metrics }

func (o callbackObserver) Delivered(k callback.Kind) {
	o.m.CallbackDelivered.WithLabelValues(k.String()).Inc()
}

func (o callbackObserver) Failed(k callback.Kind) {
	o.m.CallbackFailed.WithLabelValues(k.String()).Inc()
}

func (o callbackObserver) Evicted(callback.Handle, error) {
	o.m.CallbackEvicted.Inc()
}
