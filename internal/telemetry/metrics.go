package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors exposed by the runtime. A single
// instance is created per Engine and passed to each capability pool (via
// pool.PromMetrics) rather than reached through package-level globals.
// The governor, breaker and operation tracker constructors do not take
// it, so GovernorPressure, BreakerState, the Operation* collectors and
// MemorySearchLatency are registered but not updated by those components.
type Metrics struct {
	Registry *prometheus.Registry

	PoolDispatches     *prometheus.CounterVec
	PoolErrors         *prometheus.CounterVec
	PoolTimeouts       *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec
	WorkersSpawned     *prometheus.CounterVec
	WorkersEvicted     *prometheus.CounterVec
	MemoryUsedMB       *prometheus.GaugeVec
	GovernorPressure   prometheus.Gauge
	BreakerState       *prometheus.GaugeVec
	OperationsActive   prometheus.Gauge
	OperationsStarted  prometheus.Counter
	OperationsFailed   prometheus.Counter
	OperationDuration  *prometheus.HistogramVec
	MemorySearchLatency prometheus.Histogram
}

// NewMetrics registers and returns a fresh collector set against a new
// registry. NewServer in this package serves that registry over HTTP at
// /metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PoolDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infernod_pool_dispatches_total",
			Help: "Total dispatch attempts per capability and registry key.",
		}, []string{"capability", "key"}),
		PoolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infernod_pool_errors_total",
			Help: "Total dispatch errors per capability and registry key.",
		}, []string{"capability", "key"}),
		PoolTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infernod_pool_timeouts_total",
			Help: "Total request timeouts per capability and registry key.",
		}, []string{"capability", "key"}),
		CircuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infernod_circuit_rejections_total",
			Help: "Total requests rejected by an open circuit breaker.",
		}, []string{"capability", "key"}),
		WorkersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infernod_workers_spawned_total",
			Help: "Total workers spawned per capability and registry key.",
		}, []string{"capability", "key"}),
		WorkersEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "infernod_workers_evicted_total",
			Help: "Total workers evicted per capability and registry key.",
		}, []string{"capability", "key"}),
		MemoryUsedMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "infernod_governor_memory_used_mb",
			Help: "Memory currently reserved by live workers, in MB.",
		}, []string{"capability"}),
		GovernorPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "infernod_governor_pressure",
			Help: "Current governor pressure level (0=Low,1=Normal,2=High,3=Critical).",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "infernod_breaker_state",
			Help: "Circuit breaker state per key (0=Closed,1=Open,2=HalfOpen).",
		}, []string{"capability", "key"}),
		OperationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "infernod_operations_active",
			Help: "In-flight operation count tracked by the operation tracker.",
		}),
		OperationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "infernod_operations_started_total",
			Help: "Total operations started.",
		}),
		OperationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "infernod_operations_failed_total",
			Help: "Total operations that ended in failure.",
		}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "infernod_operation_duration_seconds",
			Help:    "Operation duration distribution by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		MemorySearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "infernod_memory_search_latency_seconds",
			Help:    "Cognitive memory search latency distribution.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PoolDispatches, m.PoolErrors, m.PoolTimeouts, m.CircuitRejections,
		m.WorkersSpawned, m.WorkersEvicted, m.MemoryUsedMB, m.GovernorPressure,
		m.BreakerState, m.OperationsActive, m.OperationsStarted, m.OperationsFailed,
		m.OperationDuration, m.MemorySearchLatency,
	)

	return m
}
