// Package metrics exposes Prometheus metrics for the orchestrator.
//
// All metrics are registered on a private registry so tests can build as many
// instances as they like. Methods are nil-safe: a nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reelbatch.io/orchestrator/internal/domain"
	"reelbatch.io/orchestrator/internal/pkg/worker"
)

const namespace = "reelbatch"

// Metrics holds the orchestrator's collectors.
type Metrics struct {
	registry *prometheus.Registry

	rowsSettled      *prometheus.CounterVec
	unitAttempts     *prometheus.CounterVec
	unitDuration     *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	creditsReserved  prometheus.Counter
	creditsCharged   prometheus.Counter
	creditsRefunded  prometheus.Counter
	batchTransitions *prometheus.CounterVec
	stitches         *prometheus.CounterVec
	stitchDuration   *prometheus.HistogramVec
	activeLanes      prometheus.Gauge
}

// New creates and registers the collectors, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		rowsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_settled_total",
			Help:      "Rows reaching a terminal state, by status and error kind.",
		}, []string{"status", "kind"}),
		unitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_attempts_total",
			Help:      "Unit render attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_attempt_duration_seconds",
			Help:      "Wall time of one unit attempt from submit to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"provider"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Classified provider errors.",
		}, []string{"provider", "kind"}),
		creditsReserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_reserved_total",
			Help:      "Credits placed on hold for rows.",
		}),
		creditsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_charged_total",
			Help:      "Credits permanently charged for completed rows.",
		}),
		creditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_refunded_total",
			Help:      "Credits released back to users.",
		}),
		batchTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transitions_total",
			Help:      "Batch state transitions by target status.",
		}, []string{"status"}),
		stitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stitches_total",
			Help:      "Stitch operations by scope and outcome.",
		}, []string{"scope", "outcome"}),
		stitchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stitch_duration_seconds",
			Help:      "Stitch composition time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope"}),
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lanes",
			Help:      "Row execution lanes currently running across all batches.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rowsSettled,
		m.unitAttempts,
		m.unitDuration,
		m.providerErrors,
		m.creditsReserved,
		m.creditsCharged,
		m.creditsRefunded,
		m.batchTransitions,
		m.stitches,
		m.stitchDuration,
		m.activeLanes,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterPools exports worker pool occupancy as gauges.
func (m *Metrics) RegisterPools(pools *worker.Pools) {
	if m == nil || pools == nil {
		return
	}
	for _, name := range []string{worker.PoolGeneral, worker.PoolRows} {
		name := name
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "worker_pool_running",
				Help:        "Running workers per pool.",
				ConstLabels: prometheus.Labels{"pool": name},
			}, func() float64 { return float64(pools.Metrics()[name].Running) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "worker_pool_capacity",
				Help:        "Capacity per pool.",
				ConstLabels: prometheus.Labels{"pool": name},
			}, func() float64 { return float64(pools.Metrics()[name].Cap) }),
		)
	}
}

func (m *Metrics) RowSettled(status domain.RowStatus, kind domain.ErrorKind) {
	if m == nil {
		return
	}
	k := string(kind)
	if k == "" {
		k = "none"
	}
	m.rowsSettled.WithLabelValues(string(status), k).Inc()
}

func (m *Metrics) UnitAttempt(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.unitAttempts.WithLabelValues(provider, outcome).Inc()
	m.unitDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ProviderError(provider string, kind domain.ErrorKind) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, string(kind)).Inc()
}

func (m *Metrics) CreditsReserved(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsReserved.Add(float64(n))
}

func (m *Metrics) CreditsCharged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsCharged.Add(float64(n))
}

func (m *Metrics) CreditsRefunded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsRefunded.Add(float64(n))
}

func (m *Metrics) BatchTransition(to domain.BatchStatus) {
	if m == nil {
		return
	}
	m.batchTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) Stitch(scope, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stitches.WithLabelValues(scope, outcome).Inc()
	m.stitchDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) LaneStarted() {
	if m == nil {
		return
	}
	m.activeLanes.Inc()
}

func (m *Metrics) LaneStopped() {
	if m == nil {
		return
	}
	m.activeLanes.Dec()
}
