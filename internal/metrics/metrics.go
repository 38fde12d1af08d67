// Package metrics holds the Prometheus collectors for settlement, the limbo
// monitor and the chain mirror.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whiplash"

// Metrics is the set of collectors shared by the services.
type Metrics struct {
	registry *prometheus.Registry

	settlements       *prometheus.CounterVec
	settlementErrors  *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
	lockWait          prometheus.Histogram

	openPositions      prometheus.Gauge
	positionsByStatus  *prometheus.GaugeVec
	limboTransitions   *prometheus.CounterVec
	monitorSweep       prometheus.Histogram
	mirrorSyncs        *prometheus.CounterVec
	upstreamFallbacks  *prometheus.CounterVec
	archivedSettlement prometheus.Counter
}

// New creates and registers every collector on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "committed_total",
			Help:      "number of committed settlements by kind",
		}, []string{"kind"}),
		settlementErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "rejected_total",
			Help:      "number of rejected settlement requests by kind and reason",
		}, []string{"kind", "reason"}),
		settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "time to settle a request, including locking and journaling",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "lock_wait_seconds",
			Help:      "time spent waiting for the distributed pool lock",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "open",
			Help:      "number of open leveraged positions",
		}),
		positionsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "by_status",
			Help:      "open positions by health status at the last monitor sweep",
		}, []string{"status"}),
		limboTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "transitions_total",
			Help:      "position status transitions observed by the limbo monitor",
		}, []string{"from", "to"}),
		monitorSweep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sweep_seconds",
			Help:      "duration of one limbo monitor sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		mirrorSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "syncs_total",
			Help:      "chain mirror sync attempts by result",
		}, []string{"result"}),
		upstreamFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "stale_total",
			Help:      "responses served from stale cache because an upstream failed",
		}, []string{"upstream"}),
		archivedSettlement: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "settlements_total",
			Help:      "settlements moved to cold storage",
		}),
	}

	err := errors.Join(
		m.registry.Register(collectors.NewGoCollector()),
		m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
		m.registry.Register(m.settlements),
		m.registry.Register(m.settlementErrors),
		m.registry.Register(m.settlementLatency),
		m.registry.Register(m.lockWait),
		m.registry.Register(m.openPositions),
		m.registry.Register(m.positionsByStatus),
		m.registry.Register(m.limboTransitions),
		m.registry.Register(m.monitorSweep),
		m.registry.Register(m.mirrorSyncs),
		m.registry.Register(m.upstreamFallbacks),
		m.registry.Register(m.archivedSettlement),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSettlement records the outcome of one settlement request. A nil
// receiver is a no-op so services can run without metrics.
func (m *Metrics) ObserveSettlement(kind, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.settlementLatency.WithLabelValues(kind).Observe(took.Seconds())
	if reason == "" {
		m.settlements.WithLabelValues(kind).Inc()
		return
	}
	m.settlementErrors.WithLabelValues(kind, reason).Inc()
}

// ObserveLockWait records how long a pool lock took to acquire.
func (m *Metrics) ObserveLockWait(took time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(took.Seconds())
}

// SetPositionCounts publishes the status breakdown from a monitor sweep.
func (m *Metrics) SetPositionCounts(byStatus map[string]int, took time.Duration) {
	if m == nil {
		return
	}
	total := 0
	m.positionsByStatus.Reset()
	for status, n := range byStatus {
		m.positionsByStatus.WithLabelValues(status).Set(float64(n))
		total += n
	}
	m.openPositions.Set(float64(total))
	m.monitorSweep.Observe(took.Seconds())
}

// IncTransition counts one status transition.
func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.limboTransitions.WithLabelValues(from, to).Inc()
}

// IncMirrorSync counts a mirror sync attempt.
func (m *Metrics) IncMirrorSync(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.mirrorSyncs.WithLabelValues(result).Inc()
}

// IncStale counts a stale-cache fallback for an upstream.
func (m *Metrics) IncStale(upstream string) {
	if m == nil {
		return
	}
	m.upstreamFallbacks.WithLabelValues(upstream).Inc()
}

// AddArchived counts archived settlements.
func (m *Metrics) AddArchived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.archivedSettlement.Add(float64(n))
}
