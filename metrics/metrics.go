// Package metrics exposes the engine's operational counters and gauges via
// github.com/prometheus/client_golang, in place of the teacher's
// geth-registry-backed Gatherer (which bridges an internal go-ethereum
// metrics.Registry that this module has no use for — there is no EVM node
// registry here to adapt; pools report counts and balances directly to
// Prometheus collectors instead).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agrofin/lpce/internal/ledger"
)

// Collectors holds every metric the engine reports. Register it against a
// prometheus.Registerer once at startup (see cmd/lpce-admin's serve command).
type Collectors struct {
	AllocationsTotal   *prometheus.CounterVec
	ReleasesTotal      *prometheus.CounterVec
	DefaultsTotal      *prometheus.CounterVec
	ReservationsTotal  *prometheus.CounterVec
	LockWaitSeconds    prometheus.Histogram
	DegradedMode       prometheus.Gauge
	PoolAvailableGauge *prometheus.GaugeVec
	PoolReservedGauge  *prometheus.GaugeVec
	PoolDeployedGauge  *prometheus.GaugeVec
}

// New builds a fresh Collectors set, unregistered.
func New() *Collectors {
	return &Collectors{
		AllocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lpce",
			Name:      "allocations_total",
			Help:      "Capital allocations attempted, labeled by outcome.",
		}, []string{"outcome"}),
		ReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lpce",
			Name:      "releases_total",
			Help:      "Capital releases processed, labeled by release type.",
		}, []string{"type"}),
		DefaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lpce",
			Name:      "defaults_total",
			Help:      "Advance defaults recognized, labeled by pool.",
		}, []string{"pool_id"}),
		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lpce",
			Name:      "reservations_total",
			Help:      "Reservation lifecycle events, labeled by outcome (created|committed|released|expired).",
		}, []string{"outcome"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lpce",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the per-pool distributed lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		DegradedMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lpce",
			Name:      "cache_degraded",
			Help:      "1 when the BalanceCache accelerator is running in degraded/no-op mode.",
		}),
		PoolAvailableGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lpce",
			Name:      "pool_available_capital",
			Help:      "Last-observed availableCapital per pool.",
		}, []string{"pool_id"}),
		PoolReservedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lpce",
			Name:      "pool_reserved_capital",
			Help:      "Last-observed reservedCapital per pool.",
		}, []string{"pool_id"}),
		PoolDeployedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lpce",
			Name:      "pool_deployed_capital",
			Help:      "Last-observed deployedCapital per pool.",
		}, []string{"pool_id"}),
	}
}

// MustRegister registers every collector against reg, panicking on a
// duplicate-registration bug the way prometheus.MustRegister always does.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.AllocationsTotal,
		c.ReleasesTotal,
		c.DefaultsTotal,
		c.ReservationsTotal,
		c.LockWaitSeconds,
		c.DegradedMode,
		c.PoolAvailableGauge,
		c.PoolReservedGauge,
		c.PoolDeployedGauge,
	)
}

// ObservePool updates the three capital gauges from a freshly read pool row.
func (c *Collectors) ObservePool(p *ledger.Pool) {
	c.PoolAvailableGauge.WithLabelValues(p.ID).Set(p.AvailableCapital.Decimal().InexactFloat64())
	c.PoolReservedGauge.WithLabelValues(p.ID).Set(p.ReservedCapital.Decimal().InexactFloat64())
	c.PoolDeployedGauge.WithLabelValues(p.ID).Set(p.DeployedCapital.Decimal().InexactFloat64())
}
