package balancecache

import (
	"time"

	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/money"
)

// ComputeSnapshot derives a BalanceSnapshot from durable pool state plus the
// sum of currently active reservations (spec §3). Callers that hit the cache
// never call this; it backs both the cache-miss path and the fallback path
// when the accelerator is degraded.
func ComputeSnapshot(pool *ledger.Pool, activeReservations map[string]money.Amount, maxUtilizationPct money.Amount) Snapshot {
	reservationSum := money.Zero
	for _, amt := range activeReservations {
		reservationSum = reservationSum.Add(amt)
	}

	requiredReserve := pool.TotalCapital.Pct(pool.MinReserveRatio.Decimal())

	effectiveAvailable := pool.AvailableCapital.Sub(reservationSum).Sub(requiredReserve)
	if effectiveAvailable.IsNegative() {
		effectiveAvailable = money.Zero
	}

	utilizationRate := ratioPct(pool.DeployedCapital, pool.TotalCapital)
	reserveRatio := ratioPct(pool.AvailableCapital, pool.TotalCapital)

	isHealthy := pool.Status == ledger.StatusActive &&
		reserveRatio.GreaterThanOrEqual(pool.MinReserveRatio) &&
		utilizationRate.LessThanOrEqual(maxUtilizationPct)

	return Snapshot{
		PoolID:             pool.ID,
		TotalCapital:       pool.TotalCapital,
		AvailableCapital:   pool.AvailableCapital,
		DeployedCapital:    pool.DeployedCapital,
		ReservedCapital:    pool.ReservedCapital,
		EffectiveAvailable: effectiveAvailable,
		UtilizationRate:    utilizationRate,
		ReserveRatio:       reserveRatio,
		IsHealthy:          isHealthy,
		Timestamp:          time.Now(),
		FromCache:          false,
	}
}

// ratioPct returns num/den*100, or zero when den is zero (an unfunded pool
// has no meaningful ratio rather than a division error).
func ratioPct(num, den money.Amount) money.Amount {
	if den.IsZero() {
		return money.Zero
	}
	return num.Div(den).Mul(money.FromInt(100))
}
