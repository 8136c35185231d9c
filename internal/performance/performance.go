// Package performance is the MetricsEngine (spec §4.6), named apart from
// the repo's operational metrics/ package (Prometheus) since this one
// computes domain performance, health, and exposure figures, not process
// telemetry.
package performance

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/singleflight"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/money"
)

// HealthStatus is assessHealth's overall verdict (spec §4.6).
type HealthStatus string

const (
	Healthy  HealthStatus = "HEALTHY"
	Warning  HealthStatus = "WARNING"
	Critical HealthStatus = "CRITICAL"
)

// Summary is getSummary's output: an aggregate across all pools.
type Summary struct {
	TotalPools       int
	TotalCapital     money.Amount
	TotalAvailable   money.Amount
	TotalDeployed    money.Amount
	TotalReserved    money.Amount
	ByStatus         map[ledger.PoolStatus]int
	ByTier           map[ledger.RiskTier]int
	AvgReturnRate    money.Amount
	Timestamp        time.Time
}

// FarmerConcentration is one entry in a performance report's concentration
// breakdown (spec §4.6 "top-5 farmer exposures as a percentage of deployed").
type FarmerConcentration struct {
	FarmerID     string
	Exposure     money.Amount
	PctDeployed  money.Amount
}

// Report is getPerformance's output.
type Report struct {
	PoolID          string
	Start, End      time.Time
	CompletionRate  money.Amount
	DefaultRate     money.Amount
	TotalDisbursed  money.Amount
	TotalRepaid     money.Amount
	TotalFees       money.Amount
	TotalLosses     money.Amount
	ProfitMargin    money.Amount
	AnnualizedROI   money.Amount
	Concentration   []FarmerConcentration
}

// HealthAssessment is assessHealth's output.
type HealthAssessment struct {
	PoolID       string
	Score        money.Amount
	Status       HealthStatus
	Liquidity    money.Amount
	Performance  money.Amount
	Concentration money.Amount
	Activity     money.Amount
}

// Engine is the MetricsEngine.
type Engine struct {
	store ledger.Store
	accel balancecache.Accelerator

	balanceSnapshotTTL time.Duration
	poolSummaryTTL     time.Duration
	maxUtilizationPct  money.Amount

	mu           sync.Mutex
	summaryCache *Summary
	summaryAt    time.Time

	recompute singleflight.Group
}

// New builds an Engine.
func New(store ledger.Store, accel balancecache.Accelerator, balanceSnapshotTTL, poolSummaryTTL time.Duration, maxUtilizationPct money.Amount) *Engine {
	return &Engine{store: store, accel: accel, balanceSnapshotTTL: balanceSnapshotTTL, poolSummaryTTL: poolSummaryTTL, maxUtilizationPct: maxUtilizationPct}
}

// GetBalance is getBalance: cache hit, or recompute from the store and
// active reservations (spec §4.6, target p95 latency <= 100ms). Concurrent
// misses for the same pool share one recompute via singleflight rather than
// each hitting the store and accelerator independently.
func (e *Engine) GetBalance(ctx context.Context, poolID string) (balancecache.Snapshot, error) {
	if snap, ok, err := e.accel.GetSnapshot(ctx, poolID); err == nil && ok {
		return snap, nil
	}

	v, err, _ := e.recompute.Do(poolID, func() (interface{}, error) {
		pool, err := e.store.ReadPool(ctx, poolID)
		if err != nil {
			return nil, err
		}
		var reservations map[string]money.Amount
		if !e.accel.Degraded() {
			reservations, _ = e.accel.ActiveReservations(ctx, poolID)
		}
		snap := balancecache.ComputeSnapshot(pool, reservations, e.maxUtilizationPct)
		_ = e.accel.PutSnapshot(ctx, poolID, snap, e.balanceSnapshotTTL)
		return snap, nil
	})
	if err != nil {
		return balancecache.Snapshot{}, err
	}
	return v.(balancecache.Snapshot), nil
}

// GetBalances is the batch form. It performs a single cache multi-get and
// (for misses only) a single store read, per spec §4.6.
func (e *Engine) GetBalances(ctx context.Context, poolIDs []string) (map[string]balancecache.Snapshot, error) {
	out, err := e.accel.GetSnapshots(ctx, poolIDs)
	if err != nil {
		out = map[string]balancecache.Snapshot{}
	}

	var missing []string
	for _, id := range poolIDs {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	pools, err := e.store.ReadPoolsByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, pool := range pools {
		var reservations map[string]money.Amount
		if !e.accel.Degraded() {
			reservations, _ = e.accel.ActiveReservations(ctx, pool.ID)
		}
		snap := balancecache.ComputeSnapshot(pool, reservations, e.maxUtilizationPct)
		out[pool.ID] = snap
		_ = e.accel.PutSnapshot(ctx, pool.ID, snap, e.balanceSnapshotTTL)
	}
	return out, nil
}

// GetSummary is getSummary, cacheable for up to poolSummaryTTL (spec §4.6).
func (e *Engine) GetSummary(ctx context.Context) (Summary, error) {
	e.mu.Lock()
	if e.summaryCache != nil && time.Since(e.summaryAt) < e.poolSummaryTTL {
		cached := *e.summaryCache
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	pools, err := e.store.ReadPools(ctx, ledger.Filter{})
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		ByStatus:  map[ledger.PoolStatus]int{},
		ByTier:    map[ledger.RiskTier]int{},
		Timestamp: time.Now(),
	}
	totalReturnRate := money.Zero
	for _, p := range pools {
		s.TotalPools++
		s.TotalCapital = s.TotalCapital.Add(p.TotalCapital)
		s.TotalAvailable = s.TotalAvailable.Add(p.AvailableCapital)
		s.TotalDeployed = s.TotalDeployed.Add(p.DeployedCapital)
		s.TotalReserved = s.TotalReserved.Add(p.ReservedCapital)
		s.ByStatus[p.Status]++
		s.ByTier[p.RiskTier]++
		totalReturnRate = totalReturnRate.Add(p.ActualReturnRate)
	}
	if s.TotalPools > 0 {
		s.AvgReturnRate = totalReturnRate.Div(money.FromInt(int64(s.TotalPools)))
	}

	e.mu.Lock()
	cached := s
	e.summaryCache = &cached
	e.summaryAt = s.Timestamp
	e.mu.Unlock()

	return s, nil
}

// GetPerformance is getPerformance (spec §4.6).
func (e *Engine) GetPerformance(ctx context.Context, poolID string, start, end time.Time) (Report, error) {
	pool, err := e.store.ReadPool(ctx, poolID)
	if err != nil {
		return Report{}, err
	}
	summary, err := e.store.GetTransactionSummary(ctx, poolID, start, end)
	if err != nil {
		return Report{}, err
	}

	issued := pool.TotalAdvancesIssued
	if issued < 1 {
		issued = 1
	}
	completionRate := money.FromInt(pool.TotalAdvancesCompleted).Mul(money.FromInt(100)).Div(money.FromInt(issued))

	totalDisbursed := summary.ByType[ledger.TxAdvanceDisbursement].Total
	totalRepaid := summary.ByType[ledger.TxAdvanceRepayment].Total
	totalFees := summary.ByType[ledger.TxFeeCollection].Total.Add(summary.ByType[ledger.TxPenaltyFee].Total)
	totalLosses := summary.ByType[ledger.TxAdjustment].Total.Neg()
	if totalLosses.IsNegative() {
		// A net-positive ADJUSTMENT bucket (corrections, not defaults)
		// contributes no loss.
		totalLosses = money.Zero
	}

	grossProfit := totalFees.Sub(totalLosses)
	profitMargin := money.Zero
	if totalDisbursed.IsPositive() {
		profitMargin = grossProfit.Div(totalDisbursed).Mul(money.FromInt(100))
	}

	annualizedROI := money.Zero
	daysInPeriod := end.Sub(start).Hours() / 24
	if pool.TotalCapital.IsPositive() && daysInPeriod > 0 {
		annualizedROI = grossProfit.Div(pool.TotalCapital).
			Mul(money.FromInt(365)).
			Div(money.FromFloat(daysInPeriod)).
			Mul(money.FromInt(100))
	}

	concentration, err := e.concentration(ctx, pool, start, end)
	if err != nil {
		return Report{}, err
	}

	return Report{
		PoolID:         poolID,
		Start:          start,
		End:            end,
		CompletionRate: completionRate,
		DefaultRate:    pool.DefaultRate,
		TotalDisbursed: totalDisbursed,
		TotalRepaid:    totalRepaid,
		TotalFees:      totalFees,
		TotalLosses:    totalLosses,
		ProfitMargin:   profitMargin,
		AnnualizedROI:  annualizedROI,
		Concentration:  concentration,
	}, nil
}

// concentration computes the top-5 farmer exposures as a percentage of
// deployedCapital, from disbursement/repayment metadata in the period.
func (e *Engine) concentration(ctx context.Context, pool *ledger.Pool, start, end time.Time) ([]FarmerConcentration, error) {
	filter := ledger.TransactionFilter{
		Types: []ledger.TransactionType{ledger.TxAdvanceDisbursement, ledger.TxAdvanceRepayment},
		From:  &start,
		To:    &end,
	}
	txns, err := e.store.GetTransactions(ctx, pool.ID, filter, ledger.Page{Limit: 10000})
	if err != nil {
		return nil, err
	}

	farmerIDs := mapset.NewSet[string]()
	exposures := map[string]money.Amount{}
	for _, t := range txns {
		id, _ := t.Metadata["farmerId"].(string)
		if id == "" {
			continue
		}
		farmerIDs.Add(id)
		switch t.Type {
		case ledger.TxAdvanceDisbursement:
			exposures[id] = exposures[id].Add(t.Amount)
		case ledger.TxAdvanceRepayment:
			exposures[id] = exposures[id].Sub(t.Amount)
		}
	}

	entries := make([]FarmerConcentration, 0, farmerIDs.Cardinality())
	for _, id := range farmerIDs.ToSlice() {
		exp := exposures[id]
		if exp.IsNegative() || exp.IsZero() {
			continue
		}
		pct := money.Zero
		if pool.DeployedCapital.IsPositive() {
			pct = exp.Div(pool.DeployedCapital).Mul(money.FromInt(100))
		}
		entries = append(entries, FarmerConcentration{FarmerID: id, Exposure: exp, PctDeployed: pct})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Exposure.GreaterThan(entries[j].Exposure)
	})
	if len(entries) > 5 {
		entries = entries[:5]
	}
	return entries, nil
}

// AssessHealth is assessHealth (spec §4.6 weighted score).
func (e *Engine) AssessHealth(ctx context.Context, poolID string) (HealthAssessment, error) {
	snap, err := e.GetBalance(ctx, poolID)
	if err != nil {
		return HealthAssessment{}, err
	}
	now := time.Now()
	perf, err := e.GetPerformance(ctx, poolID, now.AddDate(0, -3, 0), now)
	if err != nil {
		return HealthAssessment{}, err
	}
	pool, err := e.store.ReadPool(ctx, poolID)
	if err != nil {
		return HealthAssessment{}, err
	}

	topExposurePct := money.Zero
	if len(perf.Concentration) > 0 {
		topExposurePct = perf.Concentration[0].PctDeployed
	}

	liquidity := money.Min(money.FromInt(100), snap.ReserveRatio.Mul(money.FromInt(5)))
	liquidity = money.Max(money.Zero, liquidity)

	performanceScore := money.FromInt(100).Sub(perf.DefaultRate.Mul(money.FromInt(10)))
	performanceScore = money.Max(money.Zero, performanceScore)

	concentrationScore := money.FromInt(100).Sub(topExposurePct.Mul(money.FromInt(2)))
	concentrationScore = money.Max(money.Zero, concentrationScore)

	activity := money.Min(money.FromInt(100), money.FromInt(pool.TotalAdvancesActive).Mul(money.FromInt(10)))
	activity = money.Max(money.Zero, activity)

	overall := liquidity.Mul(money.MustNew("0.30")).
		Add(performanceScore.Mul(money.MustNew("0.35"))).
		Add(concentrationScore.Mul(money.MustNew("0.20"))).
		Add(activity.Mul(money.MustNew("0.15")))

	status := Critical
	if overall.GreaterThanOrEqual(money.FromInt(70)) {
		status = Healthy
	} else if overall.GreaterThanOrEqual(money.FromInt(40)) {
		status = Warning
	}

	return HealthAssessment{
		PoolID:        poolID,
		Score:         overall.RoundToScale(),
		Status:        status,
		Liquidity:     liquidity,
		Performance:   performanceScore,
		Concentration: concentrationScore,
		Activity:      activity,
	}, nil
}
