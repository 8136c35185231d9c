// Package allocation implements the AllocationEngine (spec §4.4): pool
// selection, constraint validation, fee calculation, and the atomic commit
// that deploys capital against an advance.
package allocation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/events"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
	"github.com/agrofin/lpce/internal/retry"
)

// Priority selects the pool-ranking strategy of selectOptimal (spec §4.4).
type Priority string

const (
	LowestRisk       Priority = "LOWEST_RISK"
	HighestAvailable Priority = "HIGHEST_AVAILABLE"
	BestReturn       Priority = "BEST_RETURN"
	RoundRobin       Priority = "ROUND_ROBIN"
	Weighted         Priority = "WEIGHTED"
)

// FeeSchedule is one risk tier's farmer/buyer fee percentages.
type FeeSchedule struct {
	FarmerPct money.Amount
	BuyerPct  money.Amount
}

// FeeTable is spec §6's bit-exact default fee schedule.
var FeeTable = map[ledger.RiskTier]FeeSchedule{
	ledger.TierA: {FarmerPct: money.MustNew("2.00"), BuyerPct: money.MustNew("1.00")},
	ledger.TierB: {FarmerPct: money.MustNew("2.50"), BuyerPct: money.MustNew("1.25")},
	ledger.TierC: {FarmerPct: money.MustNew("3.50"), BuyerPct: money.MustNew("1.75")},
}

// Weights parameterizes the WEIGHTED priority's composite score (spec §9
// open question, resolved as configuration).
type Weights struct {
	DefaultRate float64
	Available   float64
	Return      float64
}

// Request is allocateCapital's input (spec §4.4).
type Request struct {
	AdvanceID       string
	FarmerID        string
	OrderID         string
	RequestedAmount money.Amount
	Currency        string
	RiskTier        ledger.RiskTier
	CreditScore     int
	PreferredPoolID string
	Priority        Priority
	Weights         Weights

	// MaxSingleAdvanceRatioPct enforces I4 (default 10, spec §6).
	MaxSingleAdvanceRatioPct float64
}

// FeeBreakdown is the fee amounts computed for an allocation.
type FeeBreakdown struct {
	FarmerFee money.Amount
	BuyerFee  money.Amount
}

// Result is allocateCapital's output (spec §4.4 step 7).
type Result struct {
	PoolID          string
	TransactionID   string
	BalanceBefore   money.Amount
	BalanceAfter    money.Amount
	Fees            FeeBreakdown
	AllocatedAt     time.Time
}

// Engine is the AllocationEngine.
type Engine struct {
	store             ledger.Store
	accel             balancecache.Accelerator
	bus               *events.Bus
	lockLease         time.Duration
	lockTimeout       time.Duration
	maxUtilizationPct money.Amount

	mu              sync.Mutex
	lastAllocatedAt map[string]time.Time // for ROUND_ROBIN
}

// New builds an Engine.
func New(store ledger.Store, accel balancecache.Accelerator, bus *events.Bus, lockLease, lockTimeout time.Duration, maxUtilizationPct money.Amount) *Engine {
	return &Engine{
		store:             store,
		accel:             accel,
		bus:               bus,
		lockLease:         lockLease,
		lockTimeout:       lockTimeout,
		maxUtilizationPct: maxUtilizationPct,
		lastAllocatedAt:   map[string]time.Time{},
	}
}

// Allocate runs the full allocateCapital algorithm (spec §4.4 steps 1-7).
func (e *Engine) Allocate(ctx context.Context, req Request) (*Result, error) {
	if req.RequestedAmount.IsZero() || req.RequestedAmount.IsNegative() {
		return nil, lpceerr.New(lpceerr.ValidationError, "requested amount must be positive")
	}

	pool, err := e.selectPool(ctx, req)
	if err != nil {
		return nil, err
	}

	if pool.Status != ledger.StatusActive {
		return nil, lpceerr.New(lpceerr.PoolPaused, "pool %s is not active (status=%s)", pool.ID, pool.Status)
	}
	if err := validateAmount(pool, req); err != nil {
		return nil, err
	}

	fees := computeFees(req.RequestedAmount, req.RiskTier)

	var result *Result
	err = e.withLock(ctx, pool.ID, func() error {
		return retry.Do(ctx, retry.Default, func() error {
			return e.commitAllocation(ctx, pool.ID, req, fees, &result)
		})
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.lastAllocatedAt[pool.ID] = time.Now()
	e.mu.Unlock()

	return result, nil
}

// commitAllocation is the atomic commit step (spec §4.4 step 7), retried
// internally on ConcurrentMutation per spec §7's retry-policy column —
// a serializable-transaction conflict here means another allocation/release
// on the same pool committed first, not a caller-visible failure.
func (e *Engine) commitAllocation(ctx context.Context, poolID string, req Request, fees FeeBreakdown, result **Result) error {
	return e.store.WithPoolLock(ctx, poolID, func(ctx context.Context, tx ledger.Tx) error {
			fresh := tx.Pool()
			if fresh.Status != ledger.StatusActive {
				return lpceerr.New(lpceerr.PoolPaused, "pool %s is not active (status=%s)", fresh.ID, fresh.Status)
			}
			if err := validateAmount(fresh, req); err != nil {
				return err
			}
			newAvailable := fresh.AvailableCapital.Sub(req.RequestedAmount)
			requiredReserve := fresh.TotalCapital.Pct(fresh.MinReserveRatio.Decimal())
			if newAvailable.LessThan(requiredReserve) {
				return lpceerr.New(lpceerr.ReserveRatioViolation,
					"allocating %s would leave available %s below required reserve %s", req.RequestedAmount, newAvailable, requiredReserve)
			}

			if req.FarmerID != "" && fresh.MaxExposureLimit.IsPositive() {
				exposure, err := e.store.FarmerExposure(ctx, fresh.ID, req.FarmerID)
				if err != nil {
					return err
				}
				if exposure.Add(req.RequestedAmount).GreaterThan(fresh.MaxExposureLimit) {
					return lpceerr.New(lpceerr.FarmerLimitExceeded,
						"farmer %s exposure %s + %s would exceed pool limit %s", req.FarmerID, exposure, req.RequestedAmount, fresh.MaxExposureLimit)
				}
			}

			before := balancecache.ComputeSnapshot(fresh, nil, e.maxUtilizationPct)

			delta := ledger.BalanceDelta{
				AvailableDelta: req.RequestedAmount.Neg(),
				DeployedDelta:  req.RequestedAmount,
				IssuedDelta:    1,
				ActiveDelta:    1,
				TotalDisbursedDelta: req.RequestedAmount,
			}
			txn := &ledger.PoolTransaction{
				PoolID:           fresh.ID,
				Type:             ledger.TxAdvanceDisbursement,
				Amount:           req.RequestedAmount,
				Description:      "advance disbursement",
				RelatedAdvanceID: req.AdvanceID,
				Metadata: map[string]interface{}{
					"advanceId":   req.AdvanceID,
					"farmerId":    req.FarmerID,
					"orderId":     req.OrderID,
					"riskTier":    string(req.RiskTier),
					"creditScore": req.CreditScore,
					"farmerFee":   fees.FarmerFee.String(),
					"buyerFee":    fees.BuyerFee.String(),
				},
			}
			if err := tx.ApplyBalanceDelta(ctx, delta, txn); err != nil {
				return err
			}

			after := balancecache.ComputeSnapshot(tx.Pool(), nil, e.maxUtilizationPct)

			*result = &Result{
				PoolID:        fresh.ID,
				TransactionID: txn.ID,
				BalanceBefore: txn.BalanceBefore,
				BalanceAfter:  txn.BalanceAfter,
				Fees:          fees,
				AllocatedAt:   txn.CreatedAt,
			}

			if !e.accel.Degraded() {
				_ = e.accel.InvalidateSnapshot(ctx, fresh.ID)
			}
			e.bus.PublishBalanceChanged(ctx, fresh.ID, req.RequestedAmount, before, after, req.AdvanceID, ledger.RelatedAdvance)
			return nil
	})
}

func computeFees(amount money.Amount, tier ledger.RiskTier) FeeBreakdown {
	sched := FeeTable[tier]
	return FeeBreakdown{
		FarmerFee: amount.Pct(sched.FarmerPct.Decimal()).RoundToScale(),
		BuyerFee:  amount.Pct(sched.BuyerPct.Decimal()).RoundToScale(),
	}
}

func validateAmount(pool *ledger.Pool, req Request) error {
	if req.RequestedAmount.LessThan(pool.MinAdvanceAmount) {
		return lpceerr.New(lpceerr.AmountBelowMinimum, "amount %s below pool minimum %s", req.RequestedAmount, pool.MinAdvanceAmount)
	}
	if req.RequestedAmount.GreaterThan(pool.MaxAdvanceAmount) {
		return lpceerr.New(lpceerr.AmountAboveMaximum, "amount %s exceeds pool maximum %s", req.RequestedAmount, pool.MaxAdvanceAmount)
	}
	ratio := req.MaxSingleAdvanceRatioPct
	if ratio <= 0 {
		ratio = 10
	}
	maxSingle := pool.TotalCapital.Pct(money.FromFloat(ratio).Decimal())
	if req.RequestedAmount.GreaterThan(maxSingle) {
		return lpceerr.New(lpceerr.ExposureLimitExceeded, "amount %s exceeds max single advance ratio (%s of total capital)", req.RequestedAmount, maxSingle)
	}
	return nil
}

// withLock mirrors reservation.Registry.withLock: the distributed per-pool
// lock (BalanceCache) must be acquired before the LedgerStore row lock
// (spec §5 composite critical section).
func (e *Engine) withLock(ctx context.Context, poolID string, fn func() error) error {
	if e.accel.Degraded() {
		return fn()
	}
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	var token balancecache.LockToken
	for {
		t, ok, err := e.accel.AcquireLock(lockCtx, poolID, e.lockLease)
		if err != nil {
			return err
		}
		if ok {
			token = t
			break
		}
		select {
		case <-lockCtx.Done():
			return lpceerr.New(lpceerr.LockUnavailable, "could not acquire lock for pool %s within timeout", poolID)
		case <-time.After(20 * time.Millisecond):
		}
	}
	defer func() { _ = e.accel.ReleaseLock(context.Background(), poolID, token) }()

	return fn()
}

func (e *Engine) selectPool(ctx context.Context, req Request) (*ledger.Pool, error) {
	if req.PreferredPoolID != "" {
		pool, err := e.store.ReadPool(ctx, req.PreferredPoolID)
		if err != nil {
			return nil, err
		}
		return pool, nil
	}
	return e.selectOptimal(ctx, req)
}

// selectOptimal implements spec §4.4 step 1: filter active/currency-matched
// candidates within advance-amount bounds, rank by priority, and pick the
// first whose effectiveAvailable covers the request.
func (e *Engine) selectOptimal(ctx context.Context, req Request) (*ledger.Pool, error) {
	status := ledger.StatusActive
	currency := req.Currency
	pools, err := e.store.ReadPools(ctx, ledger.Filter{Status: &status, Currency: &currency})
	if err != nil {
		return nil, err
	}

	candidates := make([]*ledger.Pool, 0, len(pools))
	for _, p := range pools {
		if req.RequestedAmount.LessThan(p.MinAdvanceAmount) || req.RequestedAmount.GreaterThan(p.MaxAdvanceAmount) {
			continue
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		return nil, lpceerr.New(lpceerr.PoolNotFound, "no active pool in currency %s accepts amount %s", req.Currency, req.RequestedAmount)
	}

	e.rank(candidates, req)

	var alternatives []lpceerr.Alternative
	for _, p := range candidates {
		reservations, err := e.accel.ActiveReservations(ctx, p.ID)
		if err != nil {
			reservations = nil
		}
		snap := balancecache.ComputeSnapshot(p, reservations, e.maxUtilizationPct)
		if req.RequestedAmount.LessThanOrEqual(snap.EffectiveAvailable) {
			return p, nil
		}
		alternatives = append(alternatives, lpceerr.Alternative{PoolID: p.ID, FailingConstraint: "effectiveAvailable"})
	}

	poolErr := lpceerr.New(lpceerr.PoolNotFound, "no candidate pool has sufficient effective available capital for %s", req.RequestedAmount)
	return nil, poolErr.WithAlternatives(alternatives)
}

func (e *Engine) rank(candidates []*ledger.Pool, req Request) {
	switch req.Priority {
	case HighestAvailable:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].AvailableCapital.GreaterThan(candidates[j].AvailableCapital)
		})
	case BestReturn:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].ActualReturnRate.GreaterThan(candidates[j].ActualReturnRate)
		})
	case RoundRobin:
		e.mu.Lock()
		last := make(map[string]time.Time, len(e.lastAllocatedAt))
		for k, v := range e.lastAllocatedAt {
			last[k] = v
		}
		e.mu.Unlock()
		sort.SliceStable(candidates, func(i, j int) bool {
			return last[candidates[i].ID].Before(last[candidates[j].ID])
		})
	case Weighted:
		w := req.Weights
		if w == (Weights{}) {
			w = Weights{DefaultRate: 1, Available: 0.0001, Return: 10}
		}
		score := func(p *ledger.Pool) float64 {
			defaultRate, _ := p.DefaultRate.Decimal().Float64()
			available, _ := p.AvailableCapital.Decimal().Float64()
			ret, _ := p.ActualReturnRate.Decimal().Float64()
			inv := 1.0
			if defaultRate > 0 {
				inv = 1.0 / defaultRate
			}
			return w.DefaultRate*inv + w.Available*available + w.Return*ret
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return score(candidates[i]) > score(candidates[j])
		})
	default: // LowestRisk
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.DefaultRate.Cmp(b.DefaultRate) != 0 {
				return a.DefaultRate.LessThan(b.DefaultRate)
			}
			if a.AvailableCapital.Cmp(b.AvailableCapital) != 0 {
				return a.AvailableCapital.GreaterThan(b.AvailableCapital)
			}
			return a.ID < b.ID
		})
	}
}
