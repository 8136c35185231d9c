// Package admin implements PoolAdmin (spec §4.8): CRUD on pool
// configuration and status transitions, plus the read-only eligibility
// check.
package admin

import (
	"context"
	"time"

	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

// CreateRequest is createPool's input.
type CreateRequest struct {
	Name             string
	RiskTier         ledger.RiskTier
	Currency         string
	InitialCapital   money.Amount
	MinAdvanceAmount money.Amount
	MaxAdvanceAmount money.Amount
	MaxExposureLimit money.Amount
	MinReserveRatio  money.Amount
	TargetReturnRate money.Amount
	AutoRebalance    bool
	CreatedBy        string
}

// UpdateRequest is updatePool's input: configuration fields only (spec
// §4.8: "MUST NOT touch capital fields").
type UpdateRequest struct {
	Name             *string
	Status           *ledger.PoolStatus
	MinAdvanceAmount *money.Amount
	MaxAdvanceAmount *money.Amount
	MaxExposureLimit *money.Amount
	MinReserveRatio  *money.Amount
	TargetReturnRate *money.Amount
	AutoRebalance    *bool
}

// Eligibility is checkAdvanceEligibility's output (spec §4.8).
type Eligibility struct {
	Eligible            bool
	FailingConstraints  []string
	MaxAllowedAmount    money.Amount
	GoverningConstraint string
}

// Admin is PoolAdmin.
type Admin struct {
	store                 ledger.Store
	maxSingleAdvanceRatio float64
}

// New builds an Admin.
func New(store ledger.Store, maxSingleAdvanceRatioPct float64) *Admin {
	if maxSingleAdvanceRatioPct <= 0 {
		maxSingleAdvanceRatioPct = 10
	}
	return &Admin{store: store, maxSingleAdvanceRatio: maxSingleAdvanceRatioPct}
}

// CreatePool is createPool (spec §4.8).
func (a *Admin) CreatePool(ctx context.Context, req CreateRequest) (*ledger.Pool, error) {
	if req.InitialCapital.IsNegative() || req.InitialCapital.IsZero() {
		return nil, lpceerr.New(lpceerr.ValidationError, "initial capital must be positive")
	}
	if req.Currency == "" {
		return nil, lpceerr.New(lpceerr.ValidationError, "currency must not be empty")
	}
	if req.MinAdvanceAmount.GreaterThan(req.MaxAdvanceAmount) {
		return nil, lpceerr.New(lpceerr.ValidationError, "minAdvanceAmount must be <= maxAdvanceAmount")
	}
	switch req.RiskTier {
	case ledger.TierA, ledger.TierB, ledger.TierC:
	default:
		return nil, lpceerr.New(lpceerr.ValidationError, "invalid risk tier %q", req.RiskTier)
	}

	now := time.Now()
	pool := &ledger.Pool{
		Name:                 req.Name,
		Status:               ledger.StatusActive,
		RiskTier:             req.RiskTier,
		Currency:             req.Currency,
		TotalCapital:         req.InitialCapital,
		AvailableCapital:     req.InitialCapital,
		DeployedCapital:      money.Zero,
		ReservedCapital:      money.Zero,
		TargetReturnRate:     req.TargetReturnRate,
		ActualReturnRate:     money.Zero,
		MinAdvanceAmount:     req.MinAdvanceAmount,
		MaxAdvanceAmount:     req.MaxAdvanceAmount,
		MaxExposureLimit:     req.MaxExposureLimit,
		MinReserveRatio:      req.MinReserveRatio,
		AutoRebalanceEnabled: req.AutoRebalance,
		CreatedAt:            now,
		UpdatedAt:            now,
		CreatedBy:            req.CreatedBy,
	}
	deposit := &ledger.PoolTransaction{
		Type:          ledger.TxCapitalDeposit,
		Amount:        req.InitialCapital,
		BalanceBefore: money.Zero,
		BalanceAfter:  req.InitialCapital,
		Description:   "initial capital deposit",
		CreatedAt:     now,
	}
	if err := a.store.CreatePool(ctx, pool, deposit); err != nil {
		return nil, err
	}
	return pool, nil
}

// UpdatePool is updatePool (spec §4.8). Raising minReserveRatio such that I2
// would currently be violated is accepted without enforcement here; callers
// are responsible for pausing the pool if they want that enforced.
func (a *Admin) UpdatePool(ctx context.Context, poolID string, req UpdateRequest) (*ledger.Pool, error) {
	var updated *ledger.Pool
	err := a.store.WithPoolLock(ctx, poolID, func(ctx context.Context, tx ledger.Tx) error {
		err := tx.UpdatePoolConfig(ctx, func(p *ledger.Pool) {
			if req.Name != nil {
				p.Name = *req.Name
			}
			if req.Status != nil {
				p.Status = *req.Status
			}
			if req.MinAdvanceAmount != nil {
				p.MinAdvanceAmount = *req.MinAdvanceAmount
			}
			if req.MaxAdvanceAmount != nil {
				p.MaxAdvanceAmount = *req.MaxAdvanceAmount
			}
			if req.MaxExposureLimit != nil {
				p.MaxExposureLimit = *req.MaxExposureLimit
			}
			if req.MinReserveRatio != nil {
				p.MinReserveRatio = *req.MinReserveRatio
			}
			if req.TargetReturnRate != nil {
				p.TargetReturnRate = *req.TargetReturnRate
			}
			if req.AutoRebalance != nil {
				p.AutoRebalanceEnabled = *req.AutoRebalance
			}
		})
		if err != nil {
			return err
		}
		updated = tx.Pool()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListPools is listPools.
func (a *Admin) ListPools(ctx context.Context, filter ledger.Filter) ([]*ledger.Pool, error) {
	return a.store.ReadPools(ctx, filter)
}

// GetPoolDetails is getPoolDetails.
func (a *Admin) GetPoolDetails(ctx context.Context, poolID string) (*ledger.Pool, error) {
	return a.store.ReadPool(ctx, poolID)
}

// CheckAdvanceEligibility is checkAdvanceEligibility (spec §4.8): returns
// every failing constraint, the max currently allowed amount, and the
// governing (tightest) constraint. Does not mutate state.
func (a *Admin) CheckAdvanceEligibility(ctx context.Context, poolID string, amount money.Amount, tier ledger.RiskTier) (Eligibility, error) {
	pool, err := a.store.ReadPool(ctx, poolID)
	if err != nil {
		return Eligibility{}, err
	}

	var failing []string
	if pool.Status != ledger.StatusActive {
		failing = append(failing, "status")
	}
	if tier != pool.RiskTier {
		failing = append(failing, "riskTier")
	}
	if amount.LessThan(pool.MinAdvanceAmount) {
		failing = append(failing, "minAdvanceAmount")
	}
	if amount.GreaterThan(pool.MaxAdvanceAmount) {
		failing = append(failing, "maxAdvanceAmount")
	}

	maxSingle := pool.TotalCapital.Pct(money.FromFloat(a.maxSingleAdvanceRatio).Decimal())
	if amount.GreaterThan(maxSingle) {
		failing = append(failing, "maxSingleAdvanceRatio")
	}

	requiredReserve := pool.TotalCapital.Pct(pool.MinReserveRatio.Decimal())
	newAvailable := pool.AvailableCapital.Sub(amount)
	if newAvailable.LessThan(requiredReserve) {
		failing = append(failing, "minReserveRatio")
	}

	// The max allowed amount is the tightest of: pool.maxAdvanceAmount, the
	// single-advance exposure ceiling, and what the reserve ratio leaves
	// deployable right now.
	reserveRoom := pool.AvailableCapital.Sub(requiredReserve)
	if reserveRoom.IsNegative() {
		reserveRoom = money.Zero
	}
	maxAllowed := pool.MaxAdvanceAmount
	governing := "maxAdvanceAmount"
	if maxSingle.Cmp(maxAllowed) <= 0 {
		maxAllowed = maxSingle
		governing = "maxSingleAdvanceRatio"
	}
	if reserveRoom.Cmp(maxAllowed) <= 0 {
		maxAllowed = reserveRoom
		governing = "minReserveRatio"
	}

	return Eligibility{
		Eligible:            len(failing) == 0,
		FailingConstraints:  failing,
		MaxAllowedAmount:    maxAllowed,
		GoverningConstraint: governing,
	}, nil
}
