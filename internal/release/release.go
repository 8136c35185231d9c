// Package release implements the ReleaseEngine (spec §4.5): returning
// deployed capital to a pool on repayment, and recognizing default losses.
package release

import (
	"context"
	"fmt"
	"time"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/events"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
	"github.com/agrofin/lpce/internal/retry"
)

// ReleaseType is the shape of a releaseCapital call (spec §4.5).
type ReleaseType string

const (
	PartialRepayment ReleaseType = "PARTIAL_REPAYMENT"
	FullRepayment    ReleaseType = "FULL_REPAYMENT"
	DefaultRecovery  ReleaseType = "DEFAULT_RECOVERY"
	Adjustment       ReleaseType = "ADJUSTMENT"
)

// Source is the originating payment rail (spec §4.5).
type Source string

const (
	BuyerPayment Source = "BUYER_PAYMENT"
	FarmerPayment Source = "FARMER_PAYMENT"
	Insurance     Source = "INSURANCE"
	Collections   Source = "COLLECTIONS"
	Other         Source = "OTHER"
)

// Request is releaseCapital's input.
type Request struct {
	AdvanceID string
	PoolID    string
	FarmerID  string
	Type      ReleaseType
	Source    Source
	Principal money.Amount
	Fees      money.Amount
	Penalties money.Amount
}

// Result is releaseCapital's output.
type Result struct {
	PoolID        string
	TransactionID string
	ReleasedAt    time.Time
}

// DefaultResult is handleDefault's output.
type DefaultResult struct {
	PoolID      string
	Loss        money.Amount
	DefaultRate money.Amount
	ResolvedAt  time.Time
}

// Engine is the ReleaseEngine.
type Engine struct {
	store             ledger.Store
	accel             balancecache.Accelerator
	bus               *events.Bus
	lockLease         time.Duration
	lockTimeout       time.Duration
	maxUtilizationPct money.Amount
}

// New builds an Engine.
func New(store ledger.Store, accel balancecache.Accelerator, bus *events.Bus, lockLease, lockTimeout time.Duration, maxUtilizationPct money.Amount) *Engine {
	return &Engine{store: store, accel: accel, bus: bus, lockLease: lockLease, lockTimeout: lockTimeout, maxUtilizationPct: maxUtilizationPct}
}

// Release runs releaseCapital (spec §4.5 first bullet).
func (e *Engine) Release(ctx context.Context, req Request) (*Result, error) {
	if req.Principal.IsNegative() || req.Fees.IsNegative() || req.Penalties.IsNegative() {
		return nil, lpceerr.New(lpceerr.ValidationError, "release amounts must be non-negative")
	}

	var result *Result
	err := e.withLock(ctx, req.PoolID, func() error {
		return retry.Do(ctx, retry.Default, func() error {
			return e.commitRelease(ctx, req, &result)
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// commitRelease is Release's atomic commit step, retried internally on
// ConcurrentMutation per spec §7 (see allocation.commitAllocation for why a
// serializable-transaction conflict here is routine, not caller-visible).
func (e *Engine) commitRelease(ctx context.Context, req Request, result **Result) error {
	return e.store.WithPoolLock(ctx, req.PoolID, func(ctx context.Context, tx ledger.Tx) error {
		fresh := tx.Pool()
			before := balancecache.ComputeSnapshot(fresh, nil, e.maxUtilizationPct)

			totalIncoming := req.Principal.Add(req.Fees).Add(req.Penalties)
			delta := ledger.BalanceDelta{
				AvailableDelta:   totalIncoming,
				DeployedDelta:    req.Principal.Neg(),
				TotalRepaidDelta: req.Principal,
				TotalFeesDelta:   req.Fees.Add(req.Penalties),
			}
			if req.Type == FullRepayment {
				delta.CompletedDelta = 1
				delta.ActiveDelta = -1
			}

			txn := &ledger.PoolTransaction{
				PoolID:           fresh.ID,
				Type:             ledger.TxAdvanceRepayment,
				Amount:           req.Principal,
				Description:      fmt.Sprintf("%s via %s", req.Type, req.Source),
				RelatedAdvanceID: req.AdvanceID,
				Metadata: map[string]interface{}{
					"advanceId": req.AdvanceID,
					"farmerId":  req.FarmerID,
					"source":    string(req.Source),
					"releaseType": string(req.Type),
				},
			}
			if err := tx.ApplyBalanceDelta(ctx, delta, txn); err != nil {
				return err
			}

			if req.Fees.IsPositive() {
				feeTxn := &ledger.PoolTransaction{
					PoolID:           fresh.ID,
					Type:             ledger.TxFeeCollection,
					Amount:           req.Fees,
					Description:      "fee collected on repayment",
					RelatedAdvanceID: req.AdvanceID,
					Metadata:         map[string]interface{}{"advanceId": req.AdvanceID, "farmerId": req.FarmerID},
				}
				if err := tx.WriteTransaction(ctx, feeTxn); err != nil {
					return err
				}
			}
			if req.Penalties.IsPositive() {
				penTxn := &ledger.PoolTransaction{
					PoolID:           fresh.ID,
					Type:             ledger.TxPenaltyFee,
					Amount:           req.Penalties,
					Description:      "penalty collected on repayment",
					RelatedAdvanceID: req.AdvanceID,
					Metadata:         map[string]interface{}{"advanceId": req.AdvanceID, "farmerId": req.FarmerID},
				}
				if err := tx.WriteTransaction(ctx, penTxn); err != nil {
					return err
				}
			}

			after := balancecache.ComputeSnapshot(tx.Pool(), nil, e.maxUtilizationPct)
			if !e.accel.Degraded() {
				_ = e.accel.InvalidateSnapshot(ctx, fresh.ID)
			}
			e.bus.PublishBalanceChanged(ctx, fresh.ID, totalIncoming, before, after, req.AdvanceID, ledger.RelatedAdvance)

		*result = &Result{PoolID: fresh.ID, TransactionID: txn.ID, ReleasedAt: txn.CreatedAt}
		return nil
	})
}

// HandleDefault runs handleDefault (spec §4.5 second bullet). Loss shrinks
// totalCapital to preserve I1 (spec §9 open question, resolved).
func (e *Engine) HandleDefault(ctx context.Context, advanceID, poolID string, defaultedAmount, recoveredAmount money.Amount) (*DefaultResult, error) {
	if defaultedAmount.IsNegative() || recoveredAmount.IsNegative() {
		return nil, lpceerr.New(lpceerr.ValidationError, "default amounts must be non-negative")
	}
	loss := defaultedAmount.Sub(recoveredAmount)

	var result *DefaultResult
	err := e.withLock(ctx, poolID, func() error {
		return retry.Do(ctx, retry.Default, func() error {
			return e.commitDefault(ctx, advanceID, poolID, defaultedAmount, recoveredAmount, loss, &result)
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// commitDefault is HandleDefault's atomic commit step, retried internally on
// ConcurrentMutation per spec §7.
func (e *Engine) commitDefault(ctx context.Context, advanceID, poolID string, defaultedAmount, recoveredAmount, loss money.Amount, result **DefaultResult) error {
	return e.store.WithPoolLock(ctx, poolID, func(ctx context.Context, tx ledger.Tx) error {
		fresh := tx.Pool()
		before := balancecache.ComputeSnapshot(fresh, nil, e.maxUtilizationPct)

		delta := ledger.BalanceDelta{
			DeployedDelta:         defaultedAmount.Neg(),
			AvailableDelta:        recoveredAmount,
			TotalCapitalDelta:     loss.Neg(),
			DefaultedDelta:        1,
			ActiveDelta:           -1,
			RecomputeDefaultRate:  true,
			AllowReserveViolation: true,
		}
		txn := &ledger.PoolTransaction{
			PoolID:           fresh.ID,
			Type:             ledger.TxAdjustment,
			Amount:           loss.Neg(),
			Description:      "default loss recognition",
			RelatedAdvanceID: advanceID,
			Metadata: map[string]interface{}{
				"advanceId":       advanceID,
				"defaultedAmount": defaultedAmount.String(),
				"recoveredAmount": recoveredAmount.String(),
			},
		}
		if err := tx.ApplyBalanceDelta(ctx, delta, txn); err != nil {
			return err
		}

		after := balancecache.ComputeSnapshot(tx.Pool(), nil, e.maxUtilizationPct)
		if !e.accel.Degraded() {
			_ = e.accel.InvalidateSnapshot(ctx, fresh.ID)
		}
		e.bus.PublishBalanceChanged(ctx, fresh.ID, loss.Neg(), before, after, advanceID, ledger.RelatedAdjustment)
		e.bus.PublishHealthWarning(ctx, fresh.ID, after)

		*result = &DefaultResult{PoolID: fresh.ID, Loss: loss, DefaultRate: tx.Pool().DefaultRate, ResolvedAt: tx.Pool().UpdatedAt}
		return nil
	})
}

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
