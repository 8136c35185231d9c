// Package engine wires the LedgerStore, BalanceCache, ReservationRegistry,
// AllocationEngine, ReleaseEngine, MetricsEngine, EventBus and PoolAdmin
// components (spec §4) behind the single set of operations spec §6 names.
package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agrofin/lpce/internal/admin"
	"github.com/agrofin/lpce/internal/allocation"
	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/config"
	"github.com/agrofin/lpce/internal/events"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/money"
	"github.com/agrofin/lpce/internal/performance"
	"github.com/agrofin/lpce/internal/release"
	"github.com/agrofin/lpce/internal/reservation"
	alog "github.com/agrofin/lpce/log"
)

// Engine is the LPCE facade. Its exported methods are the operations named
// in spec §6, plus BatchUpdateBalances and Close.
type Engine struct {
	Store ledger.Store
	Accel balancecache.Accelerator
	Bus   *events.Bus

	Allocation  *allocation.Engine
	Release     *release.Engine
	Reservation *reservation.Registry
	Metrics     *performance.Engine
	Admin       *admin.Admin
}

// New assembles an Engine from a loaded config, a LedgerStore, and the
// chosen BalanceCache accelerator (RedisAccelerator or NoopAccelerator —
// the caller decides which based on whether cfg.Redis is set, spec §4.2).
func New(cfg config.Config, store ledger.Store, accel balancecache.Accelerator, logger alog.Logger) (*Engine, error) {
	maxUtil := money.FromFloat(cfg.MaxUtilizationPct)
	bus := events.New(accel, logger)

	return &Engine{
		Store:       store,
		Accel:       accel,
		Bus:         bus,
		Allocation:  allocation.New(store, accel, bus, cfg.DistributedLockLease, cfg.LockAcquireTimeout, maxUtil),
		Release:     release.New(store, accel, bus, cfg.DistributedLockLease, cfg.LockAcquireTimeout, maxUtil),
		Reservation: reservation.New(store, accel, bus, cfg.DistributedLockLease, cfg.LockAcquireTimeout, maxUtil),
		Metrics:     performance.New(store, accel, cfg.BalanceSnapshotTTL, cfg.PoolSummaryTTL, maxUtil),
		Admin:       admin.New(store, cfg.MaxSingleAdvanceRatio),
	}, nil
}

// Close releases all held resources.
func (e *Engine) Close() error {
	e.Store.Close()
	return e.Accel.Close()
}

// AllocateCapital is allocateCapital.
func (e *Engine) AllocateCapital(ctx context.Context, req allocation.Request) (*allocation.Result, error) {
	return e.Allocation.Allocate(ctx, req)
}

// ReleaseCapital is releaseCapital.
func (e *Engine) ReleaseCapital(ctx context.Context, req release.Request) (*release.Result, error) {
	return e.Release.Release(ctx, req)
}

// HandleDefault is handleDefault.
func (e *Engine) HandleDefault(ctx context.Context, advanceID, poolID string, defaultedAmount, recoveredAmount money.Amount) (*release.DefaultResult, error) {
	return e.Release.HandleDefault(ctx, advanceID, poolID, defaultedAmount, recoveredAmount)
}

// CreateReservation is createReservation.
func (e *Engine) CreateReservation(ctx context.Context, req reservation.CreateRequest) (*reservation.Reservation, error) {
	return e.Reservation.Create(ctx, req)
}

// CommitReservation is commitReservation.
func (e *Engine) CommitReservation(ctx context.Context, poolID, reservationID string) error {
	return e.Reservation.Commit(ctx, poolID, reservationID)
}

// ReleaseReservation is releaseReservation.
func (e *Engine) ReleaseReservation(ctx context.Context, poolID, reservationID string) (money.Amount, error) {
	return e.Reservation.Release(ctx, poolID, reservationID)
}

// GetBalance is getBalance.
func (e *Engine) GetBalance(ctx context.Context, poolID string) (balancecache.Snapshot, error) {
	return e.Metrics.GetBalance(ctx, poolID)
}

// GetBalances is getBalances.
func (e *Engine) GetBalances(ctx context.Context, poolIDs []string) (map[string]balancecache.Snapshot, error) {
	return e.Metrics.GetBalances(ctx, poolIDs)
}

// GetSummary is getSummary.
func (e *Engine) GetSummary(ctx context.Context) (performance.Summary, error) {
	return e.Metrics.GetSummary(ctx)
}

// GetPerformance is getPerformance.
func (e *Engine) GetPerformance(ctx context.Context, poolID string, start, end time.Time) (performance.Report, error) {
	return e.Metrics.GetPerformance(ctx, poolID, start, end)
}

// AssessHealth is assessHealth.
func (e *Engine) AssessHealth(ctx context.Context, poolID string) (performance.HealthAssessment, error) {
	return e.Metrics.AssessHealth(ctx, poolID)
}

// CreatePool is createPool.
func (e *Engine) CreatePool(ctx context.Context, req admin.CreateRequest) (*ledger.Pool, error) {
	return e.Admin.CreatePool(ctx, req)
}

// UpdatePool is updatePool.
func (e *Engine) UpdatePool(ctx context.Context, poolID string, req admin.UpdateRequest) (*ledger.Pool, error) {
	return e.Admin.UpdatePool(ctx, poolID, req)
}

// ListPools is listPools.
func (e *Engine) ListPools(ctx context.Context, filter ledger.Filter) ([]*ledger.Pool, error) {
	return e.Admin.ListPools(ctx, filter)
}

// GetPoolDetails is getPoolDetails.
func (e *Engine) GetPoolDetails(ctx context.Context, poolID string) (*ledger.Pool, error) {
	return e.Admin.GetPoolDetails(ctx, poolID)
}

// CheckAdvanceEligibility is checkAdvanceEligibility.
func (e *Engine) CheckAdvanceEligibility(ctx context.Context, poolID string, amount money.Amount, tier ledger.RiskTier) (admin.Eligibility, error) {
	return e.Admin.CheckAdvanceEligibility(ctx, poolID, amount, tier)
}

// GetTransactions is getTransactions.
func (e *Engine) GetTransactions(ctx context.Context, poolID string, filter ledger.TransactionFilter, page ledger.Page) ([]*ledger.PoolTransaction, error) {
	return e.Store.GetTransactions(ctx, poolID, filter, page)
}

// GetTransactionSummary is getTransactionSummary.
func (e *Engine) GetTransactionSummary(ctx context.Context, poolID string, from, to time.Time) (ledger.TransactionSummary, error) {
	return e.Store.GetTransactionSummary(ctx, poolID, from, to)
}

// Subscribe is subscribe: events for a single pool.
func (e *Engine) Subscribe(poolID string, handler events.Handler) func() {
	return e.Bus.Subscribe(poolID, handler)
}

// SubscribeAll is subscribeAll: events across every pool.
func (e *Engine) SubscribeAll(handler events.Handler) func() {
	return e.Bus.SubscribeAll(handler)
}

// BatchUpdateBalances applies a set of arbitrary balance deltas (SPEC_FULL
// §D.4, supplementing the original operation set). In atomic mode every
// delta applies or none do; pool locks are acquired in ascending pool-id
// order across the whole batch to avoid the deadlocks composite-lock
// ordering exists to prevent (spec §5).
type BalanceUpdate struct {
	PoolID      string
	Delta       ledger.BalanceDelta
	Transaction *ledger.PoolTransaction
}

func (e *Engine) BatchUpdateBalances(ctx context.Context, updates []BalanceUpdate, atomic bool) error {
	if len(updates) == 0 {
		return nil
	}
	ordered := sortedByPoolID(updates)

	if !atomic {
		// Non-atomic mode applies each pool's update independently (spec
		// §5), so the whole batch fans out concurrently instead of paying
		// for N sequential round trips; errgroup collects the first error
		// without canceling siblings still in flight.
		var g errgroup.Group
		for _, u := range ordered {
			u := u
			g.Go(func() error { return e.applyOne(ctx, u) })
		}
		return g.Wait()
	}

	return e.applyChain(ctx, ordered, 0)
}

// applyChain recurses so each pool's WithPoolLock transaction nests inside
// the previous one, giving the whole batch a single all-or-nothing outcome
// while still honoring ascending lock order.
func (e *Engine) applyChain(ctx context.Context, updates []BalanceUpdate, i int) error {
	if i >= len(updates) {
		return nil
	}
	u := updates[i]
	return e.Store.WithPoolLock(ctx, u.PoolID, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.ApplyBalanceDelta(ctx, u.Delta, u.Transaction); err != nil {
			return err
		}
		return e.applyChain(ctx, updates, i+1)
	})
}

func (e *Engine) applyOne(ctx context.Context, u BalanceUpdate) error {
	return e.Store.WithPoolLock(ctx, u.PoolID, func(ctx context.Context, tx ledger.Tx) error {
		return tx.ApplyBalanceDelta(ctx, u.Delta, u.Transaction)
	})
}

func sortedByPoolID(updates []BalanceUpdate) []BalanceUpdate {
	out := append([]BalanceUpdate(nil), updates...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].PoolID < out[j-1].PoolID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
