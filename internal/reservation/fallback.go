package reservation

import (
	"context"
	"fmt"
	"sync"

	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

// fallbackTracker remembers which pool a reservation belongs to while the
// accelerator is degraded, since the hold itself lives entirely in
// pool.reservedCapital rather than a cache-side map (spec §4.2/§4.3
// fallback). TTL expiry does not apply here; callers must explicitly
// release, matching the spec.
type fallbackTracker struct {
	mu    sync.Mutex
	holds map[string]fallbackHold
}

type fallbackHold struct {
	poolID string
	amount money.Amount
}

func newFallbackTracker() *fallbackTracker {
	return &fallbackTracker{holds: map[string]fallbackHold{}}
}

func (t *fallbackTracker) put(id, poolID string, amount money.Amount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holds[id] = fallbackHold{poolID: poolID, amount: amount}
}

func (t *fallbackTracker) get(id string) (fallbackHold, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.holds[id]
	return h, ok
}

func (t *fallbackTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.holds, id)
}

// createFallback materializes the hold as a reservedCapital increment,
// moving the amount out of availableCapital so totalCapital conservation
// (I1) holds without a cache-side reservation sum to account for it.
func (r *Registry) createFallback(ctx context.Context, res *Reservation) error {
	return r.store.WithPoolLock(ctx, res.PoolID, func(ctx context.Context, tx ledger.Tx) error {
		pool := tx.Pool()
		requiredReserve := pool.TotalCapital.Pct(pool.MinReserveRatio.Decimal())
		effectiveAvailable := pool.AvailableCapital.Sub(requiredReserve)
		if effectiveAvailable.IsNegative() {
			effectiveAvailable = money.Zero
		}
		if res.Amount.GreaterThan(effectiveAvailable) {
			return lpceerr.New(lpceerr.InsufficientEffectiveAvail,
				"requested %s exceeds effective available %s for pool %s", res.Amount, effectiveAvailable, res.PoolID)
		}

		delta := ledger.BalanceDelta{
			AvailableDelta: res.Amount.Neg(),
			ReservedDelta:  res.Amount,
		}
		txn := &ledger.PoolTransaction{
			PoolID:           res.PoolID,
			Type:             ledger.TxReserveAllocation,
			Amount:           res.Amount,
			Description:      fmt.Sprintf("reservation %s created (degraded-cache fallback)", res.ID),
			RelatedAdvanceID: res.AdvanceID,
			Metadata:         map[string]interface{}{"reservationId": res.ID, "farmerId": res.FarmerID},
		}
		if err := tx.ApplyBalanceDelta(ctx, delta, txn); err != nil {
			return err
		}
		r.fallback.put(res.ID, res.PoolID, res.Amount)
		return nil
	})
}

// commitFallback converts the hold into a deployment: reservedCapital moves
// to deployedCapital and a disbursement transaction is written, since in
// fallback mode the reservation itself already occupied real ledger state.
func (r *Registry) commitFallback(ctx context.Context, poolID, reservationID string) error {
	hold, ok := r.fallback.get(reservationID)
	if !ok || hold.poolID != poolID {
		return lpceerr.New(lpceerr.ReservationNotFound, "reservation %s not found (fallback)", reservationID)
	}

	err := r.store.WithPoolLock(ctx, poolID, func(ctx context.Context, tx ledger.Tx) error {
		delta := ledger.BalanceDelta{
			ReservedDelta: hold.amount.Neg(),
			DeployedDelta: hold.amount,
		}
		txn := &ledger.PoolTransaction{
			PoolID:      poolID,
			Type:        ledger.TxAdvanceDisbursement,
			Amount:      hold.amount,
			Description: fmt.Sprintf("reservation %s committed (degraded-cache fallback)", reservationID),
			Metadata:    map[string]interface{}{"reservationId": reservationID},
		}
		return tx.ApplyBalanceDelta(ctx, delta, txn)
	})
	if err != nil {
		return err
	}
	r.fallback.remove(reservationID)
	return nil
}

// releaseFallback reverses the hold: reservedCapital moves back to
// availableCapital.
func (r *Registry) releaseFallback(ctx context.Context, poolID, reservationID string) (money.Amount, error) {
	hold, ok := r.fallback.get(reservationID)
	if !ok || hold.poolID != poolID {
		return money.Zero, lpceerr.New(lpceerr.ReservationNotFound, "reservation %s not found (fallback)", reservationID)
	}

	err := r.store.WithPoolLock(ctx, poolID, func(ctx context.Context, tx ledger.Tx) error {
		delta := ledger.BalanceDelta{
			ReservedDelta:  hold.amount.Neg(),
			AvailableDelta: hold.amount,
		}
		txn := &ledger.PoolTransaction{
			PoolID:      poolID,
			Type:        ledger.TxReserveAllocation,
			Amount:      hold.amount,
			Description: fmt.Sprintf("reservation %s released (degraded-cache fallback)", reservationID),
			Metadata:    map[string]interface{}{"reservationId": reservationID},
		}
		return tx.ApplyBalanceDelta(ctx, delta, txn)
	})
	if err != nil {
		return money.Zero, err
	}
	r.fallback.remove(reservationID)
	return hold.amount, nil
}
