// Package reservation implements the ReservationRegistry (spec §4.3): a
// two-phase hold protocol that withholds capital during underwriting
// without double-spending it, backed by the BalanceCache accelerator with a
// direct-to-ledger fallback when the accelerator is degraded.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/events"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

// Status is a Reservation's lifecycle state (spec §3).
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCommitted Status = "COMMITTED"
	StatusReleased  Status = "RELEASED"
	StatusExpired   Status = "EXPIRED"
)

// Reservation is an ephemeral hold on pool capital.
type Reservation struct {
	ID        string
	PoolID    string
	AdvanceID string
	FarmerID  string
	Amount    money.Amount
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	PoolID    string
	AdvanceID string
	FarmerID  string
	Amount    money.Amount
	TTL       time.Duration
}

// Registry is the ReservationRegistry. It is safe for concurrent use.
type Registry struct {
	store             ledger.Store
	accel             balancecache.Accelerator
	bus               *events.Bus
	lockLease         time.Duration
	lockTimeout       time.Duration
	maxUtilizationPct money.Amount

	fallback *fallbackTracker
}

// New builds a Registry. It takes no default-TTL argument: Create applies a
// fixed 300-second TTL when CreateRequest.TTL is zero or negative.
func New(store ledger.Store, accel balancecache.Accelerator, bus *events.Bus, lockLease, lockTimeout time.Duration, maxUtilizationPct money.Amount) *Registry {
	return &Registry{
		store:             store,
		accel:             accel,
		bus:               bus,
		lockLease:         lockLease,
		lockTimeout:       lockTimeout,
		maxUtilizationPct: maxUtilizationPct,
		fallback:          newFallbackTracker(),
	}
}

// Create acquires the per-pool lock, validates against effective
// availability, and stores the hold (spec §4.3 step 1).
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Reservation, error) {
	if req.Amount.IsZero() || req.Amount.IsNegative() {
		return nil, lpceerr.New(lpceerr.ValidationError, "reservation amount must be positive")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		PoolID:    req.PoolID,
		AdvanceID: req.AdvanceID,
		FarmerID:  req.FarmerID,
		Amount:    req.Amount,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
		Status:    StatusActive,
	}

	if r.accel.Degraded() {
		if err := r.createFallback(ctx, res); err != nil {
			return nil, err
		}
		r.bus.PublishReservationCreated(ctx, res.PoolID, res.ID, res.Amount)
		return res, nil
	}

	err := r.withLock(ctx, req.PoolID, func() error {
		pool, err := r.store.ReadPool(ctx, req.PoolID)
		if err != nil {
			return err
		}
		reservations, err := r.accel.ActiveReservations(ctx, req.PoolID)
		if err != nil {
			return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "read active reservations for %s", req.PoolID)
		}
		snap := balancecache.ComputeSnapshot(pool, reservations, r.maxUtilizationPct)
		if req.Amount.GreaterThan(snap.EffectiveAvailable) {
			return lpceerr.New(lpceerr.InsufficientEffectiveAvail,
				"requested %s exceeds effective available %s for pool %s", req.Amount, snap.EffectiveAvailable, req.PoolID)
		}
		if err := r.accel.PutReservation(ctx, req.PoolID, res.ID, res.Amount, ttl); err != nil {
			return err
		}
		return r.accel.InvalidateSnapshot(ctx, req.PoolID)
	})
	if err != nil {
		return nil, err
	}

	r.bus.PublishReservationCreated(ctx, res.PoolID, res.ID, res.Amount)
	return res, nil
}

// Commit converts a reservation into a deployment. Per spec §4.3 this is
// invoked adjacent to the allocation commit; on success the accelerator's
// hold is removed since the amount is now reflected in deployedCapital by
// the caller's own ApplyBalanceDelta. On the accelerator path Commit does
// not mutate the ledger — AllocationEngine does that inside its own pool
// lock — it only clears the reservation bookkeeping. When the accelerator is
// degraded, Commit goes through commitFallback, which moves the held amount
// from reservedCapital to deployedCapital in the ledger.
func (r *Registry) Commit(ctx context.Context, poolID, reservationID string) error {
	if r.accel.Degraded() {
		return r.commitFallback(ctx, poolID, reservationID)
	}
	reservations, err := r.accel.ActiveReservations(ctx, poolID)
	if err != nil {
		return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "read active reservations for %s", poolID)
	}
	if _, ok := reservations[reservationID]; !ok {
		return lpceerr.New(lpceerr.ReservationNotFound, "reservation %s not found or expired", reservationID)
	}
	return r.accel.RemoveReservation(ctx, poolID, reservationID)
}

// Release cancels a reservation, returning the amount that was held.
func (r *Registry) Release(ctx context.Context, poolID, reservationID string) (money.Amount, error) {
	if r.accel.Degraded() {
		return r.releaseFallback(ctx, poolID, reservationID)
	}
	reservations, err := r.accel.ActiveReservations(ctx, poolID)
	if err != nil {
		return money.Zero, lpceerr.Wrap(lpceerr.CacheUnavailable, err, "read active reservations for %s", poolID)
	}
	amt, ok := reservations[reservationID]
	if !ok {
		return money.Zero, lpceerr.New(lpceerr.ReservationNotFound, "reservation %s not found or expired", reservationID)
	}
	if err := r.accel.RemoveReservation(ctx, poolID, reservationID); err != nil {
		return money.Zero, err
	}
	r.bus.PublishReservationReleased(ctx, poolID, reservationID, amt)
	return amt, nil
}

// withLock acquires the per-pool distributed lock with LOCK_ACQUIRE_TIMEOUT,
// runs fn, and releases the lock (spec §5 composite critical section, part a).
func (r *Registry) withLock(ctx context.Context, poolID string, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	var token balancecache.LockToken
	for {
		t, ok, err := r.accel.AcquireLock(lockCtx, poolID, r.lockLease)
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
	defer func() { _ = r.accel.ReleaseLock(context.Background(), poolID, token) }()

	return fn()
}

func (r *Registry) String() string { return fmt.Sprintf("reservation.Registry(degraded=%v)", r.accel.Degraded()) }
