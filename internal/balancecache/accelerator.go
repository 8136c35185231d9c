// Package balancecache is the BalanceCache accelerator (spec §4.2): snapshot
// caching, the active-reservation map, the distributed per-pool lock, and
// pub/sub fan-out, behind a single capability interface so the allocation
// algorithm is unchanged whether Redis is present or not (spec §9 design
// note — "re-architect the cache + reservation registry behind a single
// capability interface, with a no-op accelerator implementation").
package balancecache

import (
	"context"
	"time"

	"github.com/agrofin/lpce/internal/money"
)

// Snapshot is spec §3's BalanceSnapshot: derived, cacheable, read-only.
type Snapshot struct {
	PoolID             string
	TotalCapital       money.Amount
	AvailableCapital   money.Amount
	DeployedCapital    money.Amount
	ReservedCapital    money.Amount
	EffectiveAvailable money.Amount
	UtilizationRate    money.Amount
	ReserveRatio       money.Amount
	IsHealthy          bool
	Timestamp          time.Time
	FromCache          bool
}

// LockToken identifies the holder of a distributed lock, so release can
// verify it still owns the lease (spec §9: "require that lock release
// checks the token matches the token that acquired it").
type LockToken string

// Accelerator is the capability interface every component mutating or
// reading pool balances programs against. RedisAccelerator backs it with a
// real distributed cache; NoopAccelerator backs it with in-process state
// only, for single-process deployments or when Redis is unavailable (spec
// §4.2 "degraded mode").
type Accelerator interface {
	// GetSnapshot returns a cached snapshot and true, or false on a miss.
	GetSnapshot(ctx context.Context, poolID string) (Snapshot, bool, error)
	// GetSnapshots is the batch form: a single round-trip multi-get,
	// returning only the entries that were present (spec §4.6 getBalances
	// "MUST perform a single cache multi-get").
	GetSnapshots(ctx context.Context, poolIDs []string) (map[string]Snapshot, error)
	// PutSnapshot caches snap with the given TTL.
	PutSnapshot(ctx context.Context, poolID string, snap Snapshot, ttl time.Duration) error
	// InvalidateSnapshot evicts any cached snapshot for poolID.
	InvalidateSnapshot(ctx context.Context, poolID string) error

	// ActiveReservations returns the reservationID -> amount map for poolID.
	ActiveReservations(ctx context.Context, poolID string) (map[string]money.Amount, error)
	// PutReservation records a reservation hold with a TTL.
	PutReservation(ctx context.Context, poolID, reservationID string, amount money.Amount, ttl time.Duration) error
	// RemoveReservation removes a reservation hold (commit or release).
	RemoveReservation(ctx context.Context, poolID, reservationID string) error

	// AcquireLock attempts to take the per-pool distributed lock with the
	// given lease. ok is false if another holder has it; callers should
	// report LockUnavailable if acquisition fails within their timeout.
	AcquireLock(ctx context.Context, poolID string, lease time.Duration) (token LockToken, ok bool, err error)
	// ReleaseLock releases the lock only if token still matches the
	// current holder (spec §9); releasing a lock you no longer hold is a
	// silent no-op, never an error, since the lease may have already
	// expired and been re-acquired by someone else.
	ReleaseLock(ctx context.Context, poolID string, token LockToken) error

	// PublishRaw best-effort publishes payload on channel for cross-process
	// fan-out (spec §4.7); failures are logged by the caller, never
	// propagated, and are not returned as an error from here beyond I/O
	// failures worth logging once.
	PublishRaw(ctx context.Context, channel string, payload []byte) error
	// SubscribeRaw returns a channel of raw payloads published to channel.
	// The returned cancel func must be called to stop the subscription.
	SubscribeRaw(ctx context.Context, channel string) (msgs <-chan []byte, cancel func(), err error)

	// Degraded reports whether this accelerator's cache is unusable
	// (RedisAccelerator always returns false; NoopAccelerator returns true
	// only when its LRU cache failed to initialize); callers use this to
	// pick the ReservationRegistry fallback path of spec §4.3.
	Degraded() bool

	Close() error
}
