package ledger

import (
	"context"
	"time"

	"github.com/agrofin/lpce/internal/money"
)

// Store is the LedgerStore capability (spec §4.1). Implementations must
// provide serializable (or repeatable-read plus explicit row locking)
// isolation and surface optimistic-concurrency conflicts as
// lpceerr.ConcurrentMutation.
type Store interface {
	// WithPoolLock executes fn inside a transaction holding a row-level
	// exclusive lock on poolId (SELECT ... FOR UPDATE or equivalent). All
	// balance-mutating operations go through this; it is the inner half of
	// the composite critical section of spec §5 (the distributed cache
	// lock is acquired by the caller first).
	WithPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context, tx Tx) error) error

	// ReadPool is a non-locking read.
	ReadPool(ctx context.Context, poolID string) (*Pool, error)
	// ReadPools is a non-locking filtered read.
	ReadPools(ctx context.Context, filter Filter) ([]*Pool, error)
	// ReadPoolsByIDs is a single-round-trip batch read, used by getBalances
	// for the pools that missed the cache (spec §4.6).
	ReadPoolsByIDs(ctx context.Context, poolIDs []string) ([]*Pool, error)

	// CreatePool persists a new pool row plus its initial CAPITAL_DEPOSIT
	// transaction atomically (spec §4.8 createPool).
	CreatePool(ctx context.Context, pool *Pool, initialDeposit *PoolTransaction) error

	GetTransactions(ctx context.Context, poolID string, filter TransactionFilter, page Page) ([]*PoolTransaction, error)
	GetTransactionSummary(ctx context.Context, poolID string, from, to time.Time) (TransactionSummary, error)

	// FarmerExposure is the farmer's current net outstanding principal in
	// poolID (disbursements minus repayments tagged with farmerId in
	// transaction metadata), used to enforce FarmerLimitExceeded (spec §7).
	FarmerExposure(ctx context.Context, poolID, farmerID string) (money.Amount, error)

	Close()
}

// Tx is the handle passed into a WithPoolLock callback.
type Tx interface {
	// Pool returns the freshly-read, lock-held pool row.
	Pool() *Pool

	// ApplyBalanceDelta applies delta and writes txn atomically. It fails
	// (rolling back the entire enclosing transaction) if any resulting
	// field would go negative (I3), if I1 would be violated, or — unless
	// delta.AllowReserveViolation is set — if I2 would be violated.
	ApplyBalanceDelta(ctx context.Context, delta BalanceDelta, txn *PoolTransaction) error

	// WriteTransaction appends an additional transaction record (e.g. a
	// FEE_COLLECTION or PENALTY_FEE alongside an ADVANCE_REPAYMENT) within
	// the same database transaction, without an additional balance delta.
	WriteTransaction(ctx context.Context, txn *PoolTransaction) error

	// UpdatePoolConfig mutates configuration fields only (spec §4.8
	// updatePool); mutate must not touch capital fields.
	UpdatePoolConfig(ctx context.Context, mutate func(*Pool)) error
}

// TransactionSummary aggregates ledger rows by type over a range
// (SPEC_FULL §D.1 getTransactionSummary).
type TransactionSummary struct {
	PoolID string
	From   time.Time
	To     time.Time
	ByType map[TransactionType]TypeSummary
}

// TypeSummary is the per-type rollup within a TransactionSummary.
type TypeSummary struct {
	Count int64
	Total money.Amount
}
