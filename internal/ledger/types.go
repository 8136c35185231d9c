// Package ledger is the durable LedgerStore (spec §4.1): Pool rows and the
// append-only PoolTransaction log, persisted with pgx against Postgres.
package ledger

import (
	"time"

	"github.com/agrofin/lpce/internal/money"
)

// PoolStatus is spec §3's status enum (bit-identical strings, spec §6).
type PoolStatus string

const (
	StatusActive      PoolStatus = "ACTIVE"
	StatusPaused      PoolStatus = "PAUSED"
	StatusClosed      PoolStatus = "CLOSED"
	StatusLiquidating PoolStatus = "LIQUIDATING"
)

// RiskTier is spec §3's tier enum.
type RiskTier string

const (
	TierA RiskTier = "A"
	TierB RiskTier = "B"
	TierC RiskTier = "C"
)

// TransactionType is spec §6's ledger transaction type enum.
type TransactionType string

const (
	TxCapitalDeposit      TransactionType = "CAPITAL_DEPOSIT"
	TxCapitalWithdrawal   TransactionType = "CAPITAL_WITHDRAWAL"
	TxAdvanceDisbursement TransactionType = "ADVANCE_DISBURSEMENT"
	TxAdvanceRepayment    TransactionType = "ADVANCE_REPAYMENT"
	TxFeeCollection       TransactionType = "FEE_COLLECTION"
	TxInterestDistrib     TransactionType = "INTEREST_DISTRIBUTION"
	TxPenaltyFee          TransactionType = "PENALTY_FEE"
	TxAdjustment          TransactionType = "ADJUSTMENT"
	TxReserveAllocation   TransactionType = "RESERVE_ALLOCATION"
)

// RelatedEntityType annotates the kind of external id attached to an event
// or transaction (spec §6 event payload schema).
type RelatedEntityType string

const (
	RelatedAdvance    RelatedEntityType = "ADVANCE"
	RelatedInvestor   RelatedEntityType = "INVESTOR"
	RelatedAdjustment RelatedEntityType = "ADJUSTMENT"
)

// Pool is the unit of committed capital (spec §3).
type Pool struct {
	ID       string
	Name     string
	Status   PoolStatus
	RiskTier RiskTier
	Currency string

	TotalCapital     money.Amount
	AvailableCapital money.Amount
	DeployedCapital  money.Amount
	ReservedCapital  money.Amount

	TargetReturnRate decimal64
	ActualReturnRate decimal64

	MinAdvanceAmount money.Amount
	MaxAdvanceAmount money.Amount
	MaxExposureLimit money.Amount
	MinReserveRatio  decimal64

	TotalAdvancesIssued    int64
	TotalAdvancesCompleted int64
	TotalAdvancesDefaulted int64
	TotalAdvancesActive    int64
	TotalDisbursed         money.Amount
	TotalRepaid            money.Amount
	TotalFeesEarned        money.Amount
	DefaultRate            decimal64

	AutoRebalanceEnabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
}

// decimal64 names the percentage-valued fields. It is an alias of
// money.Amount, so percentages share the money type's decimal arithmetic and
// scale-2 rounding.
type decimal64 = money.Amount

// PoolTransaction is an append-only ledger entry (spec §3). Transactions are
// never mutated or deleted (P6).
type PoolTransaction struct {
	ID               string
	PoolID           string
	Type             TransactionType
	Amount           money.Amount
	BalanceBefore    money.Amount
	BalanceAfter     money.Amount
	Description      string
	Metadata         map[string]interface{}
	RelatedAdvanceID string
	RelatedInvestorID string
	CreatedAt        time.Time
}

// BalanceDelta is the signed set of field changes ApplyBalanceDelta applies
// atomically inside an existing pool-locked transaction (spec §4.1).
type BalanceDelta struct {
	AvailableDelta money.Amount
	DeployedDelta  money.Amount
	ReservedDelta  money.Amount

	IssuedDelta    int64
	ActiveDelta    int64
	CompletedDelta int64
	DefaultedDelta int64

	TotalDisbursedDelta money.Amount
	TotalRepaidDelta    money.Amount
	TotalFeesDelta      money.Amount

	// RecomputeDefaultRate requests defaulted/max(issued,1)*100 after counters
	// apply.
	RecomputeDefaultRate bool

	// AllowReserveViolation is set only by default-loss recognition (spec
	// I2: "best effort" on that path alone).
	AllowReserveViolation bool

	// TotalCapitalDelta is non-zero only for deposits/withdrawals and for
	// default-loss recognition, which spec §9 resolves as shrinking
	// totalCapital by the loss to preserve I1.
	TotalCapitalDelta money.Amount
}

// Filter narrows ReadPools / ListPools queries (spec §4.8 listPools).
type Filter struct {
	Status   *PoolStatus
	Currency *string
	RiskTier *RiskTier
	// Expr is an optional hashicorp/go-bexpr boolean expression evaluated
	// against Pool, for ad-hoc filtering beyond the typed fields above.
	Expr string
}

// TransactionFilter narrows GetTransactions (SPEC_FULL §D.1).
type TransactionFilter struct {
	Types            []TransactionType
	From             *time.Time
	To               *time.Time
	RelatedAdvanceID string
	RelatedInvestorID string
}

// Page is a simple offset/limit page request.
type Page struct {
	Offset int
	Limit  int
}
