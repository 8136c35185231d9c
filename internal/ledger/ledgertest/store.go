// Package ledgertest exposes an in-memory ledger.Store for exercising
// allocation, release, reservation, and admin logic without Postgres. It
// mirrors PGStore's invariant checks (I1/I2/I3) so tests see the same
// rejection behavior a real database would enforce.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

// Store is an in-memory ledger.Store. It is safe for concurrent use; unlike
// PGStore it does not detect write-skew across transactions started in
// overlapping goroutines (there is no real serializable snapshot), so
// FailNextCommit exists for tests that need to exercise the
// ConcurrentMutation retry path deliberately.
type Store struct {
	mu           sync.Mutex
	pools        map[string]*ledger.Pool
	transactions map[string][]*ledger.PoolTransaction

	// FailNextCommit, when > 0, makes the next N calls to WithPoolLock's
	// commit step return ConcurrentMutation instead of applying fn's
	// changes, decrementing by one per call.
	FailNextCommit int
}

var _ ledger.Store = (*Store)(nil)

// New builds an empty Store.
func New() *Store {
	return &Store{
		pools:        map[string]*ledger.Pool{},
		transactions: map[string][]*ledger.PoolTransaction{},
	}
}

// Seed inserts p directly, bypassing CreatePool's transaction bookkeeping.
func (s *Store) Seed(p *ledger.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pools[p.ID] = &cp
}

func (s *Store) Close() {}

func (s *Store) ReadPool(_ context.Context, poolID string) (*ledger.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolID]
	if !ok {
		return nil, lpceerr.New(lpceerr.PoolNotFound, "pool %s not found", poolID)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ReadPools(_ context.Context, filter ledger.Filter) ([]*ledger.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.Pool
	for _, p := range s.pools {
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.Currency != nil && p.Currency != *filter.Currency {
			continue
		}
		if filter.RiskTier != nil && p.RiskTier != *filter.RiskTier {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ReadPoolsByIDs(_ context.Context, poolIDs []string) ([]*ledger.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.Pool
	for _, id := range poolIDs {
		if p, ok := s.pools[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreatePool(_ context.Context, p *ledger.Pool, deposit *ledger.PoolTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.pools[p.ID] = &cp

	deposit.PoolID = p.ID
	if deposit.ID == "" {
		deposit.ID = uuid.NewString()
	}
	deposit.CreatedAt = now
	s.transactions[p.ID] = append(s.transactions[p.ID], deposit)
	return nil
}

func (s *Store) GetTransactions(_ context.Context, poolID string, filter ledger.TransactionFilter, page ledger.Page) ([]*ledger.PoolTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ledger.PoolTransaction
	for _, t := range s.transactions[poolID] {
		if len(filter.Types) > 0 && !containsType(filter.Types, t.Type) {
			continue
		}
		if filter.From != nil && t.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && t.CreatedAt.After(*filter.To) {
			continue
		}
		if filter.RelatedAdvanceID != "" && t.RelatedAdvanceID != filter.RelatedAdvanceID {
			continue
		}
		out = append(out, t)
	}
	if page.Offset > 0 && page.Offset < len(out) {
		out = out[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(out) {
		out = out[:page.Limit]
	}
	return out, nil
}

func containsType(types []ledger.TransactionType, t ledger.TransactionType) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func (s *Store) GetTransactionSummary(_ context.Context, poolID string, from, to time.Time) (ledger.TransactionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := ledger.TransactionSummary{PoolID: poolID, From: from, To: to, ByType: map[ledger.TransactionType]ledger.TypeSummary{}}
	for _, t := range s.transactions[poolID] {
		if t.CreatedAt.Before(from) || t.CreatedAt.After(to) {
			continue
		}
		agg := summary.ByType[t.Type]
		agg.Count++
		agg.Total = agg.Total.Add(t.Amount)
		summary.ByType[t.Type] = agg
	}
	return summary, nil
}

func (s *Store) FarmerExposure(_ context.Context, poolID, farmerID string) (money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exposure := money.Zero
	for _, t := range s.transactions[poolID] {
		if t.Metadata["farmerId"] != farmerID {
			continue
		}
		switch t.Type {
		case ledger.TxAdvanceDisbursement:
			exposure = exposure.Add(t.Amount)
		case ledger.TxAdvanceRepayment:
			exposure = exposure.Sub(t.Amount)
		}
	}
	if exposure.IsNegative() {
		return money.Zero, nil
	}
	return exposure, nil
}

// storeTx implements ledger.Tx against the Store's in-memory pool map. All
// mutation happens on a copy; it is only written back to s.pools if the
// enclosing WithPoolLock call commits.
type storeTx struct {
	s    *Store
	pool *ledger.Pool
	txns []*ledger.PoolTransaction
}

func (t *storeTx) Pool() *ledger.Pool { return t.pool }

func (t *storeTx) ApplyBalanceDelta(_ context.Context, delta ledger.BalanceDelta, txn *ledger.PoolTransaction) error {
	p := t.pool

	newAvailable := p.AvailableCapital.Add(delta.AvailableDelta)
	newDeployed := p.DeployedCapital.Add(delta.DeployedDelta)
	newReserved := p.ReservedCapital.Add(delta.ReservedDelta)
	newTotal := p.TotalCapital.Add(delta.TotalCapitalDelta)

	if newAvailable.IsNegative() || newDeployed.IsNegative() || newReserved.IsNegative() || newTotal.IsNegative() {
		return lpceerr.New(lpceerr.InvariantViolation,
			"pool %s: balance delta would make a field negative (available=%s deployed=%s reserved=%s total=%s)",
			p.ID, newAvailable, newDeployed, newReserved, newTotal)
	}

	sum := newAvailable.Add(newDeployed).Add(newReserved)
	if sum.RoundToScale().Cmp(newTotal.RoundToScale()) != 0 {
		return lpceerr.New(lpceerr.InvariantViolation,
			"pool %s: I1 violated, total=%s but available+deployed+reserved=%s", p.ID, newTotal, sum)
	}

	if !delta.AllowReserveViolation && newTotal.IsPositive() {
		required := newTotal.Pct(p.MinReserveRatio.Decimal())
		if newAvailable.LessThan(required) {
			return lpceerr.New(lpceerr.ReserveRatioViolation,
				"pool %s: available %s would fall below required reserve %s", p.ID, newAvailable, required)
		}
	}

	p.AvailableCapital = newAvailable
	p.DeployedCapital = newDeployed
	p.ReservedCapital = newReserved
	p.TotalCapital = newTotal
	p.TotalDisbursed = p.TotalDisbursed.Add(delta.TotalDisbursedDelta)
	p.TotalRepaid = p.TotalRepaid.Add(delta.TotalRepaidDelta)
	p.TotalFeesEarned = p.TotalFeesEarned.Add(delta.TotalFeesDelta)
	p.TotalAdvancesIssued += delta.IssuedDelta
	p.TotalAdvancesActive += delta.ActiveDelta
	p.TotalAdvancesCompleted += delta.CompletedDelta
	p.TotalAdvancesDefaulted += delta.DefaultedDelta
	if delta.RecomputeDefaultRate {
		issued := p.TotalAdvancesIssued
		if issued < 1 {
			issued = 1
		}
		p.DefaultRate = money.FromInt(p.TotalAdvancesDefaulted).Mul(money.FromInt(100)).Div(money.FromInt(issued))
	}
	p.UpdatedAt = time.Now().UTC()

	txn.PoolID = p.ID
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	txn.BalanceBefore = p.AvailableCapital.Sub(delta.AvailableDelta)
	txn.BalanceAfter = p.AvailableCapital
	txn.CreatedAt = p.UpdatedAt
	t.txns = append(t.txns, txn)
	return nil
}

func (t *storeTx) WriteTransaction(_ context.Context, txn *ledger.PoolTransaction) error {
	txn.PoolID = t.pool.ID
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	t.txns = append(t.txns, txn)
	return nil
}

func (t *storeTx) UpdatePoolConfig(_ context.Context, mutate func(*ledger.Pool)) error {
	before := *t.pool
	mutate(t.pool)
	if t.pool.TotalCapital.Cmp(before.TotalCapital) != 0 ||
		t.pool.AvailableCapital.Cmp(before.AvailableCapital) != 0 ||
		t.pool.DeployedCapital.Cmp(before.DeployedCapital) != 0 ||
		t.pool.ReservedCapital.Cmp(before.ReservedCapital) != 0 {
		return lpceerr.New(lpceerr.ValidationError, "updatePool must not mutate capital fields")
	}
	t.pool.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) WithPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	s.mu.Lock()
	p, ok := s.pools[poolID]
	if !ok {
		s.mu.Unlock()
		return lpceerr.New(lpceerr.PoolNotFound, "pool %s not found", poolID)
	}
	cp := *p
	s.mu.Unlock()

	tx := &storeTx{s: s, pool: &cp}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextCommit > 0 {
		s.FailNextCommit--
		return lpceerr.New(lpceerr.ConcurrentMutation, "simulated serialization conflict committing pool %s", poolID)
	}
	s.pools[poolID] = tx.pool
	s.transactions[poolID] = append(s.transactions[poolID], tx.txns...)
	return nil
}
