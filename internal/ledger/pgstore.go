package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

// PGStore is the Postgres-backed Store implementation. It follows the
// teacher pool's habit of small, purpose-built wrapper types around a
// single external client (see core/state.StateDB wrapping geth's StateDB).
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore opens a pool against dsn.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "ping postgres")
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// pgTx implements Tx against an open pgx.Tx holding the pool's row lock.
type pgTx struct {
	dbtx pgx.Tx
	pool *Pool
}

func (t *pgTx) Pool() *Pool { return t.pool }

func (s *PGStore) WithPoolLock(ctx context.Context, poolID string, fn func(ctx context.Context, tx Tx) error) error {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = dbtx.Rollback(ctx)
		}
	}()

	pool, err := scanPoolForUpdate(ctx, dbtx, poolID)
	if err != nil {
		return err
	}

	tx := &pgTx{dbtx: dbtx, pool: pool}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := dbtx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return lpceerr.Wrap(lpceerr.ConcurrentMutation, err, "serialization conflict committing pool %s", poolID)
		}
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "commit pool %s", poolID)
	}
	committed = true
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

const poolColumns = `id, name, status, risk_tier, currency,
	total_capital, available_capital, deployed_capital, reserved_capital,
	target_return_rate, actual_return_rate,
	min_advance_amount, max_advance_amount, max_exposure_limit, min_reserve_ratio,
	total_advances_issued, total_advances_completed, total_advances_defaulted, total_advances_active,
	total_disbursed, total_repaid, total_fees_earned, default_rate,
	auto_rebalance_enabled, created_at, updated_at, created_by`

func scanPoolRow(row pgx.Row) (*Pool, error) {
	p := &Pool{}
	err := row.Scan(
		&p.ID, &p.Name, &p.Status, &p.RiskTier, &p.Currency,
		&p.TotalCapital, &p.AvailableCapital, &p.DeployedCapital, &p.ReservedCapital,
		&p.TargetReturnRate, &p.ActualReturnRate,
		&p.MinAdvanceAmount, &p.MaxAdvanceAmount, &p.MaxExposureLimit, &p.MinReserveRatio,
		&p.TotalAdvancesIssued, &p.TotalAdvancesCompleted, &p.TotalAdvancesDefaulted, &p.TotalAdvancesActive,
		&p.TotalDisbursed, &p.TotalRepaid, &p.TotalFeesEarned, &p.DefaultRate,
		&p.AutoRebalanceEnabled, &p.CreatedAt, &p.UpdatedAt, &p.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lpceerr.New(lpceerr.PoolNotFound, "pool not found")
		}
		return nil, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "scan pool row")
	}
	return p, nil
}

func scanPoolForUpdate(ctx context.Context, dbtx pgx.Tx, poolID string) (*Pool, error) {
	row := dbtx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, poolID)
	return scanPoolRow(row)
}

func (s *PGStore) ReadPool(ctx context.Context, poolID string) (*Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, poolID)
	return scanPoolRow(row)
}

func (s *PGStore) ReadPools(ctx context.Context, filter Filter) ([]*Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE 1=1`
	args := []interface{}{}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Currency != nil {
		args = append(args, *filter.Currency)
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if filter.RiskTier != nil {
		args = append(args, *filter.RiskTier)
		query += fmt.Sprintf(" AND risk_tier = $%d", len(args))
	}
	query += " ORDER BY id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "query pools")
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		p, err := scanPoolRow(rows)
		if err != nil {
			return nil, err
		}
		if filter.Expr != "" {
			matches, err := matchesExpr(filter.Expr, p)
			if err != nil {
				return nil, lpceerr.Wrap(lpceerr.ValidationError, err, "evaluate pool filter expression")
			}
			if !matches {
				continue
			}
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PGStore) ReadPoolsByIDs(ctx context.Context, poolIDs []string) ([]*Pool, error) {
	if len(poolIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = ANY($1)`, poolIDs)
	if err != nil {
		return nil, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "query pools by id")
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		p, err := scanPoolRow(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *PGStore) CreatePool(ctx context.Context, p *Pool, deposit *PoolTransaction) error {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "begin create pool transaction")
	}
	defer func() { _ = dbtx.Rollback(ctx) }()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := nowTruncated()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err = dbtx.Exec(ctx, `INSERT INTO pools (`+poolColumns+`) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		p.ID, p.Name, p.Status, p.RiskTier, p.Currency,
		p.TotalCapital, p.AvailableCapital, p.DeployedCapital, p.ReservedCapital,
		p.TargetReturnRate, p.ActualReturnRate,
		p.MinAdvanceAmount, p.MaxAdvanceAmount, p.MaxExposureLimit, p.MinReserveRatio,
		p.TotalAdvancesIssued, p.TotalAdvancesCompleted, p.TotalAdvancesDefaulted, p.TotalAdvancesActive,
		p.TotalDisbursed, p.TotalRepaid, p.TotalFeesEarned, p.DefaultRate,
		p.AutoRebalanceEnabled, p.CreatedAt, p.UpdatedAt, p.CreatedBy,
	)
	if err != nil {
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "insert pool")
	}

	if err := insertTransaction(ctx, dbtx, deposit); err != nil {
		return err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "commit create pool")
	}
	return nil
}

func insertTransaction(ctx context.Context, dbtx pgx.Tx, t *PoolTransaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = nowTruncated()
	}
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return lpceerr.Wrap(lpceerr.ValidationError, err, "marshal transaction metadata")
	}
	_, err = dbtx.Exec(ctx, `INSERT INTO pool_transactions
		(id, pool_id, type, amount, balance_before, balance_after, description, metadata,
		 related_advance_id, related_investor_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.PoolID, t.Type, t.Amount, t.BalanceBefore, t.BalanceAfter, t.Description, metaJSON,
		nullableString(t.RelatedAdvanceID), nullableString(t.RelatedInvestorID), t.CreatedAt,
	)
	if err != nil {
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "insert transaction")
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nowTruncated truncates to microsecond precision, matching Postgres
// timestamp resolution, so round-tripped values compare equal in tests.
func nowTruncated() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func (t *pgTx) WriteTransaction(ctx context.Context, txn *PoolTransaction) error {
	return insertTransaction(ctx, t.dbtx, txn)
}

func (t *pgTx) UpdatePoolConfig(ctx context.Context, mutate func(*Pool)) error {
	before := *t.pool
	mutate(t.pool)
	// updatePool must not touch capital fields (spec §4.8).
	if t.pool.TotalCapital.Cmp(before.TotalCapital) != 0 ||
		t.pool.AvailableCapital.Cmp(before.AvailableCapital) != 0 ||
		t.pool.DeployedCapital.Cmp(before.DeployedCapital) != 0 ||
		t.pool.ReservedCapital.Cmp(before.ReservedCapital) != 0 {
		return lpceerr.New(lpceerr.ValidationError, "updatePool must not mutate capital fields")
	}
	t.pool.UpdatedAt = nowTruncated()
	_, err := t.dbtx.Exec(ctx, `UPDATE pools SET
		name=$1, status=$2, risk_tier=$3, currency=$4,
		target_return_rate=$5, min_advance_amount=$6, max_advance_amount=$7,
		max_exposure_limit=$8, min_reserve_ratio=$9, auto_rebalance_enabled=$10,
		updated_at=$11
		WHERE id=$12`,
		t.pool.Name, t.pool.Status, t.pool.RiskTier, t.pool.Currency,
		t.pool.TargetReturnRate, t.pool.MinAdvanceAmount, t.pool.MaxAdvanceAmount,
		t.pool.MaxExposureLimit, t.pool.MinReserveRatio, t.pool.AutoRebalanceEnabled,
		t.pool.UpdatedAt, t.pool.ID,
	)
	if err != nil {
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "update pool config")
	}
	return nil
}

// ApplyBalanceDelta applies delta to the locked pool row and writes txn
// atomically, enforcing I1/I2/I3 (spec §3, §4.1).
func (t *pgTx) ApplyBalanceDelta(ctx context.Context, delta BalanceDelta, txn *PoolTransaction) error {
	p := t.pool

	newAvailable := p.AvailableCapital.Add(delta.AvailableDelta)
	newDeployed := p.DeployedCapital.Add(delta.DeployedDelta)
	newReserved := p.ReservedCapital.Add(delta.ReservedDelta)
	newTotal := p.TotalCapital.Add(delta.TotalCapitalDelta)

	// I3: no field ever negative.
	if newAvailable.IsNegative() || newDeployed.IsNegative() || newReserved.IsNegative() || newTotal.IsNegative() {
		return lpceerr.New(lpceerr.InvariantViolation,
			"pool %s: balance delta would make a field negative (available=%s deployed=%s reserved=%s total=%s)",
			p.ID, newAvailable, newDeployed, newReserved, newTotal)
	}

	// I1: totalCapital = available + deployed + reserved(ledger-side).
	sum := newAvailable.Add(newDeployed).Add(newReserved)
	if sum.RoundToScale().Cmp(newTotal.RoundToScale()) != 0 {
		return lpceerr.New(lpceerr.InvariantViolation,
			"pool %s: I1 violated, total=%s but available+deployed+reserved=%s", p.ID, newTotal, sum)
	}

	// I2: reserve ratio respected outside default-loss recognition.
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
	p.UpdatedAt = nowTruncated()

	_, err := t.dbtx.Exec(ctx, `UPDATE pools SET
		available_capital=$1, deployed_capital=$2, reserved_capital=$3, total_capital=$4,
		total_disbursed=$5, total_repaid=$6, total_fees_earned=$7,
		total_advances_issued=$8, total_advances_active=$9, total_advances_completed=$10, total_advances_defaulted=$11,
		default_rate=$12, updated_at=$13
		WHERE id=$14`,
		p.AvailableCapital, p.DeployedCapital, p.ReservedCapital, p.TotalCapital,
		p.TotalDisbursed, p.TotalRepaid, p.TotalFeesEarned,
		p.TotalAdvancesIssued, p.TotalAdvancesActive, p.TotalAdvancesCompleted, p.TotalAdvancesDefaulted,
		p.DefaultRate, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return lpceerr.Wrap(lpceerr.StoreUnavailable, err, "apply balance delta")
	}

	txn.PoolID = p.ID
	txn.BalanceBefore = p.AvailableCapital.Sub(delta.AvailableDelta)
	txn.BalanceAfter = p.AvailableCapital
	return insertTransaction(ctx, t.dbtx, txn)
}

func (s *PGStore) GetTransactions(ctx context.Context, poolID string, filter TransactionFilter, page Page) ([]*PoolTransaction, error) {
	query := `SELECT id, pool_id, type, amount, balance_before, balance_after, description, metadata,
		COALESCE(related_advance_id, ''), COALESCE(related_investor_id, ''), created_at
		FROM pool_transactions WHERE pool_id = $1`
	args := []interface{}{poolID}

	if len(filter.Types) > 0 {
		args = append(args, filter.Types)
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	if filter.RelatedAdvanceID != "" {
		args = append(args, filter.RelatedAdvanceID)
		query += fmt.Sprintf(" AND related_advance_id = $%d", len(args))
	}
	if filter.RelatedInvestorID != "" {
		args = append(args, filter.RelatedInvestorID)
		query += fmt.Sprintf(" AND related_investor_id = $%d", len(args))
	}

	query += " ORDER BY created_at DESC, id DESC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "query transactions")
	}
	defer rows.Close()

	var out []*PoolTransaction
	for rows.Next() {
		t := &PoolTransaction{}
		var metaJSON []byte
		if err := rows.Scan(&t.ID, &t.PoolID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
			&t.Description, &metaJSON, &t.RelatedAdvanceID, &t.RelatedInvestorID, &t.CreatedAt); err != nil {
			return nil, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "scan transaction row")
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
				return nil, lpceerr.Wrap(lpceerr.InternalError, err, "unmarshal transaction metadata")
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) GetTransactionSummary(ctx context.Context, poolID string, from, to time.Time) (TransactionSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, COUNT(*), COALESCE(SUM(amount), 0)
		FROM pool_transactions WHERE pool_id = $1 AND created_at >= $2 AND created_at <= $3
		GROUP BY type`, poolID, from, to)
	if err != nil {
		return TransactionSummary{}, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "query transaction summary")
	}
	defer rows.Close()

	summary := TransactionSummary{PoolID: poolID, From: from, To: to, ByType: map[TransactionType]TypeSummary{}}
	for rows.Next() {
		var typ TransactionType
		var count int64
		var total money.Amount
		if err := rows.Scan(&typ, &count, &total); err != nil {
			return TransactionSummary{}, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "scan transaction summary row")
		}
		summary.ByType[typ] = TypeSummary{Count: count, Total: total}
	}
	return summary, rows.Err()
}

func (s *PGStore) FarmerExposure(ctx context.Context, poolID, farmerID string) (money.Amount, error) {
	var disbursed, repaid money.Amount
	row := s.pool.QueryRow(ctx, `SELECT
		COALESCE(SUM(amount) FILTER (WHERE type = $3), 0),
		COALESCE(SUM(amount) FILTER (WHERE type = $4), 0)
		FROM pool_transactions
		WHERE pool_id = $1 AND metadata ->> 'farmerId' = $2`,
		poolID, farmerID, TxAdvanceDisbursement, TxAdvanceRepayment)
	if err := row.Scan(&disbursed, &repaid); err != nil {
		return money.Zero, lpceerr.Wrap(lpceerr.StoreUnavailable, err, "query farmer exposure %s/%s", poolID, farmerID)
	}
	exposure := disbursed.Sub(repaid)
	if exposure.IsNegative() {
		return money.Zero, nil
	}
	return exposure, nil
}
