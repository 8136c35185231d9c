package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/ledger/ledgertest"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

func validCreateRequest() CreateRequest {
	return CreateRequest{
		Name:             "Harvest Pool",
		RiskTier:         ledger.TierB,
		Currency:         "USD",
		InitialCapital:   money.MustNew("100000.00"),
		MinAdvanceAmount: money.MustNew("100.00"),
		MaxAdvanceAmount: money.MustNew("20000.00"),
		MaxExposureLimit: money.MustNew("25000.00"),
		MinReserveRatio:  money.MustNew("10"),
		TargetReturnRate: money.MustNew("8"),
	}
}

func TestCreatePool_Success(t *testing.T) {
	require := require.New(t)

	a := New(ledgertest.New(), 0)
	pool, err := a.CreatePool(context.Background(), validCreateRequest())
	require.NoError(err)
	require.True(pool.TotalCapital.Cmp(money.MustNew("100000.00")) == 0)
	require.True(pool.AvailableCapital.Cmp(pool.TotalCapital) == 0)
	require.True(pool.DeployedCapital.IsZero())
	require.Equal(ledger.StatusActive, pool.Status)
}

func TestCreatePool_RejectsNonPositiveInitialCapital(t *testing.T) {
	require := require.New(t)

	a := New(ledgertest.New(), 0)
	req := validCreateRequest()
	req.InitialCapital = money.Zero
	_, err := a.CreatePool(context.Background(), req)
	require.True(lpceerr.Is(err, lpceerr.ValidationError))
}

func TestCreatePool_RejectsEmptyCurrency(t *testing.T) {
	require := require.New(t)

	a := New(ledgertest.New(), 0)
	req := validCreateRequest()
	req.Currency = ""
	_, err := a.CreatePool(context.Background(), req)
	require.True(lpceerr.Is(err, lpceerr.ValidationError))
}

func TestCreatePool_RejectsInvertedAdvanceBounds(t *testing.T) {
	require := require.New(t)

	a := New(ledgertest.New(), 0)
	req := validCreateRequest()
	req.MinAdvanceAmount = money.MustNew("5000.00")
	req.MaxAdvanceAmount = money.MustNew("1000.00")
	_, err := a.CreatePool(context.Background(), req)
	require.True(lpceerr.Is(err, lpceerr.ValidationError))
}

func TestCreatePool_RejectsInvalidRiskTier(t *testing.T) {
	require := require.New(t)

	a := New(ledgertest.New(), 0)
	req := validCreateRequest()
	req.RiskTier = "Z"
	_, err := a.CreatePool(context.Background(), req)
	require.True(lpceerr.Is(err, lpceerr.ValidationError))
}

func TestUpdatePool_MutatesOnlyConfigFields(t *testing.T) {
	require := require.New(t)

	store := ledgertest.New()
	a := New(store, 0)
	pool, err := a.CreatePool(context.Background(), validCreateRequest())
	require.NoError(err)

	newName := "Renamed Pool"
	newStatus := ledger.StatusPaused
	updated, err := a.UpdatePool(context.Background(), pool.ID, UpdateRequest{
		Name:   &newName,
		Status: &newStatus,
	})
	require.NoError(err)
	require.Equal(newName, updated.Name)
	require.Equal(ledger.StatusPaused, updated.Status)
	require.True(updated.TotalCapital.Cmp(pool.TotalCapital) == 0)
	require.True(updated.AvailableCapital.Cmp(pool.AvailableCapital) == 0)
}

func TestListPools_FiltersByStatus(t *testing.T) {
	require := require.New(t)

	store := ledgertest.New()
	a := New(store, 0)
	_, err := a.CreatePool(context.Background(), validCreateRequest())
	require.NoError(err)

	active := ledger.StatusActive
	pools, err := a.ListPools(context.Background(), ledger.Filter{Status: &active})
	require.NoError(err)
	require.Len(pools, 1)

	paused := ledger.StatusPaused
	pools, err = a.ListPools(context.Background(), ledger.Filter{Status: &paused})
	require.NoError(err)
	require.Empty(pools)
}

func TestCheckAdvanceEligibility_Eligible(t *testing.T) {
	require := require.New(t)

	store := ledgertest.New()
	a := New(store, 10)
	pool, err := a.CreatePool(context.Background(), validCreateRequest())
	require.NoError(err)

	elig, err := a.CheckAdvanceEligibility(context.Background(), pool.ID, money.MustNew("5000.00"), ledger.TierB)
	require.NoError(err)
	require.True(elig.Eligible)
	require.Empty(elig.FailingConstraints)
}

func TestCheckAdvanceEligibility_ReportsAllFailingConstraints(t *testing.T) {
	require := require.New(t)

	store := ledgertest.New()
	a := New(store, 10)
	pool, err := a.CreatePool(context.Background(), validCreateRequest())
	require.NoError(err)

	// Wrong tier, over maxAdvanceAmount, and over the single-advance ratio
	// (10% of 100000 = 10000) all at once.
	elig, err := a.CheckAdvanceEligibility(context.Background(), pool.ID, money.MustNew("30000.00"), ledger.TierA)
	require.NoError(err)
	require.False(elig.Eligible)
	require.Contains(elig.FailingConstraints, "riskTier")
	require.Contains(elig.FailingConstraints, "maxAdvanceAmount")
	require.Contains(elig.FailingConstraints, "maxSingleAdvanceRatio")
}

func TestCheckAdvanceEligibility_GoverningConstraintIsTightest(t *testing.T) {
	require := require.New(t)

	store := ledgertest.New()
	a := New(store, 10)
	pool, err := a.CreatePool(context.Background(), validCreateRequest())
	require.NoError(err)

	// maxAdvanceAmount=20000, maxSingle=10000 (10% of 100000): the single
	// advance ratio should govern, being the tighter ceiling.
	elig, err := a.CheckAdvanceEligibility(context.Background(), pool.ID, money.MustNew("1000.00"), ledger.TierB)
	require.NoError(err)
	require.Equal("maxSingleAdvanceRatio", elig.GoverningConstraint)
	require.True(elig.MaxAllowedAmount.Cmp(money.MustNew("10000.00")) == 0)
}
