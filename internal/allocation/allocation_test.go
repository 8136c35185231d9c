package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/events"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/ledger/ledgertest"
	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

func testPool(id string) *ledger.Pool {
	return &ledger.Pool{
		ID:               id,
		Name:             "Test Pool",
		Status:           ledger.StatusActive,
		RiskTier:         ledger.TierA,
		Currency:         "USD",
		TotalCapital:     money.MustNew("100000.00"),
		AvailableCapital: money.MustNew("80000.00"),
		DeployedCapital:  money.MustNew("20000.00"),
		ReservedCapital:  money.Zero,
		MinAdvanceAmount: money.MustNew("100.00"),
		MaxAdvanceAmount: money.MustNew("50000.00"),
		MaxExposureLimit: money.MustNew("25000.00"),
		MinReserveRatio:  money.MustNew("10"),
		DefaultRate:      money.Zero,
		ActualReturnRate: money.MustNew("8"),
	}
}

func newTestEngine(t *testing.T, pools ...*ledger.Pool) (*Engine, *ledgertest.Store) {
	t.Helper()
	store := ledgertest.New()
	for _, p := range pools {
		store.Seed(p)
	}
	accel := balancecache.NewNoopAccelerator(0)
	bus := events.New(accel, nil)
	eng := New(store, accel, bus, 2*time.Second, 500*time.Millisecond, money.MustNew("90"))
	return eng, store
}

func TestAllocate_HappyPath(t *testing.T) {
	require := require.New(t)

	eng, _ := newTestEngine(t, testPool("pool-1"))
	result, err := eng.Allocate(context.Background(), Request{
		AdvanceID:       "adv-1",
		FarmerID:        "farmer-1",
		RequestedAmount: money.MustNew("5000.00"),
		Currency:        "USD",
		RiskTier:        ledger.TierA,
		PreferredPoolID: "pool-1",
	})
	require.NoError(err)
	require.Equal("pool-1", result.PoolID)
	require.True(result.Fees.FarmerFee.Cmp(money.MustNew("100.00")) == 0) // 2% of 5000
	require.True(result.Fees.BuyerFee.Cmp(money.MustNew("50.00")) == 0)   // 1% of 5000
}

func TestAllocate_RejectsZeroOrNegativeAmount(t *testing.T) {
	require := require.New(t)

	eng, _ := newTestEngine(t, testPool("pool-1"))
	_, err := eng.Allocate(context.Background(), Request{
		RequestedAmount: money.Zero,
		PreferredPoolID: "pool-1",
	})
	require.True(lpceerr.Is(err, lpceerr.ValidationError))
}

func TestAllocate_RejectsPausedPool(t *testing.T) {
	require := require.New(t)

	pool := testPool("pool-1")
	pool.Status = ledger.StatusPaused
	eng, _ := newTestEngine(t, pool)

	_, err := eng.Allocate(context.Background(), Request{
		RequestedAmount: money.MustNew("1000.00"),
		PreferredPoolID: "pool-1",
	})
	require.True(lpceerr.Is(err, lpceerr.PoolPaused))
}

func TestAllocate_RejectsBelowMinimum(t *testing.T) {
	require := require.New(t)

	eng, _ := newTestEngine(t, testPool("pool-1"))
	_, err := eng.Allocate(context.Background(), Request{
		RequestedAmount: money.MustNew("50.00"),
		PreferredPoolID: "pool-1",
	})
	require.True(lpceerr.Is(err, lpceerr.AmountBelowMinimum))
}

func TestAllocate_RejectsAboveMaximum(t *testing.T) {
	require := require.New(t)

	eng, _ := newTestEngine(t, testPool("pool-1"))
	_, err := eng.Allocate(context.Background(), Request{
		RequestedAmount: money.MustNew("60000.00"),
		PreferredPoolID: "pool-1",
	})
	require.True(lpceerr.Is(err, lpceerr.AmountAboveMaximum))
}

func TestAllocate_RejectsExceedingSingleAdvanceRatio(t *testing.T) {
	require := require.New(t)

	// Default ratio is 10% of totalCapital (100000) = 10000. 15000 exceeds it,
	// even though it's within min/max advance bounds.
	eng, _ := newTestEngine(t, testPool("pool-1"))
	_, err := eng.Allocate(context.Background(), Request{
		RequestedAmount: money.MustNew("15000.00"),
		PreferredPoolID: "pool-1",
	})
	require.True(lpceerr.Is(err, lpceerr.ExposureLimitExceeded))
}

func TestAllocate_RejectsReserveRatioViolation(t *testing.T) {
	require := require.New(t)

	pool := testPool("pool-1")
	pool.AvailableCapital = money.MustNew("11000.00") // leaves only 1000 headroom above 10% reserve of 100000
	pool.MaxAdvanceAmount = money.MustNew("50000.00")
	eng, _ := newTestEngine(t, pool)

	_, err := eng.Allocate(context.Background(), Request{
		RequestedAmount: money.MustNew("5000.00"),
		PreferredPoolID: "pool-1",
	})
	require.True(lpceerr.Is(err, lpceerr.ReserveRatioViolation))
}

func TestAllocate_RejectsFarmerExposureOverLimit(t *testing.T) {
	require := require.New(t)

	pool := testPool("pool-1")
	eng, store := newTestEngine(t, pool)
	ctx := context.Background()

	// First advance brings farmer-1 to 8000 exposure, under the 25000 limit.
	_, err := eng.Allocate(ctx, Request{
		AdvanceID: "adv-1", FarmerID: "farmer-1",
		RequestedAmount: money.MustNew("8000.00"), PreferredPoolID: "pool-1", RiskTier: ledger.TierA,
	})
	require.NoError(err)

	exposure, err := store.FarmerExposure(ctx, "pool-1", "farmer-1")
	require.NoError(err)
	require.True(exposure.Cmp(money.MustNew("8000.00")) == 0)

	// Second advance would push exposure to 16000, still fine; a further one
	// pushing exposure past 25000 must fail.
	_, err = eng.Allocate(ctx, Request{
		AdvanceID: "adv-2", FarmerID: "farmer-1",
		RequestedAmount: money.MustNew("8000.00"), PreferredPoolID: "pool-1", RiskTier: ledger.TierA,
	})
	require.NoError(err)

	_, err = eng.Allocate(ctx, Request{
		AdvanceID: "adv-3", FarmerID: "farmer-1",
		RequestedAmount: money.MustNew("9001.00"), PreferredPoolID: "pool-1", RiskTier: ledger.TierA,
	})
	require.True(lpceerr.Is(err, lpceerr.FarmerLimitExceeded))
}

func TestAllocate_UpdatesBalancesAndConservesI1(t *testing.T) {
	require := require.New(t)

	eng, store := newTestEngine(t, testPool("pool-1"))
	ctx := context.Background()

	before, err := store.ReadPool(ctx, "pool-1")
	require.NoError(err)

	_, err = eng.Allocate(ctx, Request{
		AdvanceID: "adv-1", RequestedAmount: money.MustNew("3000.00"), PreferredPoolID: "pool-1", RiskTier: ledger.TierA,
	})
	require.NoError(err)

	after, err := store.ReadPool(ctx, "pool-1")
	require.NoError(err)

	require.True(after.AvailableCapital.Cmp(before.AvailableCapital.Sub(money.MustNew("3000.00"))) == 0)
	require.True(after.DeployedCapital.Cmp(before.DeployedCapital.Add(money.MustNew("3000.00"))) == 0)
	// I1: totalCapital unchanged by allocation, and still equals the sum of parts.
	require.True(after.TotalCapital.Cmp(before.TotalCapital) == 0)
	sum := after.AvailableCapital.Add(after.DeployedCapital).Add(after.ReservedCapital)
	require.True(sum.Cmp(after.TotalCapital) == 0)
	require.Equal(int64(1), after.TotalAdvancesIssued)
	require.Equal(int64(1), after.TotalAdvancesActive)
}

func TestAllocate_SelectOptimal_SkipsPoolsOutsideBounds(t *testing.T) {
	require := require.New(t)

	small := testPool("pool-small")
	small.MaxAdvanceAmount = money.MustNew("1000.00")
	big := testPool("pool-big")

	eng, _ := newTestEngine(t, small, big)
	result, err := eng.Allocate(context.Background(), Request{
		AdvanceID:       "adv-1",
		RequestedAmount: money.MustNew("5000.00"),
		Currency:        "USD",
		RiskTier:        ledger.TierA,
		Priority:        LowestRisk,
	})
	require.NoError(err)
	require.Equal("pool-big", result.PoolID)
}

func TestAllocate_NoPoolFound_ReportsAlternatives(t *testing.T) {
	require := require.New(t)

	pool := testPool("pool-1")
	pool.AvailableCapital = money.MustNew("100.00") // effective available far below request
	pool.MaxAdvanceAmount = money.MustNew("50000.00")
	eng, _ := newTestEngine(t, pool)

	_, err := eng.Allocate(context.Background(), Request{
		RequestedAmount: money.MustNew("5000.00"),
		Currency:        "USD",
		RiskTier:        ledger.TierA,
	})
	var lerr *lpceerr.Error
	require.ErrorAs(err, &lerr)
	require.Equal(lpceerr.PoolNotFound, lerr.Kind)
}

func TestAllocate_RetriesOnConcurrentMutation(t *testing.T) {
	require := require.New(t)

	eng, store := newTestEngine(t, testPool("pool-1"))
	store.FailNextCommit = 2 // fails twice, succeeds on the 3rd (default) attempt

	result, err := eng.Allocate(context.Background(), Request{
		AdvanceID: "adv-1", RequestedAmount: money.MustNew("1000.00"), PreferredPoolID: "pool-1", RiskTier: ledger.TierA,
	})
	require.NoError(err)
	require.Equal("pool-1", result.PoolID)
}

func TestAllocate_SurfacesConcurrentMutationWhenExhausted(t *testing.T) {
	require := require.New(t)

	eng, store := newTestEngine(t, testPool("pool-1"))
	store.FailNextCommit = 99 // always conflicts, exceeding retry.Default's attempt budget

	_, err := eng.Allocate(context.Background(), Request{
		AdvanceID: "adv-1", RequestedAmount: money.MustNew("1000.00"), PreferredPoolID: "pool-1", RiskTier: ledger.TierA,
	})
	require.True(lpceerr.Is(err, lpceerr.ConcurrentMutation))
}
