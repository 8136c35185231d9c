package e2e

import (
	"context"
	"time"

	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/agrofin/lpce/internal/admin"
	"github.com/agrofin/lpce/internal/allocation"
	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/config"
	"github.com/agrofin/lpce/internal/engine"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/ledger/ledgertest"
	"github.com/agrofin/lpce/internal/money"
	"github.com/agrofin/lpce/internal/release"
	"github.com/agrofin/lpce/internal/reservation"
)

func newEngine() (*engine.Engine, *ledgertest.Store) {
	store := ledgertest.New()
	// NoopAccelerator runs Degraded()==false by default, so this exercises
	// the same accelerator-backed locking and reservation TTL sweep a
	// single-process no-Redis deployment runs in production (spec §4.2).
	accel := balancecache.NewNoopAccelerator(0)
	cfg := config.Defaults()
	cfg.DistributedLockLease = 2 * time.Second
	cfg.LockAcquireTimeout = time.Second
	eng, err := engine.New(cfg, store, accel, nil)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return eng, store
}

func mustCreatePool(eng *engine.Engine, req admin.CreateRequest) *ledger.Pool {
	pool, err := eng.CreatePool(context.Background(), req)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return pool
}

var _ = ginkgo.Describe("S1: create, allocate, repay", func() {
	ginkgo.It("conserves capital across a full advance lifecycle", func() {
		ctx := context.Background()
		eng, _ := newEngine()

		pool := mustCreatePool(eng, admin.CreateRequest{
			Name: "P1", RiskTier: ledger.TierA, Currency: "MXN",
			InitialCapital:   money.MustNew("1000000.00"),
			MinReserveRatio:  money.MustNew("15"),
			MinAdvanceAmount: money.MustNew("5000.00"),
			MaxAdvanceAmount: money.MustNew("100000.00"),
		})

		allocResult, err := eng.AllocateCapital(ctx, allocation.Request{
			AdvanceID: "adv-1", FarmerID: "farmer-1", RequestedAmount: money.MustNew("50000.00"),
			Currency: "MXN", RiskTier: ledger.TierA, PreferredPoolID: pool.ID,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		after, err := eng.GetPoolDetails(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(after.AvailableCapital.Cmp(money.MustNew("950000.00"))).To(gomega.Equal(0))
		gomega.Expect(after.DeployedCapital.Cmp(money.MustNew("50000.00"))).To(gomega.Equal(0))
		gomega.Expect(after.TotalAdvancesIssued).To(gomega.Equal(int64(1)))
		gomega.Expect(after.TotalAdvancesActive).To(gomega.Equal(int64(1)))

		txns, err := eng.GetTransactions(ctx, pool.ID, ledger.TransactionFilter{Types: []ledger.TransactionType{ledger.TxAdvanceDisbursement}}, ledger.Page{})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(txns).To(gomega.HaveLen(1))
		gomega.Expect(txns[0].Amount.Cmp(money.MustNew("50000.00"))).To(gomega.Equal(0))

		_, err = eng.ReleaseCapital(ctx, release.Request{
			AdvanceID: "adv-1", PoolID: pool.ID, FarmerID: "farmer-1",
			Type: release.FullRepayment, Source: release.BuyerPayment,
			Principal: money.MustNew("50000.00"), Fees: money.MustNew("1000.00"), Penalties: money.Zero,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		final, err := eng.GetPoolDetails(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(final.AvailableCapital.Cmp(money.MustNew("1001000.00"))).To(gomega.Equal(0))
		gomega.Expect(final.DeployedCapital.IsZero()).To(gomega.BeTrue())
		gomega.Expect(allocResult.TransactionID).NotTo(gomega.BeEmpty())
		gomega.Expect(final.TotalAdvancesCompleted).To(gomega.Equal(int64(1)))
		gomega.Expect(final.TotalAdvancesActive).To(gomega.Equal(int64(0)))
	})
})

var _ = ginkgo.Describe("S2: reserve, expire, re-allocate", func() {
	ginkgo.It("releases effective availability once the reservation sweeps", func() {
		ctx := context.Background()
		eng, _ := newEngine()

		pool := mustCreatePool(eng, admin.CreateRequest{
			Name: "P1", RiskTier: ledger.TierA, Currency: "MXN",
			InitialCapital:   money.MustNew("1000000.00"),
			MinReserveRatio:  money.MustNew("15"),
			MinAdvanceAmount: money.MustNew("5000.00"),
			MaxAdvanceAmount: money.MustNew("100000.00"),
		})
		// Bring the pool to rest at available=950,000 the way S1 leaves it
		// after its first allocation, without running S1's own assertions.
		_, err := eng.AllocateCapital(ctx, allocation.Request{
			AdvanceID: "adv-0", RequestedAmount: money.MustNew("50000.00"),
			Currency: "MXN", RiskTier: ledger.TierA, PreferredPoolID: pool.ID,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		res, err := eng.CreateReservation(ctx, reservation.CreateRequest{
			PoolID: pool.ID, AdvanceID: "adv-1", Amount: money.MustNew("100000.00"), TTL: time.Second,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		snap, err := eng.GetBalance(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		// 950,000 - 150,000 (15% required reserve) - 100,000 (hold) = 700,000
		gomega.Expect(snap.EffectiveAvailable.Cmp(money.MustNew("700000.00"))).To(gomega.Equal(0))

		sweepCtx, stopSweep := context.WithCancel(ctx)
		defer stopSweep()
		go eng.Reservation.RunSweep(sweepCtx, 200*time.Millisecond, func() []string { return []string{pool.ID} })

		time.Sleep(2 * time.Second)

		snap, err = eng.GetBalance(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(snap.EffectiveAvailable.Cmp(money.MustNew("800000.00"))).To(gomega.Equal(0))

		_, err = eng.AllocateCapital(ctx, allocation.Request{
			AdvanceID: "adv-2", RequestedAmount: money.MustNew("100000.00"),
			Currency: "MXN", RiskTier: ledger.TierA, PreferredPoolID: pool.ID,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		_ = res
	})
})

var _ = ginkgo.Describe("S3: concurrent allocations, one wins", func() {
	ginkgo.It("lets exactly one of two conflicting allocations succeed", func() {
		ctx := context.Background()
		eng, _ := newEngine()

		pool := mustCreatePool(eng, admin.CreateRequest{
			Name: "P1", RiskTier: ledger.TierA, Currency: "USD",
			InitialCapital:   money.MustNew("60000.00"),
			MinReserveRatio:  money.Zero,
			MinAdvanceAmount: money.MustNew("100.00"),
			MaxAdvanceAmount: money.MustNew("100000.00"),
		})

		type outcome struct {
			err error
		}
		results := make(chan outcome, 2)
		for i := 0; i < 2; i++ {
			i := i
			go func() {
				_, err := eng.AllocateCapital(ctx, allocation.Request{
					AdvanceID: "adv-concurrent", RequestedAmount: money.MustNew("50000.00"),
					Currency: "USD", RiskTier: ledger.TierA, PreferredPoolID: pool.ID,
					MaxSingleAdvanceRatioPct: 100, // disable the single-advance ratio limit so only availability gates this scenario
				})
				results <- outcome{err: err}
				_ = i
			}()
		}

		var successes, failures int
		for i := 0; i < 2; i++ {
			o := <-results
			if o.err == nil {
				successes++
			} else {
				failures++
			}
		}
		gomega.Expect(successes).To(gomega.Equal(1))
		gomega.Expect(failures).To(gomega.Equal(1))

		final, err := eng.GetPoolDetails(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(final.DeployedCapital.Cmp(money.MustNew("50000.00"))).To(gomega.Equal(0))
	})
})

var _ = ginkgo.Describe("S4: reserve ratio exactness", func() {
	ginkgo.It("allows the 8th allocation and rejects the 9th", func() {
		ctx := context.Background()
		eng, _ := newEngine()

		pool := mustCreatePool(eng, admin.CreateRequest{
			Name: "P1", RiskTier: ledger.TierA, Currency: "USD",
			InitialCapital:   money.MustNew("100000.00"),
			MinReserveRatio:  money.MustNew("15"),
			MinAdvanceAmount: money.MustNew("100.00"),
			MaxAdvanceAmount: money.MustNew("100000.00"),
		})

		var lastErr error
		for i := 1; i <= 9; i++ {
			_, err := eng.AllocateCapital(ctx, allocation.Request{
				AdvanceID: "adv-seq", RequestedAmount: money.MustNew("10000.00"),
				Currency: "USD", RiskTier: ledger.TierA, PreferredPoolID: pool.ID,
			})
			if i < 9 {
				gomega.Expect(err).NotTo(gomega.HaveOccurred())
			} else {
				lastErr = err
			}
		}
		gomega.Expect(lastErr).To(gomega.HaveOccurred())

		final, err := eng.GetPoolDetails(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(final.DeployedCapital.Cmp(money.MustNew("80000.00"))).To(gomega.Equal(0))
		gomega.Expect(final.AvailableCapital.Cmp(money.MustNew("20000.00"))).To(gomega.Equal(0))
	})
})

var _ = ginkgo.Describe("S5: default loss", func() {
	ginkgo.It("shrinks deployed and totalCapital and records an ADJUSTMENT", func() {
		ctx := context.Background()
		eng, _ := newEngine()

		pool := mustCreatePool(eng, admin.CreateRequest{
			Name: "P1", RiskTier: ledger.TierA, Currency: "USD",
			InitialCapital:   money.MustNew("500000.00"),
			MinReserveRatio:  money.Zero,
			MinAdvanceAmount: money.MustNew("100.00"),
			MaxAdvanceAmount: money.MustNew("100000.00"),
		})
		_, err := eng.AllocateCapital(ctx, allocation.Request{
			AdvanceID: "adv-1", RequestedAmount: money.MustNew("50000.00"),
			Currency: "USD", RiskTier: ledger.TierA, PreferredPoolID: pool.ID,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		before, err := eng.GetPoolDetails(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		result, err := eng.HandleDefault(ctx, "adv-1", pool.ID, money.MustNew("50000.00"), money.MustNew("10000.00"))
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(result.Loss.Cmp(money.MustNew("40000.00"))).To(gomega.Equal(0))

		after, err := eng.GetPoolDetails(ctx, pool.ID)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(after.DeployedCapital.IsZero()).To(gomega.BeTrue())
		gomega.Expect(after.AvailableCapital.Cmp(before.AvailableCapital.Add(money.MustNew("10000.00")))).To(gomega.Equal(0))
		gomega.Expect(after.TotalAdvancesDefaulted).To(gomega.Equal(int64(1)))
		gomega.Expect(after.TotalAdvancesActive).To(gomega.Equal(int64(0)))
		gomega.Expect(after.DefaultRate.Cmp(money.MustNew("100"))).To(gomega.Equal(0)) // 1 defaulted / 1 issued * 100

		txns, err := eng.GetTransactions(ctx, pool.ID, ledger.TransactionFilter{Types: []ledger.TransactionType{ledger.TxAdjustment}}, ledger.Page{})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(txns).To(gomega.HaveLen(1))
		gomega.Expect(txns[0].Amount.Cmp(money.MustNew("-40000.00"))).To(gomega.Equal(0))
	})
})

var _ = ginkgo.Describe("S6: selection with priority LOWEST_RISK", func() {
	ginkgo.It("routes to the pool with the lowest defaultRate", func() {
		ctx := context.Background()
		eng, store := newEngine()

		poolA := mustCreatePool(eng, admin.CreateRequest{
			Name: "A", RiskTier: ledger.TierA, Currency: "USD",
			InitialCapital: money.MustNew("500000.00"), MinReserveRatio: money.Zero,
			MinAdvanceAmount: money.MustNew("100.00"), MaxAdvanceAmount: money.MustNew("100000.00"),
		})
		poolB := mustCreatePool(eng, admin.CreateRequest{
			Name: "B", RiskTier: ledger.TierA, Currency: "USD",
			InitialCapital: money.MustNew("500000.00"), MinReserveRatio: money.Zero,
			MinAdvanceAmount: money.MustNew("100.00"), MaxAdvanceAmount: money.MustNew("100000.00"),
		})
		poolC := mustCreatePool(eng, admin.CreateRequest{
			Name: "C", RiskTier: ledger.TierA, Currency: "USD",
			InitialCapital: money.MustNew("500000.00"), MinReserveRatio: money.Zero,
			MinAdvanceAmount: money.MustNew("100.00"), MaxAdvanceAmount: money.MustNew("100000.00"),
		})

		setDefaultRate := func(poolID string, rate string) {
			p, err := store.ReadPool(ctx, poolID)
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			p.DefaultRate = money.MustNew(rate)
			store.Seed(p)
		}
		setDefaultRate(poolA.ID, "1")
		setDefaultRate(poolB.ID, "3")
		setDefaultRate(poolC.ID, "0.5")

		result, err := eng.AllocateCapital(ctx, allocation.Request{
			AdvanceID: "adv-1", RequestedAmount: money.MustNew("10000.00"),
			Currency: "USD", RiskTier: ledger.TierA, Priority: allocation.LowestRisk,
		})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(result.PoolID).To(gomega.Equal(poolC.ID))
	})
})
