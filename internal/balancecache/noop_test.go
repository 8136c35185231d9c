package balancecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrofin/lpce/internal/money"
)

func TestNoopAccelerator_SnapshotRoundTrip(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()
	snap := Snapshot{PoolID: "pool-1", AvailableCapital: money.MustNew("1000.00")}

	_, ok, err := n.GetSnapshot(ctx, "pool-1")
	require.NoError(err)
	require.False(ok)

	require.NoError(n.PutSnapshot(ctx, "pool-1", snap, time.Minute))
	got, ok, err := n.GetSnapshot(ctx, "pool-1")
	require.NoError(err)
	require.True(ok)
	require.True(got.FromCache)
	require.True(got.AvailableCapital.Cmp(money.MustNew("1000.00")) == 0)
}

func TestNoopAccelerator_SnapshotExpires(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()
	require.NoError(n.PutSnapshot(ctx, "pool-1", Snapshot{PoolID: "pool-1"}, time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	_, ok, err := n.GetSnapshot(ctx, "pool-1")
	require.NoError(err)
	require.False(ok)
}

func TestNoopAccelerator_InvalidateSnapshot(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()
	require.NoError(n.PutSnapshot(ctx, "pool-1", Snapshot{PoolID: "pool-1"}, time.Minute))
	require.NoError(n.InvalidateSnapshot(ctx, "pool-1"))

	_, ok, err := n.GetSnapshot(ctx, "pool-1")
	require.NoError(err)
	require.False(ok)
}

func TestNoopAccelerator_GetSnapshotsReturnsOnlyPresentEntries(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()
	require.NoError(n.PutSnapshot(ctx, "pool-1", Snapshot{PoolID: "pool-1"}, time.Minute))

	out, err := n.GetSnapshots(ctx, []string{"pool-1", "pool-2"})
	require.NoError(err)
	require.Len(out, 1)
	require.Contains(out, "pool-1")
}

func TestNoopAccelerator_ReservationLifecycle(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()
	require.NoError(n.PutReservation(ctx, "pool-1", "res-1", money.MustNew("500.00"), time.Minute))

	active, err := n.ActiveReservations(ctx, "pool-1")
	require.NoError(err)
	require.Len(active, 1)
	require.True(active["res-1"].Cmp(money.MustNew("500.00")) == 0)

	require.NoError(n.RemoveReservation(ctx, "pool-1", "res-1"))
	active, err = n.ActiveReservations(ctx, "pool-1")
	require.NoError(err)
	require.Empty(active)
}

func TestNoopAccelerator_ReservationSweepsExpired(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()
	require.NoError(n.PutReservation(ctx, "pool-1", "res-1", money.MustNew("500.00"), time.Millisecond))

	time.Sleep(5 * time.Millisecond)
	active, err := n.ActiveReservations(ctx, "pool-1")
	require.NoError(err)
	require.Empty(active)
}

func TestNoopAccelerator_LockMutualExclusion(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()

	token, ok, err := n.AcquireLock(ctx, "pool-1", time.Minute)
	require.NoError(err)
	require.True(ok)
	require.NotEmpty(token)

	_, ok, err = n.AcquireLock(ctx, "pool-1", time.Minute)
	require.NoError(err)
	require.False(ok)

	require.NoError(n.ReleaseLock(ctx, "pool-1", token))
	_, ok, err = n.AcquireLock(ctx, "pool-1", time.Minute)
	require.NoError(err)
	require.True(ok)
}

func TestNoopAccelerator_ReleaseLockWithStaleTokenIsNoop(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()

	token, ok, err := n.AcquireLock(ctx, "pool-1", time.Minute)
	require.NoError(err)
	require.True(ok)

	require.NoError(n.ReleaseLock(ctx, "pool-1", LockToken("not-the-real-token")))

	// Lock must still be held: a second acquire attempt fails.
	_, ok, err = n.AcquireLock(ctx, "pool-1", time.Minute)
	require.NoError(err)
	require.False(ok)
	_ = token
}

func TestNoopAccelerator_LockExpiresAfterLease(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx := context.Background()

	_, ok, err := n.AcquireLock(ctx, "pool-1", time.Millisecond)
	require.NoError(err)
	require.True(ok)

	time.Sleep(5 * time.Millisecond)
	_, ok, err = n.AcquireLock(ctx, "pool-1", time.Minute)
	require.NoError(err)
	require.True(ok)
}

func TestNoopAccelerator_PublishSubscribeRaw(t *testing.T) {
	require := require.New(t)

	n := NewNoopAccelerator(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, unsub, err := n.SubscribeRaw(ctx, "chan-1")
	require.NoError(err)
	defer unsub()

	require.NoError(n.PublishRaw(context.Background(), "chan-1", []byte("hello")))

	select {
	case got := <-msgs:
		require.Equal("hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("expected published payload to arrive")
	}
}

func TestNoopAccelerator_DegradedIsFalseWhenCacheInitializes(t *testing.T) {
	require := require.New(t)
	require.False(NewNoopAccelerator(0).Degraded())
}
