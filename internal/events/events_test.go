package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/money"
)

func TestSubscribe_ReceivesExactAndWildcard(t *testing.T) {
	require := require.New(t)

	bus := New(nil, nil)
	var exact, wild []Event
	bus.Subscribe("pool-1", func(e Event) { exact = append(exact, e) })
	bus.SubscribeAll(func(e Event) { wild = append(wild, e) })

	bus.PublishReservationCreated(context.Background(), "pool-1", "res-1", money.MustNew("100.00"))
	bus.PublishReservationCreated(context.Background(), "pool-2", "res-2", money.MustNew("200.00"))

	require.Len(exact, 1)
	require.Equal("pool-1", exact[0].PoolID)
	require.Len(wild, 2)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	require := require.New(t)

	bus := New(nil, nil)
	var count int
	unsub := bus.Subscribe("pool-1", func(e Event) { count++ })

	bus.PublishReservationCreated(context.Background(), "pool-1", "res-1", money.MustNew("1.00"))
	require.Equal(1, count)

	unsub()
	bus.PublishReservationCreated(context.Background(), "pool-1", "res-2", money.MustNew("1.00"))
	require.Equal(1, count)

	// Calling unsub again must be a no-op, not a panic.
	unsub()
}

func TestPublish_PanickingHandlerDoesNotAffectOthers(t *testing.T) {
	require := require.New(t)

	bus := New(nil, nil)
	var ranSecond bool
	bus.Subscribe("pool-1", func(e Event) { panic("boom") })
	bus.Subscribe("pool-1", func(e Event) { ranSecond = true })

	require.NotPanics(func() {
		bus.PublishReservationCreated(context.Background(), "pool-1", "res-1", money.MustNew("1.00"))
	})
	require.True(ranSecond)
}

func TestPublishBalanceChanged_ProjectsSnapshotsIntoViews(t *testing.T) {
	require := require.New(t)

	bus := New(nil, nil)
	var got Event
	bus.Subscribe("pool-1", func(e Event) { got = e })

	before := balancecache.Snapshot{AvailableCapital: money.MustNew("1000.00")}
	after := balancecache.Snapshot{AvailableCapital: money.MustNew("500.00")}
	bus.PublishBalanceChanged(context.Background(), "pool-1", money.MustNew("500.00"), before, after, "adv-1", ledger.RelatedAdvance)

	require.Equal(BalanceChanged, got.ChangeType)
	require.True(got.BalanceBefore.AvailableCapital.Cmp(money.MustNew("1000.00")) == 0)
	require.True(got.BalanceAfter.AvailableCapital.Cmp(money.MustNew("500.00")) == 0)
	require.Equal("adv-1", got.RelatedEntityID)
}

func TestRunRelay_DispatchesCrossProcessEventsLocally(t *testing.T) {
	require := require.New(t)

	accel := balancecache.NewNoopAccelerator(0)
	publisher := New(accel, nil)
	subscriber := New(accel, nil)

	received := make(chan Event, 1)
	subscriber.SubscribeAll(func(e Event) { received <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayErr := make(chan error, 1)
	go func() { relayErr <- subscriber.RunRelay(ctx) }()

	// Give the relay goroutine a moment to subscribe before publishing.
	time.Sleep(10 * time.Millisecond)
	publisher.PublishReservationCreated(context.Background(), "pool-1", "res-1", money.MustNew("42.00"))

	select {
	case e := <-received:
		require.Equal("pool-1", e.PoolID)
		require.Equal(ReservationCreated, e.ChangeType)
	case <-time.After(time.Second):
		t.Fatal("expected relayed event to arrive within a second")
	}
}

func TestRunRelay_NilAcceleratorIsNoop(t *testing.T) {
	require := require.New(t)

	bus := New(nil, nil)
	require.NoError(bus.RunRelay(context.Background()))
}
