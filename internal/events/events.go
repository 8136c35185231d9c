// Package events is the EventBus (spec §4.7): in-process fan-out to
// pool-id-exact and wildcard subscribers, plus best-effort cross-process
// relay over the BalanceCache accelerator's pub/sub.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/money"
	alog "github.com/agrofin/lpce/log"
)

// ChangeType is the event payload's changeType discriminator (spec §6).
type ChangeType string

const (
	BalanceChanged       ChangeType = "BALANCE_CHANGED"
	ReservationCreated   ChangeType = "RESERVATION_CREATED"
	ReservationReleased  ChangeType = "RESERVATION_RELEASED"
	// HealthWarning is the supplemented event emitted when default-loss
	// recognition crosses the reserve ratio threshold (spec §7, SPEC_FULL §D.3).
	HealthWarning ChangeType = "HEALTH_WARNING"
)

const relayChannel = "balance-events"

// BalanceView is the balanceBefore/balanceAfter shape of spec §6's event
// payload schema.
type BalanceView struct {
	TotalCapital       money.Amount `json:"totalCapital"`
	AvailableCapital   money.Amount `json:"availableCapital"`
	DeployedCapital    money.Amount `json:"deployedCapital"`
	ReservedCapital    money.Amount `json:"reservedCapital"`
	EffectiveAvailable money.Amount `json:"effectiveAvailable"`
	UtilizationRate    money.Amount `json:"utilizationRate"`
	ReserveRatio       money.Amount `json:"reserveRatio"`
	Timestamp          time.Time    `json:"timestamp"`
}

// ViewFromSnapshot projects a balancecache.Snapshot into the wire shape.
func ViewFromSnapshot(s balancecache.Snapshot) BalanceView {
	return BalanceView{
		TotalCapital:       s.TotalCapital,
		AvailableCapital:   s.AvailableCapital,
		DeployedCapital:    s.DeployedCapital,
		ReservedCapital:    s.ReservedCapital,
		EffectiveAvailable: s.EffectiveAvailable,
		UtilizationRate:    s.UtilizationRate,
		ReserveRatio:       s.ReserveRatio,
		Timestamp:          s.Timestamp,
	}
}

// Event is spec §6's event payload schema.
type Event struct {
	PoolID            string      `json:"poolId"`
	ChangeType        ChangeType  `json:"changeType"`
	Amount            money.Amount `json:"amount"`
	BalanceBefore     BalanceView `json:"balanceBefore"`
	BalanceAfter      BalanceView `json:"balanceAfter"`
	RelatedEntityID   string      `json:"relatedEntityId,omitempty"`
	RelatedEntityType string      `json:"relatedEntityType,omitempty"`
	Timestamp         time.Time   `json:"timestamp"`
}

// Handler is a subscriber callback. It must not block for long: it runs
// synchronously on the publishing goroutine, after commit-and-invalidate
// (spec §4.7), and a panic in one subscriber must not affect others or the
// originating operation.
type Handler func(Event)

// Bus is the in-process + cross-process EventBus. Zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	accel  balancecache.Accelerator // optional; nil disables cross-process relay
	logger alog.Logger
}

// New builds a Bus. accel may be nil to disable cross-process fan-out
// entirely (e.g. in tests).
func New(accel balancecache.Accelerator, logger alog.Logger) *Bus {
	return &Bus{
		subs:   map[string]map[int]Handler{},
		accel:  accel,
		logger: logger,
	}
}

// Subscribe registers handler for events on poolID. The returned func
// unsubscribes; it is safe to call more than once.
func (b *Bus) Subscribe(poolID string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[poolID] == nil {
		b.subs[poolID] = map[int]Handler{}
	}
	id := b.nextID
	b.nextID++
	b.subs[poolID][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[poolID], id)
		})
	}
}

// SubscribeAll registers handler for every pool's events (spec §4.7
// wildcard "*").
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.Subscribe("*", handler)
}

// Publish dispatches ev to exact and wildcard subscribers synchronously,
// isolating panics, then best-effort relays it cross-process.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.PoolID])+len(b.subs["*"]))
	for _, h := range b.subs[ev.PoolID] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs["*"] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invokeSafely(h, ev)
	}

	b.relay(ctx, ev)
}

func (b *Bus) invokeSafely(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event subscriber panicked", "poolId", ev.PoolID, "changeType", ev.ChangeType, "panic", r)
		}
	}()
	h(ev)
}

func (b *Bus) relay(ctx context.Context, ev Event) {
	if b.accel == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("marshal event for relay failed", "poolId", ev.PoolID, "err", err)
		}
		return
	}
	if err := b.accel.PublishRaw(ctx, relayChannel, raw); err != nil && b.logger != nil {
		b.logger.Warn("cross-process event publish failed", "poolId", ev.PoolID, "err", err)
	}
}

// PublishBalanceChanged emits BALANCE_CHANGED (spec §4.4/§4.5 commit paths).
func (b *Bus) PublishBalanceChanged(ctx context.Context, poolID string, amount money.Amount, before, after balancecache.Snapshot, relatedID string, relatedType ledger.RelatedEntityType) {
	b.Publish(ctx, Event{
		PoolID:            poolID,
		ChangeType:        BalanceChanged,
		Amount:            amount,
		BalanceBefore:     ViewFromSnapshot(before),
		BalanceAfter:      ViewFromSnapshot(after),
		RelatedEntityID:   relatedID,
		RelatedEntityType: string(relatedType),
	})
}

// PublishReservationCreated emits RESERVATION_CREATED (spec §4.3 step 1).
func (b *Bus) PublishReservationCreated(ctx context.Context, poolID, reservationID string, amount money.Amount) {
	b.Publish(ctx, Event{
		PoolID:          poolID,
		ChangeType:      ReservationCreated,
		Amount:          amount,
		RelatedEntityID: reservationID,
	})
}

// PublishReservationReleased emits RESERVATION_RELEASED (spec §4.3 step 3).
func (b *Bus) PublishReservationReleased(ctx context.Context, poolID, reservationID string, amount money.Amount) {
	b.Publish(ctx, Event{
		PoolID:          poolID,
		ChangeType:      ReservationReleased,
		Amount:          amount,
		RelatedEntityID: reservationID,
	})
}

// PublishHealthWarning emits the supplemented HEALTH_WARNING event (spec §7:
// "Default-loss recognition ... emits a HEALTH_WARNING event").
func (b *Bus) PublishHealthWarning(ctx context.Context, poolID string, snapshot balancecache.Snapshot) {
	b.Publish(ctx, Event{
		PoolID:       poolID,
		ChangeType:   HealthWarning,
		BalanceAfter: ViewFromSnapshot(snapshot),
	})
}

// RunRelay subscribes to the accelerator's cross-process channel and
// re-dispatches received events to local subscribers only (never
// re-publishes, to avoid an infinite relay loop across processes).
func (b *Bus) RunRelay(ctx context.Context) error {
	if b.accel == nil {
		return nil
	}
	msgs, cancel, err := b.accel.SubscribeRaw(ctx, relayChannel)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				if b.logger != nil {
					b.logger.Warn("discarding malformed relayed event", "err", err)
				}
				continue
			}
			b.dispatchLocal(ev)
		}
	}
}

func (b *Bus) dispatchLocal(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.PoolID])+len(b.subs["*"]))
	for _, h := range b.subs[ev.PoolID] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs["*"] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invokeSafely(h, ev)
	}
}
