package balancecache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/agrofin/lpce/internal/money"
)

// NoopAccelerator is the single-process fallback named by spec §9 ("a
// no-op accelerator implementation for the single-process/no-Redis case").
// It satisfies the same Accelerator interface as RedisAccelerator so the
// allocation algorithm never branches on which one is wired in; only the
// multi-process safety guarantees differ (spec §4.2 degraded mode).
type NoopAccelerator struct {
	mu           sync.Mutex
	snapshots    *lru.Cache
	snapExpiry   map[string]time.Time
	reservations map[string]map[string]money.Amount
	reservExpiry map[string]map[string]time.Time
	locks        map[string]lockEntry
	subs         map[string][]chan []byte
	degraded     bool
}

type lockEntry struct {
	token   LockToken
	expires time.Time
}

var _ Accelerator = (*NoopAccelerator)(nil)

// NewNoopAccelerator constructs the in-process accelerator. snapshotCapacity
// bounds the LRU; 1024 is a reasonable default for a single process holding
// one pool-count worth of hot snapshots.
func NewNoopAccelerator(snapshotCapacity int) *NoopAccelerator {
	if snapshotCapacity <= 0 {
		snapshotCapacity = 1024
	}
	c, err := lru.New(snapshotCapacity)
	if err != nil {
		// lru.New only errors for a non-positive size, which the guard
		// above rules out; fall back to a minimal cache and flag it rather
		// than risk a nil *lru.Cache.
		c, _ = lru.New(1)
	}
	return &NoopAccelerator{
		snapshots:    c,
		snapExpiry:   map[string]time.Time{},
		reservations: map[string]map[string]money.Amount{},
		reservExpiry: map[string]map[string]time.Time{},
		locks:        map[string]lockEntry{},
		subs:         map[string][]chan []byte{},
		degraded:     err != nil,
	}
}

// Degraded reports whether this accelerator's own backing cache failed to
// initialize. It is not a stand-in for "no Redis is configured": the
// single-process/no-Redis deployment (spec §4.2/§9) runs production
// traffic through this type with Degraded()==false, getting real
// in-process locking (AcquireLock/ReleaseLock) and TTL sweep
// (ActiveReservations) rather than the LedgerStore-only fallback path.
func (n *NoopAccelerator) Degraded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.degraded
}

func (n *NoopAccelerator) Close() error { return nil }

func (n *NoopAccelerator) GetSnapshot(_ context.Context, poolID string) (Snapshot, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	v, ok := n.snapshots.Get(poolID)
	if !ok {
		return Snapshot{}, false, nil
	}
	if exp, ok := n.snapExpiry[poolID]; ok && time.Now().After(exp) {
		n.snapshots.Remove(poolID)
		delete(n.snapExpiry, poolID)
		return Snapshot{}, false, nil
	}
	snap := v.(Snapshot)
	snap.FromCache = true
	return snap, true, nil
}

func (n *NoopAccelerator) GetSnapshots(ctx context.Context, poolIDs []string) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot, len(poolIDs))
	for _, id := range poolIDs {
		if snap, ok, _ := n.GetSnapshot(ctx, id); ok {
			out[id] = snap
		}
	}
	return out, nil
}

func (n *NoopAccelerator) PutSnapshot(_ context.Context, poolID string, snap Snapshot, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots.Add(poolID, snap)
	n.snapExpiry[poolID] = time.Now().Add(ttl)
	return nil
}

func (n *NoopAccelerator) InvalidateSnapshot(_ context.Context, poolID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots.Remove(poolID)
	delete(n.snapExpiry, poolID)
	return nil
}

func (n *NoopAccelerator) ActiveReservations(_ context.Context, poolID string) (map[string]money.Amount, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sweepLocked(poolID)
	out := make(map[string]money.Amount, len(n.reservations[poolID]))
	for id, amt := range n.reservations[poolID] {
		out[id] = amt
	}
	return out, nil
}

func (n *NoopAccelerator) PutReservation(_ context.Context, poolID, reservationID string, amount money.Amount, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.reservations[poolID] == nil {
		n.reservations[poolID] = map[string]money.Amount{}
		n.reservExpiry[poolID] = map[string]time.Time{}
	}
	n.reservations[poolID][reservationID] = amount
	n.reservExpiry[poolID][reservationID] = time.Now().Add(ttl)
	return nil
}

func (n *NoopAccelerator) RemoveReservation(_ context.Context, poolID, reservationID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.reservations[poolID], reservationID)
	delete(n.reservExpiry[poolID], reservationID)
	return nil
}

// sweepLocked drops expired reservations; callers must hold n.mu.
func (n *NoopAccelerator) sweepLocked(poolID string) {
	now := time.Now()
	for id, exp := range n.reservExpiry[poolID] {
		if now.After(exp) {
			delete(n.reservations[poolID], id)
			delete(n.reservExpiry[poolID], id)
		}
	}
}

func (n *NoopAccelerator) AcquireLock(_ context.Context, poolID string, lease time.Duration) (LockToken, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if e, ok := n.locks[poolID]; ok && time.Now().Before(e.expires) {
		return "", false, nil
	}
	token := LockToken(randomToken())
	n.locks[poolID] = lockEntry{token: token, expires: time.Now().Add(lease)}
	return token, true, nil
}

func (n *NoopAccelerator) ReleaseLock(_ context.Context, poolID string, token LockToken) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.locks[poolID]; ok && e.token == token {
		delete(n.locks, poolID)
	}
	return nil
}

func (n *NoopAccelerator) PublishRaw(_ context.Context, channel string, payload []byte) error {
	n.mu.Lock()
	subs := append([]chan []byte(nil), n.subs[channel]...)
	n.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (n *NoopAccelerator) SubscribeRaw(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	n.mu.Lock()
	n.subs[channel] = append(n.subs[channel], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[channel]
		for i, c := range subs {
			if c == ch {
				n.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel, nil
}

func randomToken() string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 20)
	now := time.Now().UnixNano()
	for i := range b {
		now = now*1103515245 + 12345
		b[i] = letters[(now>>16)%int64(len(letters))]
	}
	return string(b)
}
