package balancecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agrofin/lpce/internal/lpceerr"
	"github.com/agrofin/lpce/internal/money"
)

// releaseScript deletes the lock key only if its value still matches the
// token presented, so a lease that already expired and was re-acquired by
// another holder is never clobbered by a late release (spec §9).
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisAccelerator is the distributed BalanceCache implementation (spec
// §4.2), backed by github.com/redis/go-redis/v9.
type RedisAccelerator struct {
	client *redis.Client
}

var _ Accelerator = (*RedisAccelerator)(nil)

// NewRedisAccelerator dials addr.
func NewRedisAccelerator(addr string) (*RedisAccelerator, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		// Fall back to treating addr as a bare host:port.
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, lpceerr.Wrap(lpceerr.CacheUnavailable, err, "ping redis at %s", addr)
	}
	return &RedisAccelerator{client: client}, nil
}

func (r *RedisAccelerator) Degraded() bool { return false }
func (r *RedisAccelerator) Close() error   { return r.client.Close() }

func snapshotKey(poolID string) string      { return "lpce:snapshot:" + poolID }
func reservationsKey(poolID string) string  { return "lpce:reservations:" + poolID }
func lockKey(poolID string) string          { return "lpce:lock:" + poolID }
func eventChannelKey(channel string) string { return "lpce:events:" + channel }

func (r *RedisAccelerator) GetSnapshot(ctx context.Context, poolID string) (Snapshot, bool, error) {
	raw, err := r.client.Get(ctx, snapshotKey(poolID)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, lpceerr.Wrap(lpceerr.CacheUnavailable, err, "get snapshot %s", poolID)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, lpceerr.Wrap(lpceerr.InternalError, err, "unmarshal cached snapshot %s", poolID)
	}
	snap.FromCache = true
	return snap, true, nil
}

func (r *RedisAccelerator) GetSnapshots(ctx context.Context, poolIDs []string) (map[string]Snapshot, error) {
	if len(poolIDs) == 0 {
		return map[string]Snapshot{}, nil
	}
	keys := make([]string, len(poolIDs))
	for i, id := range poolIDs {
		keys[i] = snapshotKey(id)
	}
	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, lpceerr.Wrap(lpceerr.CacheUnavailable, err, "mget %d snapshots", len(poolIDs))
	}
	out := make(map[string]Snapshot, len(poolIDs))
	for i, v := range raws {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(s), &snap); err != nil {
			continue
		}
		snap.FromCache = true
		out[poolIDs[i]] = snap
	}
	return out, nil
}

func (r *RedisAccelerator) PutSnapshot(ctx context.Context, poolID string, snap Snapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return lpceerr.Wrap(lpceerr.InternalError, err, "marshal snapshot %s", poolID)
	}
	if err := r.client.Set(ctx, snapshotKey(poolID), raw, ttl).Err(); err != nil {
		return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "put snapshot %s", poolID)
	}
	return nil
}

func (r *RedisAccelerator) InvalidateSnapshot(ctx context.Context, poolID string) error {
	if err := r.client.Del(ctx, snapshotKey(poolID)).Err(); err != nil {
		return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "invalidate snapshot %s", poolID)
	}
	return nil
}

// reservationEntry is the JSON-encoded hash field value: Redis hash fields
// don't carry their own TTL, so per-reservation expiry is tracked explicitly
// and enforced on read (spec §4.3 step 4 sweep).
type reservationEntry struct {
	Amount    string    `json:"amount"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r *RedisAccelerator) ActiveReservations(ctx context.Context, poolID string) (map[string]money.Amount, error) {
	raw, err := r.client.HGetAll(ctx, reservationsKey(poolID)).Result()
	if err != nil {
		return nil, lpceerr.Wrap(lpceerr.CacheUnavailable, err, "list reservations %s", poolID)
	}
	out := make(map[string]money.Amount, len(raw))
	now := time.Now()
	var expired []string
	for id, entryJSON := range raw {
		var entry reservationEntry
		if err := json.Unmarshal([]byte(entryJSON), &entry); err != nil {
			continue // a corrupt entry shouldn't poison the whole read
		}
		if now.After(entry.ExpiresAt) {
			expired = append(expired, id)
			continue
		}
		amt, err := money.New(entry.Amount)
		if err != nil {
			continue
		}
		out[id] = amt
	}
	if len(expired) > 0 {
		r.client.HDel(ctx, reservationsKey(poolID), expired...)
	}
	return out, nil
}

func (r *RedisAccelerator) PutReservation(ctx context.Context, poolID, reservationID string, amount money.Amount, ttl time.Duration) error {
	entry := reservationEntry{Amount: amount.String(), ExpiresAt: time.Now().Add(ttl)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return lpceerr.Wrap(lpceerr.InternalError, err, "marshal reservation %s/%s", poolID, reservationID)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, reservationsKey(poolID), reservationID, raw)
	// The hash itself carries a TTL so an abandoned pool's reservation set
	// doesn't outlive every reservation in it by more than one TTL window;
	// individual entries expire logically via their own ExpiresAt, pruned
	// on the next read.
	pipe.Expire(ctx, reservationsKey(poolID), ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "put reservation %s/%s", poolID, reservationID)
	}
	return nil
}

func (r *RedisAccelerator) RemoveReservation(ctx context.Context, poolID, reservationID string) error {
	if err := r.client.HDel(ctx, reservationsKey(poolID), reservationID).Err(); err != nil {
		return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "remove reservation %s/%s", poolID, reservationID)
	}
	return nil
}

func (r *RedisAccelerator) AcquireLock(ctx context.Context, poolID string, lease time.Duration) (LockToken, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKey(poolID), token, lease).Result()
	if err != nil {
		return "", false, lpceerr.Wrap(lpceerr.CacheUnavailable, err, "acquire lock %s", poolID)
	}
	if !ok {
		return "", false, nil
	}
	return LockToken(token), true, nil
}

func (r *RedisAccelerator) ReleaseLock(ctx context.Context, poolID string, token LockToken) error {
	if err := r.client.Eval(ctx, releaseScript, []string{lockKey(poolID)}, string(token)).Err(); err != nil && err != redis.Nil {
		return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "release lock %s", poolID)
	}
	return nil
}

func (r *RedisAccelerator) PublishRaw(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, eventChannelKey(channel), payload).Err(); err != nil {
		return lpceerr.Wrap(lpceerr.CacheUnavailable, err, "publish %s", channel)
	}
	return nil
}

func (r *RedisAccelerator) SubscribeRaw(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := r.client.Subscribe(ctx, eventChannelKey(channel))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, lpceerr.Wrap(lpceerr.CacheUnavailable, err, "subscribe %s", channel)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					// Slow consumer: drop rather than block publish fan-out,
					// matching the best-effort delivery contract of spec §4.7.
				}
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

var _ fmt.Stringer = LockToken("")

func (t LockToken) String() string { return string(t) }
