package reservation

import (
	"context"
	"time"
)

// RunSweep periodically treats expired reservations as released (spec
// §4.3 step 4: "Sweep cadence ≤ TTL"). It only has work to do against the
// accelerator-backed cache path: individual reservation TTLs are tracked by
// the Accelerator itself (redis key expiry / NoopAccelerator's sweepLocked),
// so on each tick this loop reads every pool's active reservations (which
// drops expired holds) and invalidates that pool's snapshot cache. It
// publishes no RESERVATION_RELEASED event for holds that expire.
//
// Callers should run this in its own goroutine for the lifetime of the
// process and cancel ctx to stop it.
func (r *Registry) RunSweep(ctx context.Context, interval time.Duration, poolIDs func() []string) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.accel.Degraded() {
				continue
			}
			for _, poolID := range poolIDs() {
				// ActiveReservations on both implementations drops expired
				// entries as a side effect of being read (Redis via key TTL,
				// NoopAccelerator via sweepLocked); reading is the sweep.
				_, _ = r.accel.ActiveReservations(ctx, poolID)
				_ = r.accel.InvalidateSnapshot(ctx, poolID)
			}
		}
	}
}
