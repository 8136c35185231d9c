package main

import (
	"context"

	"github.com/agrofin/lpce/internal/balancecache"
	"github.com/agrofin/lpce/internal/config"
	"github.com/agrofin/lpce/internal/engine"
	"github.com/agrofin/lpce/internal/ledger"
	alog "github.com/agrofin/lpce/log"
)

// buildEngine opens the store and accelerator named by cfg and assembles an
// Engine. An empty cfg.Redis runs the no-op, single-process accelerator
// (spec §4.2) instead of Redis; it still provides real in-process locking
// and reservation TTL sweep, and every engine operation works the same
// against either accelerator.
func buildEngine(ctx context.Context, cfg config.Config) (*engine.Engine, error) {
	store, err := ledger.NewPGStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	var accel balancecache.Accelerator
	if cfg.Redis != "" {
		accel, err = balancecache.NewRedisAccelerator(cfg.Redis)
		if err != nil {
			store.Close()
			return nil, err
		}
	} else {
		accel = balancecache.NewNoopAccelerator(0)
	}

	return engine.New(cfg, store, accel, alog.Root())
}
