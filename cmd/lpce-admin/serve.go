package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/agrofin/lpce/internal/events"
	"github.com/agrofin/lpce/internal/ledger"
	alog "github.com/agrofin/lpce/log"
	"github.com/agrofin/lpce/metrics"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the engine's background relay and sweep loops, and expose metrics",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "sweep-interval", Value: 30 * time.Second, Usage: "reservation sweep interval"},
	},
	Action: func(cliCtx *cli.Context) error {
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		collectors := metrics.New()
		reg := prometheus.NewRegistry()
		collectors.MustRegister(reg)
		if eng.Accel.Degraded() {
			collectors.DegradedMode.Set(1)
		}

		unsubscribe := eng.SubscribeAll(func(ev events.Event) {
			outcome := string(ev.ChangeType)
			alog.Info("balance event", "pool", ev.PoolID, "type", outcome, "amount", ev.Amount)
		})
		defer unsubscribe()

		go func() {
			if err := eng.Bus.RunRelay(ctx); err != nil && ctx.Err() == nil {
				alog.Error("event relay stopped", "err", err)
			}
		}()

		go eng.Reservation.RunSweep(ctx, cliCtx.Duration("sweep-interval"), func() []string {
			pools, err := eng.ListPools(ctx, ledger.Filter{})
			if err != nil {
				alog.Warn("sweep: list pools failed", "err", err)
				return nil
			}
			ids := make([]string, 0, len(pools))
			for _, p := range pools {
				ids = append(ids, p.ID)
			}
			return ids
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				alog.Error("metrics server stopped", "err", err)
			}
		}()
		alog.Info("lpce-admin serving", "metricsAddr", cfg.MetricsAddr, "degraded", eng.Accel.Degraded())

		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}
