package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/agrofin/lpce/internal/admin"
	"github.com/agrofin/lpce/internal/ledger"
	"github.com/agrofin/lpce/internal/money"
)

var poolCommand = &cli.Command{
	Name:  "pool",
	Usage: "manage liquidity pools",
	Subcommands: []*cli.Command{
		poolCreateCommand,
		poolUpdateCommand,
		poolListCommand,
		poolShowCommand,
		poolEligibilityCommand,
	},
}

var poolCreateCommand = &cli.Command{
	Name:      "create",
	Usage:     "create a new pool",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "tier", Value: "A", Usage: "A|B|C"},
		&cli.StringFlag{Name: "currency", Value: "USD"},
		&cli.StringFlag{Name: "initial-capital", Required: true},
		&cli.StringFlag{Name: "min-advance", Value: "5000"},
		&cli.StringFlag{Name: "max-advance", Value: "500000"},
		&cli.StringFlag{Name: "max-exposure", Value: "0"},
		&cli.StringFlag{Name: "min-reserve-ratio", Value: "15"},
		&cli.StringFlag{Name: "target-return-rate", Value: "0"},
		&cli.BoolFlag{Name: "auto-rebalance"},
		&cli.StringFlag{Name: "created-by", Value: "lpce-admin"},
	},
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one argument: <name>")
		}
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}
		ctx := context.Background()
		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		initialCapital, err := money.New(cliCtx.String("initial-capital"))
		if err != nil {
			return err
		}
		minAdvance, err := money.New(cliCtx.String("min-advance"))
		if err != nil {
			return err
		}
		maxAdvance, err := money.New(cliCtx.String("max-advance"))
		if err != nil {
			return err
		}
		maxExposure, err := money.New(cliCtx.String("max-exposure"))
		if err != nil {
			return err
		}
		minReserveRatio, err := money.New(cliCtx.String("min-reserve-ratio"))
		if err != nil {
			return err
		}
		targetReturn, err := money.New(cliCtx.String("target-return-rate"))
		if err != nil {
			return err
		}

		pool, err := eng.CreatePool(ctx, admin.CreateRequest{
			Name:             cliCtx.Args().First(),
			RiskTier:         ledger.RiskTier(cliCtx.String("tier")),
			Currency:         cliCtx.String("currency"),
			InitialCapital:   initialCapital,
			MinAdvanceAmount: minAdvance,
			MaxAdvanceAmount: maxAdvance,
			MaxExposureLimit: maxExposure,
			MinReserveRatio:  minReserveRatio,
			TargetReturnRate: targetReturn,
			AutoRebalance:    cliCtx.Bool("auto-rebalance"),
			CreatedBy:        cliCtx.String("created-by"),
		})
		if err != nil {
			return err
		}
		return printJSON(pool)
	},
}

var poolUpdateCommand = &cli.Command{
	Name:      "update",
	Usage:     "update a pool's configuration (never its capital balances)",
	ArgsUsage: "<poolId>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name"},
		&cli.StringFlag{Name: "status", Usage: "ACTIVE|PAUSED|CLOSED|LIQUIDATING"},
		&cli.StringFlag{Name: "min-advance"},
		&cli.StringFlag{Name: "max-advance"},
		&cli.StringFlag{Name: "max-exposure"},
		&cli.StringFlag{Name: "min-reserve-ratio"},
		&cli.StringFlag{Name: "target-return-rate"},
	},
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one argument: <poolId>")
		}
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}
		ctx := context.Background()
		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		req := admin.UpdateRequest{}
		if v := cliCtx.String("name"); v != "" {
			req.Name = &v
		}
		if v := cliCtx.String("status"); v != "" {
			status := ledger.PoolStatus(v)
			req.Status = &status
		}
		if v := cliCtx.String("min-advance"); v != "" {
			amt, err := money.New(v)
			if err != nil {
				return err
			}
			req.MinAdvanceAmount = &amt
		}
		if v := cliCtx.String("max-advance"); v != "" {
			amt, err := money.New(v)
			if err != nil {
				return err
			}
			req.MaxAdvanceAmount = &amt
		}
		if v := cliCtx.String("max-exposure"); v != "" {
			amt, err := money.New(v)
			if err != nil {
				return err
			}
			req.MaxExposureLimit = &amt
		}
		if v := cliCtx.String("min-reserve-ratio"); v != "" {
			amt, err := money.New(v)
			if err != nil {
				return err
			}
			req.MinReserveRatio = &amt
		}
		if v := cliCtx.String("target-return-rate"); v != "" {
			amt, err := money.New(v)
			if err != nil {
				return err
			}
			req.TargetReturnRate = &amt
		}

		pool, err := eng.UpdatePool(ctx, cliCtx.Args().First(), req)
		if err != nil {
			return err
		}
		return printJSON(pool)
	},
}

var poolListCommand = &cli.Command{
	Name:  "list",
	Usage: "list pools, optionally filtered",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "status"},
		&cli.StringFlag{Name: "currency"},
		&cli.StringFlag{Name: "tier"},
		&cli.StringFlag{Name: "expr", Usage: "go-bexpr boolean expression, e.g. `totalAdvancesDefaulted > 5`"},
	},
	Action: func(cliCtx *cli.Context) error {
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}
		ctx := context.Background()
		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		filter := ledger.Filter{Expr: cliCtx.String("expr")}
		if v := cliCtx.String("status"); v != "" {
			status := ledger.PoolStatus(v)
			filter.Status = &status
		}
		if v := cliCtx.String("currency"); v != "" {
			filter.Currency = &v
		}
		if v := cliCtx.String("tier"); v != "" {
			tier := ledger.RiskTier(v)
			filter.RiskTier = &tier
		}

		pools, err := eng.ListPools(ctx, filter)
		if err != nil {
			return err
		}
		return printJSON(pools)
	},
}

var poolShowCommand = &cli.Command{
	Name:      "show",
	Usage:     "show a single pool's full details",
	ArgsUsage: "<poolId>",
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one argument: <poolId>")
		}
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}
		ctx := context.Background()
		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		pool, err := eng.GetPoolDetails(ctx, cliCtx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(pool)
	},
}

var poolEligibilityCommand = &cli.Command{
	Name:      "eligibility",
	Usage:     "check whether an advance of the given amount/tier is currently eligible",
	ArgsUsage: "<poolId> <amount> <tier>",
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.Args().Len() != 3 {
			return fmt.Errorf("expected exactly three arguments: <poolId> <amount> <tier>")
		}
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}
		ctx := context.Background()
		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		amount, err := money.New(cliCtx.Args().Get(1))
		if err != nil {
			return err
		}
		eligibility, err := eng.CheckAdvanceEligibility(ctx, cliCtx.Args().First(), amount, ledger.RiskTier(cliCtx.Args().Get(2)))
		if err != nil {
			return err
		}
		return printJSON(eligibility)
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
