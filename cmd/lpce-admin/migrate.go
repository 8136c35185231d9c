package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/agrofin/lpce/internal/config"
	"github.com/agrofin/lpce/internal/ledger/migrations"
)

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "apply pending schema migrations to the configured database",
	Action: func(cliCtx *cli.Context) error {
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		return migrations.Apply(ctx, pool)
	},
}

func loadConfig(cliCtx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(nil, cliCtx.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if v := cliCtx.String("database"); v != "" {
		cfg.Database = v
	}
	if v := cliCtx.String("redis"); v != "" {
		cfg.Redis = v
	}
	return cfg, nil
}
