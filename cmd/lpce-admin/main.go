// Command lpce-admin is the operator CLI for the Liquidity Pool Capital
// Engine: schema migration, pool lifecycle management, and a long-running
// serve mode that exposes the engine's event relay.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	alog "github.com/agrofin/lpce/log"
)

const clientIdentifier = "lpce-admin"

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "Liquidity Pool Capital Engine operator CLI",
	Version: "0.1.0",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a YAML/JSON config file"},
		&cli.StringFlag{Name: "database", Usage: "Postgres DSN, overrides config"},
		&cli.StringFlag{Name: "redis", Usage: "Redis address, overrides config (empty runs the single-process no-op accelerator)"},
		&cli.StringFlag{Name: "log-level", Usage: "trace|debug|info|warn|error", Value: "info"},
		&cli.StringFlag{Name: "log-file", Usage: "write logs to this file (rotated) instead of stderr"},
	},
}

func init() {
	app.Commands = []*cli.Command{
		migrateCommand,
		poolCommand,
		serveCommand,
	}
	app.Before = func(ctx *cli.Context) error {
		lvl, err := alog.LvlFromString(ctx.String("log-level"))
		if err != nil {
			lvl = alog.LevelInfo
		}

		var w io.Writer
		useColor := false
		if path := ctx.String("log-file"); path != "" {
			w = &lumberjack.Logger{Filename: path, MaxSize: 100, MaxBackups: 5, MaxAge: 28}
		} else {
			w = os.Stderr
			useColor = isatty.IsTerminal(os.Stderr.Fd())
			if useColor {
				w = colorable.NewColorable(os.Stderr.(*os.File))
			}
		}

		handler := alog.NewGlogHandler(alog.NewTerminalHandler(w, useColor))
		handler.Verbosity(lvl)
		alog.SetDefault(alog.NewLogger(handler))
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
