// Command evoctl is an operator tool for inspecting and replaying gateway
// webhook payloads.
package main

import (
	"context"
	"fmt"
	"os"

	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/middleware"

	"github.com/urfave/cli/v2"
)

type contextKey int

const contextKeyConfig contextKey = iota

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level := ctx.String("log-level"); level != "" {
		cfg.LogLevel = level
	}
	middleware.ConfigureLogger(cfg.Env, cfg.LogLevel)
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

func main() {
	app := &cli.App{
		Name:    "evoctl",
		Usage:   "Inspect and replay WhatsApp gateway webhooks",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override LOG_LEVEL",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			normalizeCommand,
			replayCommand,
			gatewayStateCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
