package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"lopeswhatsapp/internal/gateway"
	"lopeswhatsapp/internal/normalizer"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"
	"github.com/urfave/cli/v2"
)

var normalizeCommand = &cli.Command{
	Name:      "normalize",
	Usage:     "Print the normalized form of webhook payloads",
	ArgsUsage: "FILE",
	Action:    cmdNormalize,
}

func cmdNormalize(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a payload file (or - for stdin)")
	}
	payloads, err := readPayloads(ctx.Args().Get(0))
	if err != nil {
		return err
	}

	n := normalizer.New(nil)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for i, raw := range payloads {
		ev, err := n.Normalize(ctx.Context, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "#%d %s: %v\n", i+1, normalizer.EventName(raw), err)
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

var replayCommand = &cli.Command{
	Name:      "replay",
	Usage:     "POST webhook payloads to a running server",
	ArgsUsage: "FILE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "Server base URL",
			Value: "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:  "instance",
			Usage: "Instance name, defaults to the payload's or INSTANCE_NAME",
		},
		&cli.DurationFlag{
			Name:  "delay",
			Usage: "Pause between deliveries",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Per request timeout",
			Value: 10 * time.Second,
		},
	},
	Action: cmdReplay,
}

func cmdReplay(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a payload file (or - for stdin)")
	}
	payloads, err := readPayloads(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	cfg := getConfig(ctx)
	base := strings.TrimRight(ctx.String("url"), "/")

	var (
		sent, failed int
		bytesSent    uint64
	)
	for i, raw := range payloads {
		instance := ctx.String("instance")
		if instance == "" {
			instance = gjson.GetBytes(raw, "instance").String()
		}
		if instance == "" {
			instance = cfg.InstanceName
		}

		agent := fiber.Post(base + "/webhook/" + url.PathEscape(instance))
		agent.ContentType(fiber.MIMEApplicationJSON)
		if cfg.WebhookToken != "" {
			agent.Set("apikey", cfg.WebhookToken)
		}
		agent.Body(raw)
		agent.Timeout(ctx.Duration("timeout"))

		code, body, errs := agent.Bytes()
		if len(errs) > 0 {
			return fmt.Errorf("deliver #%d: %w", i+1, errors.Join(errs...))
		}
		bytesSent += uint64(len(raw))
		if code >= 300 {
			failed++
			fmt.Fprintf(os.Stderr, "#%d %s: HTTP %d %s\n", i+1, normalizer.EventName(raw), code, body)
		} else {
			sent++
			fmt.Printf("#%d %s: %s\n", i+1, normalizer.EventName(raw), gjson.GetBytes(body, "result").String())
		}

		if d := ctx.Duration("delay"); d > 0 && i < len(payloads)-1 {
			select {
			case <-ctx.Context.Done():
				return ctx.Context.Err()
			case <-time.After(d):
			}
		}
	}

	fmt.Printf("Replayed %d payloads (%s), %d rejected\n", sent, humanize.Bytes(bytesSent), failed)
	if failed > 0 {
		return fmt.Errorf("%d deliveries rejected", failed)
	}
	return nil
}

var gatewayStateCommand = &cli.Command{
	Name:   "gateway-state",
	Usage:  "Show the connection state of the configured gateway instance",
	Action: cmdGatewayState,
}

func cmdGatewayState(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if cfg.EvolutionURL == "" {
		return fmt.Errorf("EVOLUTION_URL is not configured")
	}
	client := gateway.NewClient(cfg)
	state, err := client.ConnectionState(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to query gateway: %w", err)
	}
	fmt.Printf("%s: %s\n", client.Instance(), state)
	if state != "open" {
		return cli.Exit("", 2)
	}
	return nil
}
