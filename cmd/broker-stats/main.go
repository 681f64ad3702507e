// Package main provides broker-stats, an operator CLI that polls a running
// broker-server's /stats and /health/ready endpoints and renders them either
// as a live Bubble Tea dashboard or a single JSON snapshot.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/telemetry-broker/statsclient"
	"github.com/justapithecus/telemetry-broker/tui"
)

func main() {
	app := &cli.App{
		Name:  "broker-stats",
		Usage: "Inspect a running telemetry broker's connection, persistence, and buffer stats",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "broker-server base URL",
				Value: "http://localhost:8000",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "dashboard refresh interval",
				Value: 2 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "fetch a single snapshot and print it as JSON instead of launching the dashboard",
			},
		},
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAction(c *cli.Context) error {
	client := statsclient.New(c.String("addr"))

	if c.Bool("once") {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := client.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("fetch snapshot: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	return tui.Run(client, c.Duration("interval"))
}
