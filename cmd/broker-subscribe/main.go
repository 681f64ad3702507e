// Package main provides broker-subscribe, an operator CLI that connects to
// a running broker-server's consumer WebSocket endpoint and prints incoming
// features/raw samples as they arrive.
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/telemetry-broker/types"
)

func main() {
	app := &cli.App{
		Name:      "broker-subscribe",
		Usage:     "Subscribe to a user's features/raw stream on a running telemetry broker",
		UsageText: "broker-subscribe --user <user_id> [--addr ws://localhost:8000] [--type features|raw|both]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Usage:    "user_id to subscribe to",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "broker-server WebSocket base URL",
				Value: "ws://localhost:8000",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "stream type to print: features, raw, or both",
				Value: "both",
			},
		},
		Action: runAction,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type streamFrame struct {
	Type types.MessageType `json:"type"`
	Data types.Payload     `json:"data"`
}

func runAction(c *cli.Context) error {
	streamType := c.String("type")
	if streamType != "features" && streamType != "raw" && streamType != "both" {
		return fmt.Errorf("invalid --type %q: must be features, raw, or both", streamType)
	}

	endpoint := fmt.Sprintf("%s/subscribe/%s", c.String("addr"), url.PathEscape(c.String("user")))
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	defer conn.Close()

	fmt.Printf("Subscribed to %s (%s)\nWaiting for messages... (Ctrl+C to stop)\n\n", c.String("user"), streamType)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			printFrame(raw, streamType)
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		fmt.Println("\nDisconnecting...")
	case <-done:
	}
	return nil
}

func printFrame(raw []byte, streamType string) {
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		fmt.Fprintf(os.Stderr, "malformed frame: %v\n", err)
		return
	}
	if streamType != "both" && string(frame.Type) != streamType {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	switch frame.Type {
	case types.MessageTypeFeatures:
		fmt.Printf("[%s] FEATURES: workload=%v confidence=%v\n", timestamp, frame.Data["workload"], frame.Data["confidence"])
	case types.MessageTypeRaw:
		fmt.Printf("[%s] RAW: %v\n", timestamp, frame.Data)
	default:
		fmt.Printf("[%s] %s: %v\n", timestamp, frame.Type, frame.Data)
	}
}
