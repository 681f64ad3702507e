// Package statsclient fetches the broker-server's operator-facing /stats
// and /health/ready endpoints for the broker-stats CLI.
package statsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/justapithecus/telemetry-broker/persistence"
	"github.com/justapithecus/telemetry-broker/registry"
	"github.com/justapithecus/telemetry-broker/types"
)

// Snapshot is a point-in-time read of the broker's aggregated state.
type Snapshot struct {
	Registry    registry.Stats               `json:"registry"`
	Persistence *persistence.Stats           `json:"persistence,omitempty"`
	Buffers     map[string]types.BufferStats `json:"buffers"`
	Health      HealthStatus
}

// HealthStatus is the decoded /health/ready response.
type HealthStatus struct {
	Status   string `json:"status"`
	Redis    string `json:"redis"`
	Database string `json:"database"`
}

// Client polls a running broker-server instance over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client against baseURL (e.g. "http://localhost:8000").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Fetch reads /stats and /health/ready and merges them into one Snapshot.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.getJSON(ctx, "/stats", &snap); err != nil {
		return Snapshot{}, fmt.Errorf("statsclient: fetch /stats: %w", err)
	}
	if err := c.getJSON(ctx, "/health/ready", &snap.Health); err != nil {
		return Snapshot{}, fmt.Errorf("statsclient: fetch /health/ready: %w", err)
	}
	return snap, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// /health/ready legitimately returns 503 with a well-formed body when a
	// dependency is unreachable; decode it regardless of status.
	return json.NewDecoder(resp.Body).Decode(v)
}
