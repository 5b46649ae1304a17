package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// apiClient is a thin wrapper over the admin REST API (spec §6), used by
// the dashboard's poll loop. It carries no retry logic of its own: a
// failed poll just surfaces as an error in the next model update.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type statusView struct {
	ConfigFingerprint   string `json:"config_fingerprint"`
	ActiveInstanceCount int    `json:"active_instance_count"`
	UptimeSeconds       int64  `json:"uptime_seconds"`
}

type botSummary struct {
	BotID                string            `json:"bot_id"`
	Name                 string            `json:"name"`
	AdapterType          string            `json:"adapter_type"`
	DeclaredCapabilities []string          `json:"declared_capabilities"`
	Configuration        map[string]string `json:"configuration"`
}

type instanceSummary struct {
	InstanceID          string    `json:"instance_id"`
	ConnectedAt         time.Time `json:"connected_at"`
	RuntimeCapabilities []string  `json:"runtime_capabilities"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Status(ctx context.Context) (statusView, error) {
	var out statusView
	err := c.get(ctx, "/v1/status", &out)
	return out, err
}

func (c *apiClient) ListBots(ctx context.Context) ([]botSummary, error) {
	var out struct {
		Bots []botSummary `json:"bots"`
	}
	err := c.get(ctx, "/v1/bots", &out)
	return out.Bots, err
}

func (c *apiClient) ListInstances(ctx context.Context, botID string) ([]instanceSummary, error) {
	var out struct {
		Instances []instanceSummary `json:"instances"`
	}
	err := c.get(ctx, "/v1/bots/"+botID+"/instances", &out)
	return out.Instances, err
}

// fleetSnapshot is one poll's worth of dashboard state.
type fleetSnapshot struct {
	status statusView
	bots   []fleetBot
	err    error
}

type fleetBot struct {
	summary   botSummary
	instances []instanceSummary
}

func (c *apiClient) Snapshot(ctx context.Context) fleetSnapshot {
	status, err := c.Status(ctx)
	if err != nil {
		return fleetSnapshot{err: fmt.Errorf("status: %w", err)}
	}

	bots, err := c.ListBots(ctx)
	if err != nil {
		return fleetSnapshot{err: fmt.Errorf("list bots: %w", err)}
	}

	snap := fleetSnapshot{status: status}
	for _, b := range bots {
		instances, err := c.ListInstances(ctx, b.BotID)
		if err != nil {
			instances = nil
		}
		snap.bots = append(snap.bots, fleetBot{summary: b, instances: instances})
	}
	return snap
}
