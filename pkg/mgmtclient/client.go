// Package mgmtclient is a typed HTTP client for a mitigation node's
// Management API, used by the orchestrator's Resource Manager to request
// graceful termination and by operational tooling to reload WAF rules or
// edit the blocklist.
package mgmtclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds a node's Management API endpoint and credentials.
type Config struct {
	// BaseURL is the node's management endpoint, e.g. "https://10.0.1.4:9443".
	BaseURL string

	// Token is the bearer token the node's Management API expects.
	Token string

	// Timeout bounds each request (default 10s).
	Timeout time.Duration

	// Transport overrides the HTTP transport, e.g. to present an mTLS
	// client certificate via identity.NodeIdentity.ClientTLSConfig. Nil
	// uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to one node's Management API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
	}
}

// HealthStatus is the decoded response of GET /health.
type HealthStatus struct {
	Status string `json:"status"`
}

// Health reports the node's current lifecycle health.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	_, err := c.do(ctx, http.MethodGet, "/health", nil, &status)
	return status, err
}

// Terminate requests graceful shutdown with reason and gracePeriod.
func (c *Client) Terminate(ctx context.Context, reason string, gracePeriod time.Duration) error {
	body := struct {
		Reason             string `json:"reason"`
		GracePeriodSeconds int    `json:"grace_period_seconds"`
	}{Reason: reason, GracePeriodSeconds: int(gracePeriod.Seconds())}
	_, err := c.do(ctx, http.MethodPost, "/control/terminate", body, nil)
	return err
}

// ReloadWaf uploads a new rule set, JSON-encoded, replacing the node's
// current rules atomically.
func (c *Client) ReloadWaf(ctx context.Context, rules any) error {
	_, err := c.do(ctx, http.MethodPost, "/waf/reload", rules, nil)
	return err
}

// DeleteWafRule removes a single rule by id.
func (c *Client) DeleteWafRule(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/waf/rules/"+id, nil, nil)
	return err
}

// BlockIP adds a dynamic blocklist entry.
func (c *Client) BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	body := struct {
		IP     string `json:"ip"`
		TTL    int    `json:"ttl"`
		Reason string `json:"reason"`
	}{IP: ip, TTL: int(ttl.Seconds()), Reason: reason}
	_, err := c.do(ctx, http.MethodPost, "/blocklist", body, nil)
	return err
}

// UnblockIP removes a dynamic blocklist entry.
func (c *Client) UnblockIP(ctx context.Context, ip string) error {
	_, err := c.do(ctx, http.MethodDelete, "/blocklist/"+ip, nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respInto any) (*http.Response, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("mgmtclient: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("mgmtclient: failed to create request: %w", err)
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mgmtclient: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mgmtclient: failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return resp, fmt.Errorf("mgmtclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if respInto != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, respInto); err != nil {
			return resp, fmt.Errorf("mgmtclient: failed to parse response: %w", err)
		}
	}

	return resp, nil
}
