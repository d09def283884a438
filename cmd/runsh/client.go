package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/loykin/runsh"
)

// StatusClient reads statuses from the observability endpoint of a running
// supervisor. The endpoint is read-only; there is no remote control.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// NewStatusClient creates a new client
func NewStatusClient(baseURL string, timeout time.Duration) *StatusClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9464"
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StatusClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Statuses returns every service status in registration order.
func (c *StatusClient) Statuses(ctx context.Context) ([]runsh.Status, error) {
	var out []runsh.Status
	if err := c.get(ctx, "/statuses", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the status of one service.
func (c *StatusClient) Status(ctx context.Context, name string) (runsh.Status, error) {
	var out runsh.Status
	err := c.get(ctx, "/statuses/"+url.PathEscape(name), &out)
	return out, err
}

func (c *StatusClient) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("API error: %s", resp.Status)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
