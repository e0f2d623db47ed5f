// Package fares ingests the upstream fares feed into the fare cache and
// answers fare comparisons. The feed's binary archive layout is outside this
// package: a pluggable Decoder turns the archive into fare records.
package fares

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FeedPath is the upstream fares feed endpoint.
const FeedPath = "/api/staticfeeds/2.0/fares"

// ClientConfig holds upstream fares feed settings.
type ClientConfig struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

// Client downloads the fares archive with bearer-token authentication.
type Client struct {
	cfg   ClientConfig
	http  *http.Client
	token string
}

// NewClient creates an unauthenticated client; the token is obtained on the
// first download.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Archive is the downloaded feed plus its upstream modification time.
type Archive struct {
	Data         []byte
	LastModified time.Time
}

// Download fetches the fares archive.
func (c *Client) Download(ctx context.Context) (*Archive, error) {
	if c.token == "" {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+FeedPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build fares request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download fares: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Token expired: refresh once and replay.
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
		req2, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+FeedPath, nil)
		req2.Header.Set("Authorization", "Bearer "+c.token)
		resp2, err := c.http.Do(req2)
		if err != nil {
			return nil, fmt.Errorf("download fares: %w", err)
		}
		defer func() { _ = resp2.Body.Close() }()
		resp = resp2
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fares feed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read fares archive: %w", err)
	}

	arch := &Archive{Data: data}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			arch.LastModified = t
		}
	}
	return arch, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Email,
		"password": c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("marshal auth: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/authenticate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fares auth: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fares auth: HTTP %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("fares auth: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("fares auth: empty token")
	}
	c.token = out.Token
	return nil
}
