// Package hsp is the authenticated, rate-limited client for the Historical
// Service Performance opendata endpoints.
package hsp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// tokenLifetime is how long an upstream bearer token stays usable.
const tokenLifetime = 24 * time.Hour

// Config holds client settings. The request interval bounds are phase
// specific and come from the phase configuration document.
type Config struct {
	BaseURL  string
	Username string
	Password string

	// Inter-request delay drawn uniformly from [MinInterval, MaxInterval].
	MinInterval time.Duration
	MaxInterval time.Duration

	// Retry settings.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	Timeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 3
	}
	if out.InitialDelay == 0 {
		out.InitialDelay = time.Second
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.Multiplier == 0 {
		out.Multiplier = 2
	}
	if out.Timeout == 0 {
		out.Timeout = 30 * time.Second
	}
	return out
}

// Client talks to the HSP API. It keeps a single request in flight at a time
// and paces consecutive requests with a randomised delay.
type Client struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex // serializes requests and guards the fields below
	token       string
	tokenIssued time.Time
	lastRequest time.Time
	rnd         *rand.Rand
}

// NewClient creates a client. It does not authenticate until the first call.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Authenticate obtains a bearer token. Normally called lazily, but exposed so
// callers can fail fast on bad credentials before starting a long phase.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	body, err := json.Marshal(authRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return fmt.Errorf("marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/authenticate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("auth: HTTP %d", resp.StatusCode)}
	default:
		return &ProtocolError{Err: fmt.Errorf("auth: unexpected HTTP %d", resp.StatusCode)}
	}

	var ar authResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return &ProtocolError{Err: err}
	}
	if ar.Token == "" {
		return &ProtocolError{Err: errors.New("auth: empty token")}
	}

	c.token = ar.Token
	c.tokenIssued = time.Now()
	return nil
}

// ServiceMetrics fetches service summaries for one route/day-type/date-chunk.
func (c *Client) ServiceMetrics(ctx context.Context, req MetricsRequest) (*MetricsResponse, error) {
	var out MetricsResponse
	if err := c.call(ctx, "/serviceMetrics", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ServiceDetails fetches the per-stop record for one RID.
func (c *Client) ServiceDetails(ctx context.Context, rid string) (*DetailsResponse, error) {
	var out DetailsResponse
	if err := c.call(ctx, "/serviceDetails", DetailsRequest{RID: rid}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call runs one POST with pacing and retries. The mutex keeps a single
// request in flight across the whole client.
func (c *Client) call(ctx context.Context, endpoint string, payload, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.InitialDelay,
		RandomizationFactor: 0.5, // delay * U(0.5, 1.5)
		Multiplier:          c.cfg.Multiplier,
		MaxInterval:         c.cfg.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	attempts := uint64(c.cfg.MaxAttempts)
	if attempts > 0 {
		attempts--
	}

	operation := func() error {
		if err := c.sleepInterval(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.doOnce(ctx, endpoint, body, out)
		if err == nil {
			return nil
		}
		if Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		log.Printf("hsp: %s failed (%v), retrying in %s", endpoint, err, next.Round(time.Millisecond))
		// Honour the server's 429 delay hint on top of the backoff delay.
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.Delay > 0 {
			sleepCtx(ctx, rl.Delay)
		}
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx), notify)
	if err != nil {
		return fmt.Errorf("hsp %s: %w", endpoint, err)
	}
	return nil
}

// doOnce performs a single authenticated POST, classifying failures per the
// upstream's status codes. Caller holds the mutex.
func (c *Client) doOnce(ctx context.Context, endpoint string, body []byte, out any) error {
	if c.token == "" || time.Since(c.tokenIssued) >= tokenLifetime {
		if err := c.authenticateLocked(ctx); err != nil {
			return err
		}
	}

	resp, err := c.post(ctx, endpoint, body)
	if err != nil {
		return err
	}

	// A 401/403 after a previously good token means it expired server side:
	// refresh once and replay.
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		if err := c.authenticateLocked(ctx); err != nil {
			return err
		}
		resp, err = c.post(ctx, endpoint, body)
		if err != nil {
			return err
		}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ValidationError{Body: string(msg)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{Delay: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	default:
		return &ProtocolError{Err: fmt.Errorf("unexpected HTTP %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProtocolError{Err: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	return resp, nil
}

// sleepInterval enforces the configured inter-request pacing. Caller holds
// the mutex; the previous request time is measured from request start.
func (c *Client) sleepInterval(ctx context.Context) error {
	if c.cfg.MaxInterval > 0 && !c.lastRequest.IsZero() {
		span := c.cfg.MaxInterval - c.cfg.MinInterval
		want := c.cfg.MinInterval
		if span > 0 {
			want += time.Duration(c.rnd.Int63n(int64(span)))
		}
		if elapsed := time.Since(c.lastRequest); elapsed < want {
			if err := sleepCtx(ctx, want-elapsed); err != nil {
				return err
			}
		}
	}
	c.lastRequest = time.Now()
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
