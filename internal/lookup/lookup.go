// Package lookup implements the balance lookup against a JSON HTTP API.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"walletwatch/internal/retry"
	logx "walletwatch/pkg/logx"
)

const maxResponseBodySize = 1 << 20 // 1MB

// Checker matches pool.Checker.
type Checker interface {
	Check(ctx context.Context, address string) (float64, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, address string) (float64, error)

func (f CheckerFunc) Check(ctx context.Context, address string) (float64, error) {
	return f(ctx, address)
}

type Config struct {
	// URL contains the literal placeholder {address}.
	URL string
	// AmountPath is a dot path into the JSON response, e.g.
	// "chain_stats.funded_txo_sum" or "data.0.balance".
	AmountPath string
	// SubtractPath, if set, is subtracted from AmountPath
	// (funded minus spent).
	SubtractPath string
	// Divisor scales the raw number, e.g. 1e8 for satoshi to BTC.
	Divisor float64
	Headers map[string]string
	Retry   retry.Policy
}

// HTTPChecker performs one GET per address. 429 responses carry the
// Retry-After wait to the retry policy, other 4xx responses are permanent
// and 5xx responses are retried.
type HTTPChecker struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

var ErrNoAddressPlaceholder = errors.New("lookup url must contain {address}")

func NewHTTPChecker(cfg Config, client *http.Client, log logx.Logger) (*HTTPChecker, error) {
	if !strings.Contains(cfg.URL, "{address}") {
		return nil, ErrNoAddressPlaceholder
	}
	if strings.TrimSpace(cfg.AmountPath) == "" {
		return nil, errors.New("lookup amount_path is empty")
	}
	if cfg.Divisor <= 0 {
		cfg.Divisor = 1
	}
	if client == nil {
		client = &http.Client{
			// per-request timeouts come from the pool's context
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     60 * time.Second,
			},
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPChecker{cfg: cfg, client: client, log: log}, nil
}

func (c *HTTPChecker) Check(ctx context.Context, address string) (float64, error) {
	var amount float64
	policy := c.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, wait time.Duration) {
			c.log.Debug("lookup retry", logx.String("address", address), logx.Int("attempt", attempt),
				logx.Duration("wait", wait), logx.Err(err))
		}
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		v, err := c.fetch(ctx, address)
		if err == nil {
			amount = v
		}
		return err
	})
	return amount, err
}

func (c *HTTPChecker) fetch(ctx context.Context, address string) (float64, error) {
	u := strings.ReplaceAll(c.cfg.URL, "{address}", url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, retry.NoRetry(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return 0, retry.RetryAfter(fmt.Errorf("lookup rate limited: %s", resp.Status), wait)
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("lookup server error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return 0, retry.NoRetry(fmt.Errorf("lookup rejected: %s", resp.Status))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, retry.NoRetry(fmt.Errorf("malformed response: %w", err))
	}
	amount, err := numberAt(doc, c.cfg.AmountPath)
	if err != nil {
		return 0, retry.NoRetry(err)
	}
	if c.cfg.SubtractPath != "" {
		sub, err := numberAt(doc, c.cfg.SubtractPath)
		if err != nil {
			return 0, retry.NoRetry(err)
		}
		amount -= sub
	}
	return amount / c.cfg.Divisor, nil
}

// numberAt walks a dot path through objects and arrays and returns the
// number found there. Numeric strings are accepted.
func numberAt(doc any, path string) (float64, error) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return 0, fmt.Errorf("field %q not found in %q", part, path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return 0, fmt.Errorf("index %q out of range in %q", part, path)
			}
			cur = v[i]
		default:
			return 0, fmt.Errorf("cannot descend into %q of %q", part, path)
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not numeric: %q", path, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value at %q is not numeric", path)
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date. Missing or
// unparsable values fall back to one second.
func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}
