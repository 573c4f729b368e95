// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package httpclient is a rate-limited HTTP client with retries, used by
// transforms that pull pages from a remote API.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Config controls retry and pacing.
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
	// MinInterval is the minimum spacing between requests across all
	// callers sharing the client. Zero disables pacing.
	MinInterval time.Duration `mapstructure:"min_interval"`
	UserAgent   string        `mapstructure:"user_agent"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		RetryMax:     5,
		RetryWaitMin: time.Second,
		RetryWaitMax: 30 * time.Second,
		MinInterval:  350 * time.Millisecond,
		UserAgent:    "shardmerge",
	}
}

// Client is safe for concurrent use.
type Client struct {
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	userAgent string
}

func New(cfg Config, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Backoff = retryablehttp.LinearJitterBackoff
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil
	if logger != nil {
		rc.Logger = logger
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return &Client{http: rc, limiter: limiter, userAgent: cfg.UserAgent}
}

// Get fetches url and returns the body. Transport errors and 5xx responses
// are retried; any other non-2xx status is returned as an error.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return body, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get %s: unexpected status %d", e.URL, e.StatusCode)
}
