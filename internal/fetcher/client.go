package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// client wraps http.Client with a request rate cap and exponential
// backoff retries on transient failures.
type client struct {
	http       *http.Client
	limiter    *rate.Limiter
	maxElapsed time.Duration
	userAgent  string
}

type clientOptions struct {
	Timeout        time.Duration
	RequestsPerSec int
	MaxRetryTime   time.Duration
	UserAgent      string
}

func newClient(opts clientOptions) *client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 5
	}
	if opts.MaxRetryTime <= 0 {
		opts.MaxRetryTime = 20 * time.Second
	}
	return &client{
		http:       &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.RequestsPerSec),
		maxElapsed: opts.MaxRetryTime,
		userAgent:  opts.UserAgent,
	}
}

// APIError carries a non-2xx exchange response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("exchange api error (%d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("exchange api error (%d)", e.Status)
}

// postJSON issues a JSON POST and decodes the response body into out.
// Server-side errors are retried with exponential backoff; client-side
// (4xx) errors and undecodable payloads are permanent.
func (c *client) postJSON(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if ua := strings.TrimSpace(c.userAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}

		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(operation, backoff.WithContext(strategy, ctx))
}
