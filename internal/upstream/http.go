package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tokenwatch/internal/retry"
)

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// DefaultRateLimitBackoff is applied to the limiter when a 429 carries no Retry-After.
const DefaultRateLimitBackoff = 5 * time.Second

// Limiter spaces request attempts and absorbs rate-limit backoff.
type Limiter interface {
	Acquire(ctx context.Context) error
	BackoffFor(d time.Duration)
}

// Getter issues GET requests that decode JSON, retrying transient failures.
type Getter struct {
	client  *http.Client
	policy  retry.Policy
	header  http.Header
	limiter Limiter
	now     func() time.Time
}

// NewGetter creates a Getter. The policy's Retryable predicate defaults to
// IsTransient. A nil limiter leaves requests ungated.
func NewGetter(client *http.Client, policy retry.Policy, header http.Header, limiter Limiter) *Getter {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	return &Getter{client: client, policy: policy, header: header, limiter: limiter, now: time.Now}
}

// GetJSON fetches url and decodes the body into out. Every attempt, retries
// included, takes a limiter slot, and a 429 pushes the limiter's backoff out
// before the next attempt.
func (g *Getter) GetJSON(ctx context.Context, url string, out any) error {
	return g.policy.Do(ctx, func(ctx context.Context) error {
		if g.limiter != nil {
			if err := g.limiter.Acquire(ctx); err != nil {
				return retry.Permanent(err)
			}
		}
		err := g.getOnce(ctx, url, out)
		var rl *RateLimitedError
		if g.limiter != nil && errors.As(err, &rl) {
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = DefaultRateLimitBackoff
			}
			g.limiter.BackoffFor(wait)
		}
		return err
	})
}

func (g *Getter) getOnce(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range g.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), g.now())}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
