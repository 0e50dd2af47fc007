// Package upstream is the HTTP client for the token discovery and batch metrics API.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tokenwatch/internal/retry"
)

// Default configuration values.
const (
	DefaultTimeout = 15 * time.Second

	recentPath = "/tokens/v2/recent"
	searchPath = "/tokens/v2/search"
)

// Client fetches token descriptors from the discovery/metrics API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
	apiKey     string
	limiter    Limiter

	getter *Getter
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetryPolicy sets the retry policy for transient failures.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithAPIKey sends key in the x-api-key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithLimiter gates every request attempt on l.
func WithLimiter(l Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// NewClient creates a discovery/metrics client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("x-api-key", c.apiKey)
	}
	c.getter = NewGetter(c.httpClient, c.policy, header, c.limiter)
	return c
}

// RecentTokens returns the most recently created tokens.
func (c *Client) RecentTokens(ctx context.Context) ([]TokenDescriptor, error) {
	var out []TokenDescriptor
	if err := c.getter.GetJSON(ctx, c.baseURL+recentPath, &out); err != nil {
		return nil, fmt.Errorf("fetch recent tokens: %w", err)
	}
	return out, nil
}

// SearchTokens returns current descriptors for the given mints in one call.
func (c *Client) SearchTokens(ctx context.Context, mints []string) ([]TokenDescriptor, error) {
	if len(mints) == 0 {
		return nil, nil
	}

	q := url.Values{}
	q.Set("query", strings.Join(mints, ","))

	var out []TokenDescriptor
	if err := c.getter.GetJSON(ctx, c.baseURL+searchPath+"?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("search tokens: %w", err)
	}
	return out, nil
}
