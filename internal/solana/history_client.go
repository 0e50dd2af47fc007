package solana

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tokenwatch/internal/retry"
	"tokenwatch/internal/upstream"
)

// Default configuration values.
const (
	DefaultTimeout = 30 * time.Second
)

// HTTPClient implements HistoryClient against the enhanced-transactions API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
	limiter upstream.Limiter

	getter *upstream.Getter
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithRetryPolicy sets the retry policy for transient failures.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *HTTPClient) {
		c.policy = p
	}
}

// WithAPIKey sets the api-key query parameter.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithLimiter gates every request attempt on l.
func WithLimiter(l upstream.Limiter) ClientOption {
	return func(c *HTTPClient) {
		c.limiter = l
	}
}

// NewHTTPClient creates a new transaction-history client.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.getter = upstream.NewGetter(c.client, c.policy, nil, c.limiter)
	return c
}

// Compile-time interface check.
var _ HistoryClient = (*HTTPClient)(nil)

// GetTransactions retrieves one page of parsed transactions for address, newest first.
func (c *HTTPClient) GetTransactions(ctx context.Context, address string, opts *HistoryOpts) ([]EnhancedTransaction, error) {
	q := url.Values{}
	if c.apiKey != "" {
		q.Set("api-key", c.apiKey)
	}
	limit := MaxPageSize
	if opts != nil {
		if opts.Limit > 0 && opts.Limit < MaxPageSize {
			limit = opts.Limit
		}
		if opts.Before != "" {
			q.Set("before", opts.Before)
		}
	}
	q.Set("limit", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/v0/addresses/%s/transactions?%s", c.baseURL, url.PathEscape(address), q.Encode())

	var txs []EnhancedTransaction
	if err := c.getter.GetJSON(ctx, endpoint, &txs); err != nil {
		return nil, fmt.Errorf("get transactions for %s: %w", address, err)
	}
	return txs, nil
}
