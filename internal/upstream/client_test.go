package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenwatch/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestClient_RecentTokens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, recentPath, r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{
			"id": "MintA", "name": "Alpha", "symbol": "ALP", "holderCount": 42,
			"usdPrice": 0.5, "mcap": 500, "fdv": 1000, "liquidity": 250,
			"totalSupply": 2000, "priceBlockId": 991,
			"audit": {"mintAuthorityDisabled": true},
			"stats5m": {"numBuys": 3, "numSells": 1},
			"firstPool": {"id": "PoolA", "createdAt": "2026-01-02T03:04:05Z"}
		}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("k1"), WithRetryPolicy(fastRetry()))
	tokens, err := client.RecentTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	d := tokens[0]
	assert.Equal(t, "MintA", d.ID)
	assert.Equal(t, 42, d.HolderCount)
	assert.Equal(t, "PoolA", d.PairAddress())
	require.NotNil(t, d.FirstPool.CreatedAt)
	assert.Equal(t, 2026, d.FirstPool.CreatedAt.Year())
	require.NotNil(t, d.PriceBlockID)
	assert.Equal(t, int64(991), *d.PriceBlockID)
	require.NotNil(t, d.ImpliedSupply())
	assert.InDelta(t, 1000.0, *d.ImpliedSupply(), 1e-9)
	assert.Nil(t, d.CircSupply)
	assert.Equal(t, 3, d.Stats5m.NumBuys)
}

func TestClient_SearchTokensJoinsMints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, searchPath, r.URL.Path)
		assert.Equal(t, "M1,M2", r.URL.Query().Get("query"))
		_ = json.NewEncoder(w).Encode([]TokenDescriptor{{ID: "M1"}, {ID: "M2"}})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	tokens, err := client.SearchTokens(context.Background(), []string{"M1", "M2"})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	none, err := client.SearchTokens(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryPolicy(fastRetry()))
	_, err := client.RecentTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryPolicy(fastRetry()))
	_, err := client.RecentTokens(context.Background())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RateLimitedSurfacesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryPolicy(fastRetry()))
	_, err := client.SearchTokens(context.Background(), []string{"M1"})

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 2*time.Minute, rl.RetryAfter)
}

type recordingLimiter struct {
	acquires atomic.Int32
	mu       sync.Mutex
	backoffs []time.Duration
}

func (l *recordingLimiter) Acquire(context.Context) error {
	l.acquires.Add(1)
	return nil
}

func (l *recordingLimiter) BackoffFor(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backoffs = append(l.backoffs, d)
}

func TestClient_LimiterGatesEveryAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	lim := &recordingLimiter{}
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	client := NewClient(server.URL, WithRetryPolicy(policy), WithLimiter(lim))

	_, err := client.SearchTokens(context.Background(), []string{"M1"})
	require.NoError(t, err)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, hits.Load(), lim.acquires.Load(), "one slot per request attempt")
	assert.Equal(t, []time.Duration{DefaultRateLimitBackoff, DefaultRateLimitBackoff, DefaultRateLimitBackoff}, lim.backoffs)
}

func TestClient_RateLimitHintExtendsLimiterBackoff(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	lim := &recordingLimiter{}
	client := NewClient(server.URL, WithRetryPolicy(fastRetry()), WithLimiter(lim))

	_, err := client.RecentTokens(context.Background())
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int32(1), hits.Load(), "hint beyond MaxDelay goes back to the caller")
	assert.Equal(t, int32(1), lim.acquires.Load())
	assert.Equal(t, []time.Duration{30 * time.Second}, lim.backoffs)
}

type failingLimiter struct{ err error }

func (l failingLimiter) Acquire(context.Context) error { return l.err }
func (failingLimiter) BackoffFor(time.Duration) {}

func TestClient_LimiterErrorSkipsRequest(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryPolicy(fastRetry()), WithLimiter(failingLimiter{err: context.Canceled}))
	_, err := client.RecentTokens(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hits.Load())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&RateLimitedError{}))
	assert.True(t, IsTransient(&StatusError{StatusCode: 503}))
	assert.False(t, IsTransient(&StatusError{StatusCode: 404}))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
}
