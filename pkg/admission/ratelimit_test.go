package admission

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hangar/pkg/observability"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Hour,
		BurstSize:         1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx, "upload:author-1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be within burst", i)
	}

	allowed, err := rl.Allow(ctx, "upload:author-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, err := rl.Remaining(ctx, "upload:author-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Hour,
	})
	ctx := context.Background()

	allowed, _ := rl.Allow(ctx, "upload:author-1")
	assert.True(t, allowed)
	allowed, _ = rl.Allow(ctx, "upload:author-1")
	assert.False(t, allowed)

	// A different identity on the same route has its own bucket, and so
	// does the same identity on a different route.
	allowed, _ = rl.Allow(ctx, "upload:author-2")
	assert.True(t, allowed)
	allowed, _ = rl.Allow(ctx, "catalog:author-1")
	assert.True(t, allowed)
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Second,
	})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		rl.Allow(ctx, "k")
	}
	allowed, _ := rl.Allow(ctx, "k")
	require.False(t, allowed)

	time.Sleep(50 * time.Millisecond)
	allowed, _ = rl.Allow(ctx, "k")
	assert.True(t, allowed, "elapsed time should refill tokens")
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Nanosecond,
	})
	rl.Allow(context.Background(), "stale")

	time.Sleep(time.Millisecond)
	rl.Cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.buckets)
}

func newRedisLimiter(t *testing.T, cfg *RateLimitConfig) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, cfg, "test"), mr
}

func TestRedisLimiterAllowAndRemaining(t *testing.T) {
	rl, _ := newRedisLimiter(t, &RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := rl.Allow(ctx, "upload:author-1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := rl.Allow(ctx, "upload:author-1")
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, err := rl.Remaining(ctx, "upload:author-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	// Untouched keys report the full window.
	remaining, err = rl.Remaining(ctx, "upload:author-2")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestRedisLimiterWindowExpiry(t *testing.T) {
	rl, mr := newRedisLimiter(t, &RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	allowed, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, err = rl.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, allowed)

	mr.FastForward(time.Minute + time.Second)

	allowed, err = rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed, "counter resets after the window expires")
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	rl, mr := newRedisLimiter(t, nil)
	mr.Close()

	allowed, err := rl.Allow(context.Background(), "k")
	assert.Error(t, err)
	assert.True(t, allowed, "redis outage must not block requests")
}

func TestRedisLimiterReset(t *testing.T) {
	rl, _ := newRedisLimiter(t, &RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
	})
	ctx := context.Background()

	rl.Allow(ctx, "k")
	allowed, _ := rl.Allow(ctx, "k")
	require.False(t, allowed)

	require.NoError(t, rl.Reset(ctx, "k"))
	allowed, _ = rl.Allow(ctx, "k")
	assert.True(t, allowed)
}

func newGuard(t *testing.T, cfg *RateLimitConfig) *Guard {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewGuard(NewRateLimiter(cfg), logger, nil)
}

func TestGuardMiddleware(t *testing.T) {
	g := newGuard(t, &RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Hour,
	})
	handler := g.Middleware("upload", func(*http.Request) string { return "author-1" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/packages/x/versions", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/packages/x/versions", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestIPIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1:1234", IPIdentity(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "ip:10.0.0.2", IPIdentity(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.3")
	assert.Equal(t, "ip:10.0.0.3", IPIdentity(r))
}
