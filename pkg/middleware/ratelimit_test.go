package middleware

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

	"github.com/meterline/meterline/pkg/observability"
)

func newTestMiddleware(t *testing.T, config *RateLimitConfig) (*RateLimitMiddleware, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewRateLimitMiddleware(client, config, logger, nil), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "acc_1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "acc_1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Budgets are per key.
	allowed, err = limiter.Allow(ctx, "acc_2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "acc_1")
	require.NoError(t, err)
	assert.False(t, allowed)

	mr.FastForward(2 * time.Minute)

	allowed, err = limiter.Allow(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHandler_WithinBudget(t *testing.T) {
	m, _ := newTestMiddleware(t, &RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute})
	handler := m.Handler(okHandler())

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Account-ID", "acc_1")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestHandler_RejectsBeyondBudget(t *testing.T) {
	m, _ := newTestMiddleware(t, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	handler := m.Handler(okHandler())

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Account-ID", "acc_1")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandler_AnonymousKeyedByNetworkIdentity(t *testing.T) {
	m, _ := newTestMiddleware(t, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	handler := m.Handler(okHandler())

	first := httptest.NewRequest("GET", "/", nil)
	first.Header.Set("X-Forwarded-For", "203.0.113.7")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, first)
	require.Equal(t, http.StatusOK, w.Code)

	// Same caller is over budget; a different caller is not.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, first)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	second := httptest.NewRequest("GET", "/", nil)
	second.Header.Set("X-Forwarded-For", "198.51.100.2")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, second)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_FailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	m := NewRateLimitMiddleware(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, logger, nil)
	handler := m.Handler(okHandler())

	mr.Close()

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Account-ID", "acc_1")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}
