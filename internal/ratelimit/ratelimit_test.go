package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter(1, 3)
	defer m.Close()
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefills(t *testing.T) {
	m := NewMemoryLimiter(50, 1) // 50 tokens/s: one token back in 20ms
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k")
	require.False(t, ok)

	time.Sleep(40 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok, "token refilled after waiting")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok, "key b has its own bucket")
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var n NoopLimiter
	for range 100 {
		ok, err := n.Allow(context.Background(), "any")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, n.Close())
}

// errLimiter simulates a malfunctioning limiter backend.
type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (errLimiter) Close() error { return nil }

func newLimitedHandler(limiter Limiter, keyFunc KeyFunc) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	onLimited := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}
	return Middleware(limiter, "test", keyFunc, onLimited)(next)
}

func TestMiddlewareReturns429WhenDenied(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()
	h := newLimitedHandler(m, IPKeyFunc)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:4312"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer m.Close()
	h := newLimitedHandler(m, func(*http.Request) string { return "" })

	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	h := newLimitedHandler(errLimiter{}, IPKeyFunc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:9999"
	assert.Equal(t, "198.51.100.7", IPKeyFunc(r))

	// The spoofable forwarding header is ignored.
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, "198.51.100.7", IPKeyFunc(r))
}
