package contextbuilder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pulseworks/pulse/internal/model"
)

// CachedBuilder wraps a Builder with a short-TTL in-memory cache. Assistant
// exchanges and tick passes hit the same clients repeatedly; the cache
// collapses those rebuilds while the TTL bounds staleness.
//
// Concurrent misses for the same client are collapsed through singleflight
// so a popular client is only rebuilt once per expiry.
type CachedBuilder struct {
	builder *Builder
	ttl     time.Duration
	group   singleflight.Group

	mu      sync.RWMutex
	entries map[string]cachedContext
	done    chan struct{}
}

type cachedContext struct {
	cx        model.ClientContext
	expiresAt time.Time
}

// NewCachedBuilder wraps builder with a TTL cache.
// Call Close to stop the background eviction goroutine.
func NewCachedBuilder(builder *Builder, ttl time.Duration) *CachedBuilder {
	c := &CachedBuilder{
		builder: builder,
		ttl:     ttl,
		entries: make(map[string]cachedContext),
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Build returns the cached current context for the client when fresh,
// rebuilding otherwise. Only zero-asOf requests (the current view) touch the
// cache: entries are keyed by client, so any explicit point-in-time request
// is built fresh — the cached entry may be newer than the requested instant
// and a point-in-time view must never displace the current one.
func (c *CachedBuilder) Build(ctx context.Context, clientID string, asOf time.Time) (model.ClientContext, error) {
	if !asOf.IsZero() {
		return c.builder.Build(ctx, clientID, asOf)
	}

	c.mu.RLock()
	entry, ok := c.entries[clientID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.cx, nil
	}

	v, err, _ := c.group.Do(clientID, func() (any, error) {
		cx, err := c.builder.Build(ctx, clientID, time.Time{})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[clientID] = cachedContext{cx: cx, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return cx, nil
	})
	if err != nil {
		return model.ClientContext{}, err
	}
	return v.(model.ClientContext), nil
}

// Invalidate drops the cached entry for a client. Called after an event
// append so the evaluator sees the new event immediately.
func (c *CachedBuilder) Invalidate(clientID string) {
	c.mu.Lock()
	delete(c.entries, clientID)
	c.mu.Unlock()
}

// Close stops the background eviction goroutine.
func (c *CachedBuilder) Close() {
	close(c.done)
}

func (c *CachedBuilder) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *CachedBuilder) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
