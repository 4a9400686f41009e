package dpop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultMaxEntries bounds the in-memory replay cache.
	DefaultMaxEntries = 100_000

	// DefaultCleanupInterval is how often expired jti entries are swept.
	DefaultCleanupInterval = 30 * time.Second

	// MaxJTILength is the maximum accepted jti length in bytes.
	MaxJTILength = 1024
)

var (
	// ErrJTITooLong is returned for jti values longer than MaxJTILength.
	ErrJTITooLong = errors.New("jti exceeds maximum length")

	// ErrCacheFull is returned when the in-memory cache has no room left.
	ErrCacheFull = errors.New("jti cache is full")
)

// ReplayCache records proof jti values and detects reuse.
// Implementations must be safe for concurrent use.
type ReplayCache interface {
	// Record stores jti for ttl and reports whether it was already present.
	Record(ctx context.Context, jti string, ttl time.Duration) (replayed bool, err error)
}

// MemoryReplayCache is an in-process ReplayCache.
type MemoryReplayCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	maxEntries int
	now        func() time.Time

	stop chan struct{}
	done chan struct{}
}

// MemoryReplayCacheOption configures a MemoryReplayCache.
type MemoryReplayCacheOption func(*MemoryReplayCache)

// WithMaxEntries sets the maximum number of live entries.
func WithMaxEntries(n int) MemoryReplayCacheOption {
	return func(c *MemoryReplayCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) MemoryReplayCacheOption {
	return func(c *MemoryReplayCache) {
		c.now = now
	}
}

// NewMemoryReplayCache creates a MemoryReplayCache. A cleanupInterval of
// zero or less disables the background sweeper.
func NewMemoryReplayCache(cleanupInterval time.Duration, opts ...MemoryReplayCacheOption) *MemoryReplayCache {
	c := &MemoryReplayCache{
		entries:    make(map[string]time.Time),
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

// Record implements ReplayCache.
func (c *MemoryReplayCache) Record(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if len(jti) > MaxJTILength {
		return false, ErrJTITooLong
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expires, ok := c.entries[jti]; ok && now.Before(expires) {
		return true, nil
	}
	if len(c.entries) >= c.maxEntries {
		c.sweep(now)
		if len(c.entries) >= c.maxEntries {
			return false, ErrCacheFull
		}
	}
	c.entries[jti] = now.Add(ttl)
	return false, nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweeper.
func (c *MemoryReplayCache) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
	return nil
}

func (c *MemoryReplayCache) cleanupLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.sweep(c.now())
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired entries. Callers hold c.mu.
func (c *MemoryReplayCache) sweep(now time.Time) {
	for jti, expires := range c.entries {
		if !now.Before(expires) {
			delete(c.entries, jti)
		}
	}
}

// RedisReplayCache is a ReplayCache shared between proxy instances.
type RedisReplayCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisReplayCache creates a RedisReplayCache storing keys under prefix.
func NewRedisReplayCache(client redis.UniversalClient, prefix string) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: prefix}
}

// Record implements ReplayCache with SET NX.
func (c *RedisReplayCache) Record(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if len(jti) > MaxJTILength {
		return false, ErrJTITooLong
	}
	stored, err := c.client.SetNX(ctx, c.prefix+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !stored, nil
}
