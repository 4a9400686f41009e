package store

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired entries are swept.
const DefaultCleanupInterval = 30 * time.Second

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// MemoryStore is an in-process Store with per-entry expiry.
type MemoryStore[V any] struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry[V]
	ttl     time.Duration
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
}

// WithTTL sets the lifetime of new entries.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.ttl = ttl }
}

// WithCleanupInterval sets the sweep interval. Zero or less disables sweeping;
// expired entries are then only hidden from reads.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.cleanupInterval = interval }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// NewMemoryStore creates a MemoryStore and starts its sweeper.
// Call Close to stop it.
func NewMemoryStore[V any](opts ...MemoryOption) *MemoryStore[V] {
	o := memoryOptions{
		ttl:             DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStore[V]{
		entries: make(map[string]memoryEntry[V]),
		ttl:     o.ttl,
		now:     o.now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if o.cleanupInterval > 0 {
		go s.cleanupLoop(o.cleanupInterval)
	} else {
		close(s.done)
	}
	return s
}

// Get implements Store.
func (s *MemoryStore[V]) Get(_ context.Context, key string) (V, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		var zero V
		return zero, false, nil
	}
	return e.value, true, nil
}

// Set implements Store.
func (s *MemoryStore[V]) Set(_ context.Context, key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memoryEntry[V]{value: value}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete implements Store.
func (s *MemoryStore[V]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Range implements Store. fn runs on a snapshot, so it may call back into
// the store.
func (s *MemoryStore[V]) Range(_ context.Context, fn func(key string, value V) bool) error {
	s.mu.RLock()
	snapshot := make(map[string]V, len(s.entries))
	for k, e := range s.entries {
		if !s.expired(e) {
			snapshot[k] = e.value
		}
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the sweeper.
func (s *MemoryStore[V]) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

func (s *MemoryStore[V]) expired(e memoryEntry[V]) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *MemoryStore[V]) cleanupLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore[V]) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
		}
	}
}

var _ Store[string] = (*MemoryStore[string])(nil)
