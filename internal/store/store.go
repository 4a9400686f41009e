// Package store provides the key-value storage used to correlate stateful
// protocol artifacts across requests: PKCE challenges keyed by state and then
// by authorization code, and the original redirect URIs of substituted clients.
package store

import (
	"context"
	"fmt"
	"time"
)

// DefaultTTL is how long an entry lives when no TTL is configured.
// Entries left behind by abandoned authorization flows expire after it.
const DefaultTTL = 10 * time.Minute

// Store is a typed key-value store. Single-key operations are atomic;
// implementations must be safe for concurrent use.
type Store[V any] interface {
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) (V, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value V) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Range calls fn for every live entry until fn returns false.
	Range(ctx context.Context, fn func(key string, value V) bool) error
}

// Move rekeys the value stored under from to the key to. It deletes the old
// key before inserting the new one; a concurrent reader may briefly find
// neither key. The returned bool is false when from held no value.
func Move[V any](ctx context.Context, s Store[V], from, to string) (V, bool, error) {
	value, ok, err := s.Get(ctx, from)
	if err != nil || !ok {
		return value, ok, err
	}
	if err := s.Delete(ctx, from); err != nil {
		return value, false, fmt.Errorf("delete %q: %w", from, err)
	}
	if err := s.Set(ctx, to, value); err != nil {
		return value, false, fmt.Errorf("set %q: %w", to, err)
	}
	return value, true, nil
}

// Take returns the value stored under key and deletes it.
func Take[V any](ctx context.Context, s Store[V], key string) (V, bool, error) {
	value, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	if err := s.Delete(ctx, key); err != nil {
		return value, false, fmt.Errorf("delete %q: %w", key, err)
	}
	return value, true, nil
}
