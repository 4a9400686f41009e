package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"solid-oidc-proxy/internal/model"
)

// backends returns every Store implementation under test.
func backends(t *testing.T) map[string]Store[model.ChallengeAndMethod] {
	t.Helper()

	mem := NewMemoryStore[model.ChallengeAndMethod](WithCleanupInterval(0))
	t.Cleanup(func() { _ = mem.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store[model.ChallengeAndMethod]{
		"memory": mem,
		"redis":  NewRedisStore[model.ChallengeAndMethod](client, "test:challenge:", time.Minute),
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	want := model.ChallengeAndMethod{Challenge: "abc", Method: model.MethodS256, InitialState: true}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, "state-1"); err != nil || ok {
				t.Fatalf("Get() on empty store = (%v, %v), want (false, nil)", ok, err)
			}

			if err := s.Set(ctx, "state-1", want); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, ok, err := s.Get(ctx, "state-1")
			if err != nil || !ok {
				t.Fatalf("Get() = (%v, %v)", ok, err)
			}
			if got != want {
				t.Errorf("Get() = %+v, want %+v", got, want)
			}

			if err := s.Delete(ctx, "state-1"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, ok, _ := s.Get(ctx, "state-1"); ok {
				t.Error("key still present after Delete()")
			}
			if err := s.Delete(ctx, "missing"); err != nil {
				t.Errorf("Delete() of missing key error = %v", err)
			}
		})
	}
}

func TestMove_RekeysStateToCode(t *testing.T) {
	ctx := context.Background()
	value := model.ChallengeAndMethod{Challenge: "c", Method: model.MethodPlain}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Set(ctx, "S", value); err != nil {
				t.Fatal(err)
			}

			got, ok, err := Move(ctx, s, "S", "C")
			if err != nil || !ok {
				t.Fatalf("Move() = (%v, %v)", ok, err)
			}
			if got != value {
				t.Errorf("Move() value = %+v, want %+v", got, value)
			}

			if _, ok, _ := s.Get(ctx, "S"); ok {
				t.Error("old key still present after Move()")
			}
			moved, ok, _ := s.Get(ctx, "C")
			if !ok || moved != value {
				t.Errorf("Get(C) = (%+v, %v), want (%+v, true)", moved, ok, value)
			}

			if _, ok, err := Move(ctx, s, "absent", "other"); err != nil || ok {
				t.Errorf("Move() of missing key = (%v, %v), want (false, nil)", ok, err)
			}
		})
	}
}

func TestTake(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v := model.ChallengeAndMethod{Challenge: "x", Method: model.MethodPlain}
			_ = s.Set(ctx, "k", v)

			got, ok, err := Take(ctx, s, "k")
			if err != nil || !ok || got != v {
				t.Fatalf("Take() = (%+v, %v, %v)", got, ok, err)
			}
			if _, ok, _ := s.Get(ctx, "k"); ok {
				t.Error("key still present after Take()")
			}
		})
	}
}

func TestStore_Range(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c"} {
				if err := s.Set(ctx, k, model.ChallengeAndMethod{Challenge: k}); err != nil {
					t.Fatal(err)
				}
			}

			seen := map[string]string{}
			err := s.Range(ctx, func(key string, v model.ChallengeAndMethod) bool {
				seen[key] = v.Challenge
				return true
			})
			if err != nil {
				t.Fatalf("Range() error = %v", err)
			}
			if len(seen) != 3 {
				t.Fatalf("Range() visited %d entries, want 3", len(seen))
			}
			for k, v := range seen {
				if k != v {
					t.Errorf("entry %q has challenge %q", k, v)
				}
			}

			count := 0
			_ = s.Range(ctx, func(string, model.ChallengeAndMethod) bool {
				count++
				return false
			})
			if count != 1 {
				t.Errorf("Range() continued after false: %d calls", count)
			}
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := NewMemoryStore[string](WithTTL(time.Minute), WithCleanupInterval(0), WithClock(clock))
	defer func() { _ = s.Close() }()

	if err := s.Set(ctx, "state", "https://app.example/cb"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(59 * time.Second)
	if _, ok, _ := s.Get(ctx, "state"); !ok {
		t.Fatal("entry expired early")
	}

	now = now.Add(time.Second)
	if _, ok, _ := s.Get(ctx, "state"); ok {
		t.Error("entry still visible after TTL")
	}

	s.cleanup()
	if s.Len() != 0 {
		t.Errorf("Len() = %d after cleanup, want 0", s.Len())
	}
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	s := NewRedisStore[string](client, "test:redirect:", 30*time.Second)
	if err := s.Set(ctx, "state", "https://app.example/cb"); err != nil {
		t.Fatal(err)
	}

	if ttl := mr.TTL("test:redirect:state"); ttl != 30*time.Second {
		t.Errorf("TTL = %v, want %v", ttl, 30*time.Second)
	}

	mr.FastForward(31 * time.Second)
	if _, ok, _ := s.Get(ctx, "state"); ok {
		t.Error("entry still present after TTL")
	}
}
