package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"hopeturtles/auth"
)

func authenticatedSession(t *testing.T) *Session {
	t.Helper()
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	last := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.State = Authenticated{
		User: User{ID: 42, BuwanaID: 42, Email: "ana@example.org", Name: "Ana Lopez", FirstName: "Ana", Role: "user", LastLogin: &last},
		Tokens: auth.TokenSet{
			AccessToken: "at", IDToken: "id", RefreshToken: "rt", TokenType: "Bearer", ExpiresAt: 1740823200000,
		},
		Claims: map[string]any{"sub": "42", "email": "ana@example.org"},
	}
	return s
}

func TestSessionJSONKeepsPhase(t *testing.T) {
	pending, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	attempt, err := auth.NewLoginAttempt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewLoginAttempt: %v", err)
	}
	pending.State = PendingLogin{Attempt: attempt}

	anon, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, in := range []*Session{anon, pending, authenticatedSession(t)} {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out Session
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Phase() != in.Phase() {
			t.Fatalf("phase changed: %s -> %s", in.Phase(), out.Phase())
		}
		if diff := cmp.Diff(in.State, out.State); diff != "" {
			t.Fatalf("state mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSessionUnmarshalRejectsInconsistentPhase(t *testing.T) {
	for _, raw := range []string{
		`{"id":"x","phase":"pending_login"}`,
		`{"id":"x","phase":"authenticated"}`,
		`{"id":"x","phase":"bogus"}`,
	} {
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestSessionAccessors(t *testing.T) {
	var nilSession *Session
	if nilSession.Phase() != PhaseAnonymous {
		t.Fatalf("nil session should be anonymous")
	}
	if _, ok := nilSession.Pending(); ok {
		t.Fatalf("nil session has no pending login")
	}

	s := authenticatedSession(t)
	if _, ok := s.Pending(); ok {
		t.Fatalf("authenticated session cannot be pending")
	}
	a, ok := s.Authenticated()
	if !ok || a.User.BuwanaID != 42 {
		t.Fatalf("expected authenticated state, got %+v", s.State)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStoreWithClient(client, ""),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := authenticatedSession(t)
			if err := store.Save(ctx, s, time.Hour); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := store.Load(ctx, s.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(s.State, got.State); diff != "" {
				t.Fatalf("state mismatch (-want +got):\n%s", diff)
			}

			// Mutating the caller's copy must not leak into the store.
			s.State = Anonymous{}
			again, err := store.Load(ctx, s.ID)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if again.Phase() != PhaseAuthenticated {
				t.Fatalf("stored session changed without Save")
			}

			if err := store.Delete(ctx, s.ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Load(ctx, s.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
			if err := store.Delete(ctx, s.ID); err != nil {
				t.Fatalf("deleting twice should succeed: %v", err)
			}
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	s, _ := New()
	if err := store.Save(ctx, s, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	other, _ := New()
	if err := store.Save(ctx, other, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Load(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session to be gone, got %v", err)
	}
	if removed := store.Sweep(); removed != 0 {
		t.Fatalf("Load already removed the expired session, Sweep removed %d", removed)
	}
	if _, err := store.Load(ctx, other.ID); err != nil {
		t.Fatalf("live session lost: %v", err)
	}
}

func TestMemoryStoreLoadKeepsRefreshedSession(t *testing.T) {
	store := NewMemoryStore()
	start := time.Now()
	store.now = func() time.Time { return start }
	ctx := context.Background()

	s, _ := New()
	if err := store.Save(ctx, s, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The first clock read in Load sees the session expired; a concurrent
	// Save refreshes it before the expired entry is removed.
	later := start.Add(2 * time.Minute)
	refreshed := false
	store.now = func() time.Time {
		if !refreshed {
			refreshed = true
			if err := store.Save(ctx, s, time.Hour); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}
		return later
	}

	if _, err := store.Load(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the stale read to miss, got %v", err)
	}
	if _, err := store.Load(ctx, s.ID); err != nil {
		t.Fatalf("refreshed session was deleted: %v", err)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisStoreWithClient(client, "test:")
	ctx := context.Background()

	s, _ := New()
	if err := store.Save(ctx, s, 10*time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists("test:" + s.ID) {
		t.Fatalf("expected key with prefix")
	}

	mr.FastForward(11 * time.Minute)
	if _, err := store.Load(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	store := NewRedisStoreWithClient(client, "")
	mr.Close()

	s, _ := New()
	if err := store.Save(context.Background(), s, time.Minute); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, err := store.Load(context.Background(), s.ID); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error without address")
	}
}
