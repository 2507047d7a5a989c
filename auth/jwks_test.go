package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyClientCachesResolvedKeys(t *testing.T) {
	signer := newTestSigner(t, "k1")
	srv := newJWKSServer(t, signer)
	client := newTestKeyClient(t, srv, KeyClientOptions{})
	ctx := context.Background()

	first, err := client.Key(ctx, "k1")
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if first.N.Cmp(signer.key.PublicKey.N) != 0 {
		t.Fatalf("resolved key does not match published key")
	}
	hits := srv.hits.Load()

	for i := 0; i < 5; i++ {
		if _, err := client.Key(ctx, "k1"); err != nil {
			t.Fatalf("Key: %v", err)
		}
	}
	if got := srv.hits.Load(); got != hits {
		t.Fatalf("cached lookups hit the endpoint: %d -> %d", hits, got)
	}
}

func TestKeyClientRefreshesOnUnknownKid(t *testing.T) {
	oldKey := newTestSigner(t, "old")
	newKey := newTestSigner(t, "new")
	srv := newJWKSServer(t, oldKey)
	client := newTestKeyClient(t, srv, KeyClientOptions{})
	ctx := context.Background()

	if _, err := client.Key(ctx, "old"); err != nil {
		t.Fatalf("Key(old): %v", err)
	}

	srv.setKeys(t, oldKey, newKey)
	got, err := client.Key(ctx, "new")
	if err != nil {
		t.Fatalf("Key(new) after rotation: %v", err)
	}
	if got.N.Cmp(newKey.key.PublicKey.N) != 0 {
		t.Fatalf("rotated key mismatch")
	}
}

func TestKeyClientThrottlesRefresh(t *testing.T) {
	a := newTestSigner(t, "a")
	b := newTestSigner(t, "b")
	c := newTestSigner(t, "c")
	srv := newJWKSServer(t, a)
	client := newTestKeyClient(t, srv, KeyClientOptions{RequestsPerMinute: 1})
	ctx := context.Background()

	if _, err := client.Key(ctx, "a"); err != nil {
		t.Fatalf("Key(a): %v", err)
	}

	srv.setKeys(t, a, b)
	if _, err := client.Key(ctx, "b"); err != nil {
		t.Fatalf("first refresh should be allowed: %v", err)
	}

	srv.setKeys(t, a, b, c)
	hits := srv.hits.Load()
	_, err := client.Key(ctx, "c")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected throttled lookup to miss, got %v", err)
	}
	if got := srv.hits.Load(); got != hits {
		t.Fatalf("throttled lookup fetched the key set: %d -> %d", hits, got)
	}
}

func TestKeyClientBoundsEntries(t *testing.T) {
	signers := []testSigner{newTestSigner(t, "k1"), newTestSigner(t, "k2"), newTestSigner(t, "k3")}
	srv := newJWKSServer(t, signers...)
	client := newTestKeyClient(t, srv, KeyClientOptions{MaxEntries: 2})
	ctx := context.Background()

	for _, s := range signers {
		if _, err := client.Key(ctx, s.kid); err != nil {
			t.Fatalf("Key(%s): %v", s.kid, err)
		}
	}
	if got := client.Len(); got != 2 {
		t.Fatalf("expected 2 cached keys, got %d", got)
	}
}

func TestKeyClientExpiresEntries(t *testing.T) {
	signer := newTestSigner(t, "k1")
	srv := newJWKSServer(t, signer)
	client := newTestKeyClient(t, srv, KeyClientOptions{MaxAge: time.Minute})
	ctx := context.Background()

	now := time.Now()
	client.now = func() time.Time { return now }
	if _, err := client.Key(ctx, "k1"); err != nil {
		t.Fatalf("Key: %v", err)
	}
	if _, ok := client.cached("k1"); !ok {
		t.Fatalf("expected fresh entry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := client.cached("k1"); ok {
		t.Fatalf("entry older than max age must not be served")
	}
	if _, err := client.Key(ctx, "k1"); err != nil {
		t.Fatalf("Key after expiry: %v", err)
	}
	if _, ok := client.cached("k1"); !ok {
		t.Fatalf("expected entry to be re-cached")
	}
}

func TestKeyClientRejectsEmptyKid(t *testing.T) {
	srv := newJWKSServer(t, newTestSigner(t, "k1"))
	client := newTestKeyClient(t, srv, KeyClientOptions{})
	if _, err := client.Key(context.Background(), ""); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestNewKeyClientRequiresURL(t *testing.T) {
	if _, err := NewKeyClient(context.Background(), "", KeyClientOptions{}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
