package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func TestNewPKCEChallengeMatchesVerifier(t *testing.T) {
	for i := 0; i < 100; i++ {
		p, err := NewPKCE()
		if err != nil {
			t.Fatalf("NewPKCE: %v", err)
		}
		sum := sha256.Sum256([]byte(p.Verifier))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if p.Challenge != want {
			t.Fatalf("challenge mismatch: got %q want %q", p.Challenge, want)
		}
		if strings.ContainsAny(p.Verifier+p.Challenge, "+/=") {
			t.Fatalf("expected unpadded url-safe encoding, got %q / %q", p.Verifier, p.Challenge)
		}
	}
}

func TestNewPKCEVerifierEntropy(t *testing.T) {
	p, err := NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(p.Verifier)
	if err != nil {
		t.Fatalf("verifier is not raw url base64: %v", err)
	}
	if len(raw)*8 < 256 {
		t.Fatalf("verifier built from %d bits, want at least 256", len(raw)*8)
	}
	// RFC 7636 bounds the verifier to 43..128 characters.
	if len(p.Verifier) < 43 || len(p.Verifier) > 128 {
		t.Fatalf("verifier length %d outside 43..128", len(p.Verifier))
	}
}

func TestLoginAttemptTokensAreUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n*2)
	now := time.Now()
	for i := 0; i < n; i++ {
		a, err := NewLoginAttempt(now)
		if err != nil {
			t.Fatalf("NewLoginAttempt: %v", err)
		}
		for _, v := range []string{a.State, a.Nonce} {
			if _, dup := seen[v]; dup {
				t.Fatalf("duplicate token after %d attempts: %q", i, v)
			}
			seen[v] = struct{}{}
		}
		if a.State == a.Nonce || a.State == a.CodeVerifier {
			t.Fatalf("state must be generated independently")
		}
	}
}

func TestLoginAttemptMatchState(t *testing.T) {
	a, err := NewLoginAttempt(time.Now())
	if err != nil {
		t.Fatalf("NewLoginAttempt: %v", err)
	}
	if !a.MatchState(a.State) {
		t.Fatalf("expected exact state to match")
	}

	mutated := []byte(a.State)
	if mutated[0] == 'A' {
		mutated[0] = 'B'
	} else {
		mutated[0] = 'A'
	}
	if a.MatchState(string(mutated)) {
		t.Fatalf("single character mutation must not match")
	}
	if a.MatchState("") {
		t.Fatalf("empty state must not match")
	}
	if (LoginAttempt{}).MatchState("") {
		t.Fatalf("empty stored state must never match")
	}
}

func TestLoginAttemptExpired(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	a := LoginAttempt{CreatedAt: created}
	if a.Expired(created.Add(9*time.Minute), 10*time.Minute) {
		t.Fatalf("attempt should still be fresh")
	}
	if !a.Expired(created.Add(11*time.Minute), 10*time.Minute) {
		t.Fatalf("attempt should be stale")
	}
	if a.Expired(created.Add(24*time.Hour), 0) {
		t.Fatalf("zero ttl disables staleness")
	}
}
