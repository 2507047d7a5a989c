package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	verifierBytes = 64
	tokenBytes    = 32

	// ChallengeMethodS256 is the only code challenge method we send.
	ChallengeMethodS256 = "S256"
)

// PKCE holds a code verifier and its derived challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// LoginAttempt is the material generated when a login starts. It lives in the
// session until the callback consumes it.
type LoginAttempt struct {
	CodeVerifier  string    `json:"codeVerifier"`
	CodeChallenge string    `json:"codeChallenge"`
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NewPKCE returns a fresh verifier/challenge pair.
func NewPKCE() (PKCE, error) {
	verifier, err := randomString(verifierBytes)
	if err != nil {
		return PKCE{}, fmt.Errorf("generate code verifier: %w", err)
	}
	return PKCE{Verifier: verifier, Challenge: ChallengeS256(verifier)}, nil
}

// ChallengeS256 derives the S256 code challenge for verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// RandomToken returns an opaque URL-safe token suitable for state or nonce.
func RandomToken() (string, error) {
	return randomString(tokenBytes)
}

// NewLoginAttempt generates the verifier, challenge, state and nonce for one login.
func NewLoginAttempt(now time.Time) (LoginAttempt, error) {
	pkce, err := NewPKCE()
	if err != nil {
		return LoginAttempt{}, err
	}
	state, err := RandomToken()
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := RandomToken()
	if err != nil {
		return LoginAttempt{}, fmt.Errorf("generate nonce: %w", err)
	}
	return LoginAttempt{
		CodeVerifier:  pkce.Verifier,
		CodeChallenge: pkce.Challenge,
		State:         state,
		Nonce:         nonce,
		CreatedAt:     now.UTC(),
	}, nil
}

// Expired reports whether the attempt is older than ttl at now.
func (a LoginAttempt) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(a.CreatedAt) > ttl
}

// MatchState compares the stored state with the one returned by the provider.
// An empty value never matches.
func (a LoginAttempt) MatchState(got string) bool {
	if a.State == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.State), []byte(got)) == 1
}

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
