package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

type testSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newTestSigner(t *testing.T, kid string) testSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return testSigner{key: key, kid: kid}
}

func (s testSigner) sign(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s testSigner) publicJWK(t *testing.T) jwk.Key {
	t.Helper()
	key, err := jwk.Import(&s.key.PublicKey)
	if err != nil {
		t.Fatalf("import public key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, s.kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		t.Fatalf("set use: %v", err)
	}
	return key
}

// jwksServer serves a swappable key set over TLS and counts fetches.
type jwksServer struct {
	*httptest.Server
	mu   sync.Mutex
	body []byte
	hits atomic.Int32
}

func newJWKSServer(t *testing.T, signers ...testSigner) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.setKeys(t, signers...)
	s.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		body := s.body
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(t *testing.T, signers ...testSigner) {
	t.Helper()
	set := jwk.NewSet()
	for _, signer := range signers {
		if err := set.AddKey(signer.publicJWK(t)); err != nil {
			t.Fatalf("add key: %v", err)
		}
	}
	buf, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal key set: %v", err)
	}
	s.mu.Lock()
	s.body = buf
	s.mu.Unlock()
}

func newTestKeyClient(t *testing.T, srv *jwksServer, opts KeyClientOptions) *KeyClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	opts.HTTPClient = srv.Client()
	client, err := NewKeyClient(ctx, srv.URL+"/jwks", opts)
	if err != nil {
		t.Fatalf("NewKeyClient: %v", err)
	}
	return client
}

// staticKeys resolves keys from a fixed map.
type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, ErrKeyNotFound
}
