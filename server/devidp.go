package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"hopeturtles/auth"
)

const (
	devCodeTTL  = time.Minute
	devTokenTTL = time.Hour
	devKeyFile  = "dev-idp-jwks.json"
)

// DevProfile is the account the development provider signs in.
type DevProfile struct {
	Subject        string
	Email          string
	Name           string
	GivenName      string
	FamilyName     string
	Role           string
	EarthlingEmoji string
}

// DefaultDevProfile is used when no profile is configured.
var DefaultDevProfile = DevProfile{
	Subject:        "1001",
	Email:          "dev@hopeturtles.local",
	Name:           "Dev Earthling",
	Role:           "admin",
	EarthlingEmoji: "🐢",
}

// DevIdPOptions configures the development provider.
type DevIdPOptions struct {
	Issuer      string
	ClientID    string
	RedirectURI string
	// KeyPath keeps the signing key across restarts. Empty means an ephemeral key.
	KeyPath string
	Profile DevProfile
	Logger  *slog.Logger
}

type devCode struct {
	redirectURI string
	challenge   string
	nonce       string
	profile     DevProfile
	expiresAt   time.Time
}

// DevIdentityProvider is a minimal OIDC provider for local development. It
// approves every authorization request for its configured profile.
type DevIdentityProvider struct {
	issuer      string
	clientID    string
	redirectURI string
	logger      *slog.Logger
	now         func() time.Time
	router      chi.Router

	mu      sync.Mutex
	key     *rsa.PrivateKey
	jwk     jose.JSONWebKey
	profile DevProfile
	codes   map[string]devCode
}

// NewDevIdentityProvider loads or creates the signing key and builds the routes.
func NewDevIdentityProvider(opts DevIdPOptions) (*DevIdentityProvider, error) {
	if opts.Issuer == "" || opts.ClientID == "" {
		return nil, errors.New("dev idp: issuer and client id are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	profile := opts.Profile
	if profile.Subject == "" {
		profile = DefaultDevProfile
	}

	d := &DevIdentityProvider{
		issuer:      strings.TrimSuffix(opts.Issuer, "/"),
		clientID:    opts.ClientID,
		redirectURI: opts.RedirectURI,
		logger:      logger,
		now:         time.Now,
		profile:     profile,
		codes:       make(map[string]devCode),
	}
	if err := d.loadOrCreateKey(opts.KeyPath); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", d.handleDiscovery)
	r.Get("/authorize", d.handleAuthorize)
	r.Post("/token", d.handleToken)
	r.Get("/jwks.json", d.handleJWKS)
	d.router = r
	return d, nil
}

// Handler serves the provider endpoints relative to its mount point.
func (d *DevIdentityProvider) Handler() http.Handler { return d.router }

// Issuer is the issuer URL written into ID tokens.
func (d *DevIdentityProvider) Issuer() string { return d.issuer }

// SetProfile changes the account signed in by later authorization requests.
func (d *DevIdentityProvider) SetProfile(p DevProfile) {
	d.mu.Lock()
	d.profile = p
	d.mu.Unlock()
}

func (d *DevIdentityProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                d.issuer,
		"authorization_endpoint":                d.issuer + "/authorize",
		"token_endpoint":                        d.issuer + "/token",
		"jwks_uri":                              d.issuer + "/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{auth.SigningAlgorithm},
		"code_challenge_methods_supported":      []string{auth.ChallengeMethodS256},
		"scopes_supported":                      []string{"openid", "email", "profile"},
	})
}

func (d *DevIdentityProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{d.jwk.Public()}}
	d.mu.Unlock()
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

func (d *DevIdentityProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || (d.redirectURI != "" && redirectURI != d.redirectURI) {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_request", Description: "unregistered redirect_uri"})
		return
	}
	state := q.Get("state")

	switch {
	case q.Get("client_id") != d.clientID:
		d.redirectError(w, r, redirectURI, state, "unauthorized_client", "unknown client_id")
		return
	case q.Get("response_type") != "code":
		d.redirectError(w, r, redirectURI, state, "unsupported_response_type", "only the code flow is supported")
		return
	case q.Get("code_challenge") == "" || q.Get("code_challenge_method") != auth.ChallengeMethodS256:
		d.redirectError(w, r, redirectURI, state, "invalid_request", "PKCE with S256 is required")
		return
	}

	code, err := auth.RandomToken()
	if err != nil {
		d.redirectError(w, r, redirectURI, state, "server_error", "could not issue code")
		return
	}

	d.mu.Lock()
	d.sweepCodes()
	d.codes[code] = devCode{
		redirectURI: redirectURI,
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		profile:     d.profile,
		expiresAt:   d.now().Add(devCodeTTL),
	}
	d.mu.Unlock()

	target, _ := url.Parse(redirectURI)
	values := target.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	d.logger.Debug("dev_idp.authorize", "subject", d.profile.Subject)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (d *DevIdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_request", Description: "malformed form body"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "unsupported_grant_type"})
		return
	}
	if r.PostForm.Get("client_id") != d.clientID {
		writeJSON(w, http.StatusUnauthorized, oauthErrorBody{Error: "invalid_client"})
		return
	}

	d.mu.Lock()
	code, ok := d.codes[r.PostForm.Get("code")]
	delete(d.codes, r.PostForm.Get("code"))
	d.mu.Unlock()

	if !ok || d.now().After(code.expiresAt) {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_grant", Description: "unknown or expired code"})
		return
	}
	if r.PostForm.Get("redirect_uri") != code.redirectURI {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_grant", Description: "redirect_uri mismatch"})
		return
	}
	if err := verifyPKCE(code.challenge, r.PostForm.Get("code_verifier")); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: "invalid_grant", Description: err.Error()})
		return
	}

	idToken, err := d.signIDToken(code)
	if err != nil {
		d.logger.Error("dev_idp.sign_failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, oauthErrorBody{Error: "server_error"})
		return
	}
	accessToken, err := auth.RandomToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oauthErrorBody{Error: "server_error"})
		return
	}
	refreshToken, err := auth.RandomToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oauthErrorBody{Error: "server_error"})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(devTokenTTL.Seconds()),
		"id_token":      idToken,
		"refresh_token": refreshToken,
		"scope":         "openid email profile",
	})
}

func (d *DevIdentityProvider) signIDToken(code devCode) (string, error) {
	now := d.now()
	claims := jwt.MapClaims{
		"iss":   d.issuer,
		"aud":   d.clientID,
		"sub":   code.profile.Subject,
		"iat":   now.Unix(),
		"exp":   now.Add(devTokenTTL).Unix(),
		"nonce": code.nonce,
	}
	for k, v := range map[string]string{
		"email":           code.profile.Email,
		"name":            code.profile.Name,
		"given_name":      code.profile.GivenName,
		"family_name":     code.profile.FamilyName,
		"role":            code.profile.Role,
		"earthling_emoji": code.profile.EarthlingEmoji,
	} {
		if v != "" {
			claims[k] = v
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	d.mu.Lock()
	defer d.mu.Unlock()
	token.Header["kid"] = d.jwk.KeyID
	return token.SignedString(d.key)
}

func (d *DevIdentityProvider) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, oauthErrorBody{Error: code, Description: desc})
		return
	}
	values := target.Query()
	values.Set("error", code)
	values.Set("error_description", desc)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// sweepCodes drops expired codes. Callers hold d.mu.
func (d *DevIdentityProvider) sweepCodes() {
	now := d.now()
	for k, c := range d.codes {
		if now.After(c.expiresAt) {
			delete(d.codes, k)
		}
	}
}

func (d *DevIdentityProvider) loadOrCreateKey(path string) error {
	if path != "" {
		err := d.loadKey(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("dev idp: generate key: %w", err)
	}
	d.key = key
	d.jwk = jose.JSONWebKey{Key: key, KeyID: randomKID(), Algorithm: string(jose.RS256), Use: "sig"}

	if path == "" {
		return nil
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{d.jwk}}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (d *DevIdentityProvider) loadKey(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("dev idp: parse %s: %w", path, err)
	}
	for _, k := range set.Keys {
		if priv, ok := k.Key.(*rsa.PrivateKey); ok {
			d.key = priv
			d.jwk = k
			return nil
		}
	}
	return fmt.Errorf("dev idp: no RSA private key in %s", path)
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	expected := auth.ChallengeS256(verifier)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return errors.New("pkce verification failed")
	}
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "dev"
	}
	return hex.EncodeToString(buf)
}

type oauthErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}
