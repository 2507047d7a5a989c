package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultScopes is requested when no scope is configured.
var DefaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// ProviderConfig describes the upstream identity provider and this client's registration.
type ProviderConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	JWKSURL      string
	RedirectURL  string
	Scopes       []string
}

// Missing lists the required settings that are empty.
func (c ProviderConfig) Missing() []string {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.RedirectURL == "" {
		missing = append(missing, "redirect_uri")
	}
	if c.AuthURL == "" {
		missing = append(missing, "auth_url")
	}
	if c.TokenURL == "" {
		missing = append(missing, "token_url")
	}
	if c.JWKSURL == "" {
		missing = append(missing, "jwks_url")
	}
	return missing
}

// Endpoints are the provider URLs learnt from discovery.
type Endpoints struct {
	Issuer   string
	AuthURL  string
	TokenURL string
	JWKSURL  string
}

// Discover reads the issuer's openid-configuration, retrying with
// exponential backoff up to maxTries attempts.
func Discover(ctx context.Context, issuer string, httpClient *http.Client, maxTries uint, logger *slog.Logger) (Endpoints, error) {
	if issuer == "" {
		return Endpoints{}, fmt.Errorf("%w: issuer required for discovery", ErrConfiguration)
	}
	if maxTries == 0 {
		maxTries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}

	op, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, issuer)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("discovery.retry", "issuer", issuer, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return Endpoints{}, fmt.Errorf("discover %s: %w", issuer, err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil {
		return Endpoints{}, fmt.Errorf("read discovery document: %w", err)
	}

	endpoint := op.Endpoint()
	return Endpoints{
		Issuer:   issuer,
		AuthURL:  endpoint.AuthURL,
		TokenURL: endpoint.TokenURL,
		JWKSURL:  meta.JWKSURL,
	}, nil
}

// Fill copies discovered endpoints into any unset fields of c.
func (c ProviderConfig) Fill(e Endpoints) ProviderConfig {
	if c.AuthURL == "" {
		c.AuthURL = e.AuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = e.TokenURL
	}
	if c.JWKSURL == "" {
		c.JWKSURL = e.JWKSURL
	}
	return c
}

// TokenSet holds the tokens returned by a successful exchange.
// ExpiresAt is epoch milliseconds, zero when the provider sent no expires_in.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// ExpiresIn returns the whole seconds left at now, never negative.
func (t TokenSet) ExpiresIn(now time.Time) int64 {
	if t.ExpiresAt == 0 {
		return 0
	}
	left := time.UnixMilli(t.ExpiresAt).Sub(now)
	if left < 0 {
		return 0
	}
	return int64(left / time.Second)
}

// Provider builds authorization URLs and exchanges codes against one IdP.
type Provider struct {
	cfg        ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewProvider validates cfg. A nil httpClient uses a client with a 15s timeout.
func NewProvider(cfg ProviderConfig, httpClient *http.Client) (*Provider, error) {
	if missing := cfg.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}, nil
}

// Config returns the configuration the provider was built with.
func (p *Provider) Config() ProviderConfig { return p.cfg }

// AuthCodeURL returns the authorization endpoint URL for attempt.
func (p *Provider) AuthCodeURL(attempt LoginAttempt) string {
	return p.oauth.AuthCodeURL(attempt.State,
		oauth2.SetAuthURLParam("nonce", attempt.Nonce),
		oauth2.SetAuthURLParam("code_challenge", attempt.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
	)
}

// Exchange trades an authorization code and its PKCE verifier for tokens.
// Failures carry the token endpoint's status and a body excerpt, including
// 2xx responses that did not parse.
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (TokenSet, error) {
	capture := &responseCapture{base: p.httpClient.Transport}
	client := *p.httpClient
	client.Transport = capture
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &client)

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return TokenSet{}, &ExchangeError{
				StatusCode: re.Response.StatusCode,
				Body:       excerpt(re.Body),
				Err:        err,
			}
		}
		return TokenSet{}, &ExchangeError{
			StatusCode: capture.status,
			Body:       excerpt(capture.body.Bytes()),
			Err:        err,
		}
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return TokenSet{}, ErrMalformedTokenResponse
	}

	set := TokenSet{
		AccessToken:  tok.AccessToken,
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		set.ExpiresAt = tok.Expiry.UnixMilli()
	}
	return set, nil
}

// responseCapture keeps the status and the leading bytes of the response body
// so unparseable token responses can still be reported.
type responseCapture struct {
	base   http.RoundTripper
	status int
	body   bytes.Buffer
}

func (c *responseCapture) RoundTrip(req *http.Request) (*http.Response, error) {
	base := c.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	c.status = resp.StatusCode
	resp.Body = &captureBody{ReadCloser: resp.Body, buf: &c.body}
	return resp, nil
}

type captureBody struct {
	io.ReadCloser
	buf *bytes.Buffer
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if room := maxBodyExcerpt + 1 - b.buf.Len(); room > 0 && n > 0 {
		b.buf.Write(p[:min(n, room)])
	}
	return n, err
}
