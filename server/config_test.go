package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
buwana:
  # comment lines are stripped before decoding
  issuer: https://buwana.example.org
  client_id: ht-web
session:
  ttl: 12h
`)

	t.Setenv("HT_SERVER_PUBLIC_URL", "https://turtles.example.org")
	t.Setenv("HT_BUWANA_CLIENT_ID", "ht-override")
	t.Setenv("HT_SESSION_PENDING_TTL", "5m")
	t.Setenv("HT_STORAGE_REDIS_DB", "3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://turtles.example.org" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Buwana.ClientID != "ht-override" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.Buwana.ClientID)
	}
	if cfg.Buwana.Issuer != "https://buwana.example.org" {
		t.Fatalf("issuer not read from file, got %q", cfg.Buwana.Issuer)
	}
	if cfg.Session.TTL != 12*time.Hour || cfg.Session.PendingTTL != 5*time.Minute {
		t.Fatalf("durations mismatch: ttl=%s pending=%s", cfg.Session.TTL, cfg.Session.PendingTTL)
	}
	if cfg.Storage.Sessions.RedisDB != 3 {
		t.Fatalf("redis db override mismatch, got %d", cfg.Storage.Sessions.RedisDB)
	}
	if cfg.Buwana.Scope != DefaultScope || cfg.Session.CookieName != DefaultCookieName {
		t.Fatalf("defaults lost: scope=%q cookie=%q", cfg.Buwana.Scope, cfg.Session.CookieName)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
  unknown_field: value
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("error should name the unknown field, got %v", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing public url", func(c *Config) { c.Server.PublicURL = "" }},
		{"public url without scheme", func(c *Config) { c.Server.PublicURL = "turtles.example.org" }},
		{"production without domains", func(c *Config) { c.Server.DevMode = false; c.Server.TLS.Domains = nil }},
		{"dev idp in production", func(c *Config) { c.Server.DevMode = false; c.Server.DevIdP = true }},
		{"bad tls version", func(c *Config) { c.Server.TLS.MinVersion = "1.1" }},
		{"absolute landing url", func(c *Config) { c.Server.LandingPath = "https://evil.example.com" }},
		{"protocol relative landing", func(c *Config) { c.Server.LandingPath = "//evil.example.com" }},
		{"cookie domain mismatch", func(c *Config) { c.Session.CookieDomain = "example.com" }},
		{"empty cookie name", func(c *Config) { c.Session.CookieName = "" }},
		{"bad same site", func(c *Config) { c.Session.SameSite = "sometimes" }},
		{"same site none in dev", func(c *Config) { c.Session.SameSite = "none" }},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"pending longer than ttl", func(c *Config) { c.Session.PendingTTL = 48 * time.Hour }},
		{"bad token url", func(c *Config) { c.Buwana.TokenURL = "ftp://buwana.example.org/token" }},
		{"redis without addr", func(c *Config) { c.Storage.Sessions.Backend = "redis" }},
		{"unknown backend", func(c *Config) { c.Storage.Sessions.Backend = "memcached" }},
		{"missing users dsn", func(c *Config) { c.Storage.UsersDSN = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfigValidateAllowsMissingBuwanaCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Buwana = BuwanaConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("missing Buwana credentials are reported at runtime, got %v", err)
	}
}

func TestConfigRedirectURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://turtles.example.org/"
	if got := cfg.RedirectURL(); got != "https://turtles.example.org/auth/callback" {
		t.Fatalf("derived redirect uri mismatch: %q", got)
	}
	cfg.Buwana.RedirectURI = "https://other.example.org/cb"
	if got := cfg.ProviderConfig().RedirectURL; got != "https://other.example.org/cb" {
		t.Fatalf("explicit redirect uri ignored: %q", got)
	}
}

func TestConfigWithDevIdP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevIdP = true
	cfg = cfg.withDevIdP()

	base := cfg.Server.PublicURL + devIdPPath
	if cfg.Buwana.Issuer != base || cfg.Buwana.JWKSURL != base+"/jwks.json" {
		t.Fatalf("dev idp endpoints not applied: %+v", cfg.Buwana)
	}
	if cfg.Buwana.ClientID != devClientID {
		t.Fatalf("expected dev client id, got %q", cfg.Buwana.ClientID)
	}
	if missing := cfg.ProviderConfig().Missing(); len(missing) != 0 {
		t.Fatalf("dev idp config incomplete: %v", missing)
	}

	prod := DefaultConfig()
	prod.Server.DevMode = false
	prod.Server.DevIdP = true
	if got := prod.withDevIdP(); got.Buwana.Issuer != "" {
		t.Fatalf("dev idp must not apply outside dev mode")
	}
}

func TestParseSameSite(t *testing.T) {
	for in, want := range map[string]http.SameSite{
		"":       http.SameSiteLaxMode,
		"Lax":    http.SameSiteLaxMode,
		"strict": http.SameSiteStrictMode,
		"none":   http.SameSiteNoneMode,
	} {
		got, err := parseSameSite(in)
		if err != nil || got != want {
			t.Fatalf("parseSameSite(%q) = %v, %v", in, got, err)
		}
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}
