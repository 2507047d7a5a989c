package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hopeturtles/auth"
)

// Hardcoded session defaults
const (
	DefaultSessionTTL     = 24 * time.Hour
	DefaultPendingTTL     = 10 * time.Minute
	DefaultCookieName     = "ht.sid"
	DefaultLandingPath    = "/dashboard"
	DefaultScope          = "openid email profile"
	DefaultHTTPTimeout    = 15 * time.Second
	DefaultDiscoveryTries = 3
	DefaultHSTSMaxAge     = 31536000
	devIdPPath            = "/dev/idp"
	devClientID           = "hopeturtles-dev"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Buwana  BuwanaConfig  `yaml:"buwana"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	DevIdP          bool      `yaml:"dev_idp"`
	SecretsPath     string    `yaml:"secrets_path"`
	LandingPath     string    `yaml:"landing_path"`
	MetricsEnabled  bool      `yaml:"metrics_enabled"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// BuwanaConfig describes the Buwana identity provider and this app's client registration.
// Endpoints left empty are discovered from the issuer.
type BuwanaConfig struct {
	Issuer            string        `yaml:"issuer"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	AuthURL           string        `yaml:"auth_url"`
	TokenURL          string        `yaml:"token_url"`
	JWKSURL           string        `yaml:"jwks_url"`
	RedirectURI       string        `yaml:"redirect_uri"`
	Scope             string        `yaml:"scope"`
	DiscoveryAttempts int           `yaml:"discovery_attempts"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	JWKS              JWKSConfig    `yaml:"jwks"`
}

// JWKSConfig bounds the signing key cache.
type JWKSConfig struct {
	MaxEntries        int           `yaml:"max_entries"`
	MaxAge            time.Duration `yaml:"max_age"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// SessionConfig controls the session cookie and lifetimes.
type SessionConfig struct {
	CookieName   string        `yaml:"cookie_name"`
	CookieDomain string        `yaml:"cookie_domain"`
	SameSite     string        `yaml:"same_site"`
	TTL          time.Duration `yaml:"ttl"`
	PendingTTL   time.Duration `yaml:"pending_ttl"`
}

// StorageConfig selects the session and user stores.
type StorageConfig struct {
	Sessions SessionStorageConfig `yaml:"sessions"`
	UsersDSN string               `yaml:"users_dsn"`
}

// SessionStorageConfig selects the session backend.
type SessionStorageConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			LandingPath:     DefaultLandingPath,
			MetricsEnabled:  true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Buwana: BuwanaConfig{
			Scope:             DefaultScope,
			DiscoveryAttempts: DefaultDiscoveryTries,
			HTTPTimeout:       DefaultHTTPTimeout,
			JWKS: JWKSConfig{
				MaxEntries:        auth.DefaultJWKSMaxEntries,
				MaxAge:            auth.DefaultJWKSMaxAge,
				RequestsPerMinute: auth.DefaultJWKSRequestsPerMinute,
			},
		},
		Session: SessionConfig{
			CookieName: DefaultCookieName,
			SameSite:   "lax",
			TTL:        DefaultSessionTTL,
			PendingTTL: DefaultPendingTTL,
		},
		Storage: StorageConfig{
			Sessions: SessionStorageConfig{Backend: "memory"},
			UsersDSN: "hopeturtles.db",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"HT_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"HT_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"HT_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"HT_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"HT_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"HT_SERVER_DEV_IDP":           func(v string) { cfg.Server.DevIdP = parseBool(v, cfg.Server.DevIdP) },
		"HT_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"HT_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"HT_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"HT_BUWANA_ISSUER":            func(v string) { cfg.Buwana.Issuer = v },
		"HT_BUWANA_CLIENT_ID":         func(v string) { cfg.Buwana.ClientID = v },
		"HT_BUWANA_CLIENT_SECRET":     func(v string) { cfg.Buwana.ClientSecret = v },
		"HT_BUWANA_AUTH_URL":          func(v string) { cfg.Buwana.AuthURL = v },
		"HT_BUWANA_TOKEN_URL":         func(v string) { cfg.Buwana.TokenURL = v },
		"HT_BUWANA_JWKS_URL":          func(v string) { cfg.Buwana.JWKSURL = v },
		"HT_BUWANA_REDIRECT_URI":      func(v string) { cfg.Buwana.RedirectURI = v },
		"HT_BUWANA_SCOPE":             func(v string) { cfg.Buwana.Scope = v },
		"HT_SESSION_COOKIE_NAME":      func(v string) { cfg.Session.CookieName = v },
		"HT_SESSION_COOKIE_DOMAIN":    func(v string) { cfg.Session.CookieDomain = v },
		"HT_SESSION_SAME_SITE":        func(v string) { cfg.Session.SameSite = v },
		"HT_SESSION_TTL":              func(v string) { cfg.Session.TTL = parseDuration(v, cfg.Session.TTL) },
		"HT_SESSION_PENDING_TTL":      func(v string) { cfg.Session.PendingTTL = parseDuration(v, cfg.Session.PendingTTL) },
		"HT_STORAGE_SESSIONS_BACKEND": func(v string) { cfg.Storage.Sessions.Backend = v },
		"HT_STORAGE_REDIS_ADDR":       func(v string) { cfg.Storage.Sessions.RedisAddr = v },
		"HT_STORAGE_REDIS_PASSWORD":   func(v string) { cfg.Storage.Sessions.RedisPassword = v },
		"HT_STORAGE_REDIS_DB":         func(v string) { cfg.Storage.Sessions.RedisDB = parseInt(v, cfg.Storage.Sessions.RedisDB) },
		"HT_STORAGE_USERS_DSN":        func(v string) { cfg.Storage.UsersDSN = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// Validate performs sanity checks on the config. Missing Buwana credentials
// are not an error here; the app starts and the login routes report them.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.DevIdP && !c.Server.DevMode {
		slog.Error("Invalid configuration value", "field", "server.dev_idp", "reason", "only allowed in dev mode")
		return errors.New("server.dev_idp can only be enabled together with server.dev_mode")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if lp := c.Server.LandingPath; lp != "" && (!strings.HasPrefix(lp, "/") || strings.HasPrefix(lp, "//")) {
		slog.Error("Invalid configuration value", "field", "server.landing_path", "value", lp, "reason", "must be a local absolute path")
		return fmt.Errorf("server.landing_path must be a local path starting with '/', got: %s", lp)
	}

	if c.Session.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Session.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "session.cookie_domain",
				"cookie_domain", c.Session.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("session.cookie_domain '%s' does not match server.public_url domain '%s'", c.Session.CookieDomain, host)
		}
	}

	if c.Session.CookieName == "" {
		slog.Error("Missing required configuration", "field", "session.cookie_name")
		return errors.New("session.cookie_name is required")
	}

	sameSite, err := parseSameSite(c.Session.SameSite)
	if err != nil {
		slog.Error("Invalid configuration value", "field", "session.same_site", "value", c.Session.SameSite, "valid_values", []string{"lax", "strict", "none"})
		return err
	}
	if sameSite == http.SameSiteNoneMode && c.Server.DevMode {
		slog.Error("Invalid configuration value", "field", "session.same_site", "reason", "none requires secure cookies, which dev mode disables")
		return errors.New("session.same_site 'none' requires production mode")
	}

	if c.Session.TTL <= 0 {
		slog.Error("Invalid configuration value", "field", "session.ttl", "value", c.Session.TTL)
		return errors.New("session.ttl must be positive")
	}
	if c.Session.PendingTTL <= 0 || c.Session.PendingTTL > c.Session.TTL {
		slog.Error("Invalid configuration value", "field", "session.pending_ttl", "value", c.Session.PendingTTL, "reason", "must be positive and not exceed session.ttl")
		return fmt.Errorf("session.pending_ttl must be positive and at most session.ttl (%s), got: %s", c.Session.TTL, c.Session.PendingTTL)
	}

	for field, v := range map[string]string{
		"buwana.issuer":       c.Buwana.Issuer,
		"buwana.auth_url":     c.Buwana.AuthURL,
		"buwana.token_url":    c.Buwana.TokenURL,
		"buwana.jwks_url":     c.Buwana.JWKSURL,
		"buwana.redirect_uri": c.Buwana.RedirectURI,
	} {
		if v != "" && !isHTTPURL(v) {
			slog.Error("Invalid configuration value", "field", field, "value", v, "reason", "must start with http:// or https://")
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field, v)
		}
	}

	switch c.Storage.Sessions.Backend {
	case "", "memory":
	case "redis":
		if c.Storage.Sessions.RedisAddr == "" {
			slog.Error("Missing required configuration", "field", "storage.sessions.redis_addr", "reason", "required by the redis backend")
			return errors.New("storage.sessions.redis_addr is required when backend is redis")
		}
	default:
		slog.Error("Invalid configuration value", "field", "storage.sessions.backend", "value", c.Storage.Sessions.Backend, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("storage.sessions.backend must be 'memory' or 'redis', got: %s", c.Storage.Sessions.Backend)
	}

	if c.Storage.UsersDSN == "" {
		slog.Error("Missing required configuration", "field", "storage.users_dsn")
		return errors.New("storage.users_dsn is required")
	}

	return nil
}

// RedirectURL is the callback URL registered with Buwana.
func (c Config) RedirectURL() string {
	if c.Buwana.RedirectURI != "" {
		return c.Buwana.RedirectURI
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/auth/callback"
}

// ProviderConfig converts the Buwana section for the auth package.
func (c Config) ProviderConfig() auth.ProviderConfig {
	return auth.ProviderConfig{
		Issuer:       c.Buwana.Issuer,
		ClientID:     c.Buwana.ClientID,
		ClientSecret: c.Buwana.ClientSecret,
		AuthURL:      c.Buwana.AuthURL,
		TokenURL:     c.Buwana.TokenURL,
		JWKSURL:      c.Buwana.JWKSURL,
		RedirectURL:  c.RedirectURL(),
		Scopes:       strings.Fields(c.Buwana.Scope),
	}
}

// withDevIdP points unset Buwana settings at the built-in development provider.
func (c Config) withDevIdP() Config {
	if !c.Server.DevMode || !c.Server.DevIdP {
		return c
	}
	base := strings.TrimSuffix(c.Server.PublicURL, "/") + devIdPPath
	if c.Buwana.Issuer == "" {
		c.Buwana.Issuer = base
	}
	if c.Buwana.ClientID == "" {
		c.Buwana.ClientID = devClientID
	}
	if c.Buwana.AuthURL == "" {
		c.Buwana.AuthURL = base + "/authorize"
	}
	if c.Buwana.TokenURL == "" {
		c.Buwana.TokenURL = base + "/token"
	}
	if c.Buwana.JWKSURL == "" {
		c.Buwana.JWKSURL = base + "/jwks.json"
	}
	return c
}

func parseSameSite(v string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("session.same_site must be 'lax', 'strict' or 'none', got: %s", v)
	}
}

// hostOf returns the host of a URL without scheme, port or path.
func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
