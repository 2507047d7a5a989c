package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"hopeturtles/auth"
	"hopeturtles/session"
	"hopeturtles/users"
)

// App bundles dependencies for HTTP handlers.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Sessions  *SessionManager
	Users     users.Store
	Provider  *auth.Provider
	Validator *auth.Validator
	Metrics   *Metrics
	DevIdP    *DevIdentityProvider

	// configErr is why Provider is nil, reported by the login routes.
	configErr  error
	httpClient *http.Client
	now        func() time.Time
	closers    []func() error
}

// Option customises NewApp.
type Option func(*App)

// WithHTTPClient sets the client used for discovery, code exchange and JWKS fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithSessionStore replaces the configured session backend.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.Sessions = NewSessionManager(a.Config, s, a.Logger) }
}

// WithUserStore replaces the configured user database.
func WithUserStore(s users.Store) Option {
	return func(a *App) { a.Users = s }
}

// NewApp wires stores, the Buwana client and metrics. An incomplete Buwana
// configuration is not fatal: it is logged and the login routes answer 503.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	cfg = cfg.withDevIdP()
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: NewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: cfg.Buwana.HTTPTimeout}
	}

	if a.Sessions == nil {
		store, err := openSessionStore(ctx, cfg.Storage.Sessions)
		if err != nil {
			return nil, err
		}
		a.Sessions = NewSessionManager(cfg, store, logger)
		switch s := store.(type) {
		case *session.MemoryStore:
			s.StartSweeper(time.Minute, ctx.Done())
		case *session.RedisStore:
			a.closers = append(a.closers, s.Close)
		}
	}

	if a.Users == nil {
		store, err := users.OpenSQLite(ctx, cfg.Storage.UsersDSN)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Users = store
		a.closers = append(a.closers, store.Close)
	}

	if cfg.Server.DevMode && cfg.Server.DevIdP {
		keyPath := ""
		if cfg.Server.SecretsPath != "" {
			keyPath = filepath.Join(cfg.Server.SecretsPath, devKeyFile)
		}
		idp, err := NewDevIdentityProvider(DevIdPOptions{
			Issuer:      cfg.Buwana.Issuer,
			ClientID:    cfg.Buwana.ClientID,
			RedirectURI: cfg.RedirectURL(),
			KeyPath:     keyPath,
			Logger:      logger,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.DevIdP = idp
		logger.Warn("Development identity provider enabled", "issuer", idp.Issuer())
	}

	if err := a.configureProvider(ctx); err != nil {
		if !errors.Is(err, auth.ErrConfiguration) {
			_ = a.Close()
			return nil, err
		}
		a.configErr = err
		logger.Warn("Buwana login disabled", "error", err)
	}

	return a, nil
}

func (a *App) configureProvider(ctx context.Context) error {
	cfg := a.Config.ProviderConfig()
	if cfg.Issuer != "" && len(cfg.Missing()) > 0 {
		endpoints, err := auth.Discover(ctx, cfg.Issuer, a.httpClient, uint(max(a.Config.Buwana.DiscoveryAttempts, 1)), a.Logger)
		if err != nil {
			return fmt.Errorf("%w: discovery: %w", auth.ErrConfiguration, err)
		}
		cfg = cfg.Fill(endpoints)
	}

	provider, err := auth.NewProvider(cfg, a.httpClient)
	if err != nil {
		return err
	}
	keys, err := auth.NewKeyClient(ctx, cfg.JWKSURL, auth.KeyClientOptions{
		HTTPClient:        a.httpClient,
		MaxEntries:        a.Config.Buwana.JWKS.MaxEntries,
		MaxAge:            a.Config.Buwana.JWKS.MaxAge,
		RequestsPerMinute: a.Config.Buwana.JWKS.RequestsPerMinute,
		Logger:            a.Logger,
	})
	if err != nil {
		return err
	}

	a.Provider = provider
	a.Validator = auth.NewValidator(keys, cfg.ClientID, cfg.Issuer)
	a.Logger.Info("Buwana client configured",
		"issuer", cfg.Issuer,
		"client_id", cfg.ClientID,
		"redirect_uri", cfg.RedirectURL,
		"jwks_url", cfg.JWKSURL)
	return nil
}

func openSessionStore(ctx context.Context, cfg SessionStorageConfig) (session.Store, error) {
	if cfg.Backend == "redis" {
		return session.NewRedisStore(ctx, session.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	}
	return session.NewMemoryStore(), nil
}

// Close releases the stores opened by NewApp.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// tokenResponse is the body of POST /auth/token.
type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	IDToken      string         `json:"id_token"`
	TokenType    string         `json:"token_type"`
	ExpiresIn    int64          `json:"expires_in"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	User         session.User   `json:"user"`
	Claims       map[string]any `json:"claims"`
}

type userInfoResponse struct {
	User   session.User   `json:"user"`
	Claims map[string]any `json:"claims"`
	Tokens auth.TokenSet  `json:"tokens"`
}

type apiError struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.renderJSONError(w, r, err)
		return
	}
	state, ok := sess.Authenticated()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	setLogUser(r.Context(), state.User.BuwanaID)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, userInfoResponse{User: state.User, Claims: state.Claims, Tokens: state.Tokens})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Destroy(w, r); err != nil {
		a.Logger.Warn("logout.delete_failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	page := homePage{Landing: a.landingPath()}
	if sess, err := a.Sessions.Load(r); err == nil {
		if state, ok := sess.Authenticated(); ok {
			page.Name = state.User.Name
		}
	}
	renderView(w, http.StatusOK, homeView, page)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	state, _ := sess.Authenticated()
	renderView(w, http.StatusOK, dashboardView, state.User)
}

func (a *App) handleAdmin(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	state, _ := sess.Authenticated()
	renderView(w, http.StatusOK, adminView, state.User)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	state, _ := sess.Authenticated()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": state.User})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "buwana_configured": a.Provider != nil}
	if p, ok := a.Users.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.Logger.Error("healthz.users_unavailable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *App) landingPath() string {
	if a.Config.Server.LandingPath != "" {
		return a.Config.Server.LandingPath
	}
	return DefaultLandingPath
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
