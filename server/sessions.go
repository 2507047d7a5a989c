package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hopeturtles/session"
)

// SessionManager ties stored sessions to the session cookie.
type SessionManager struct {
	store        session.Store
	logger       *slog.Logger
	cookieName   string
	cookieDomain string
	secure       bool
	sameSite     http.SameSite
	ttl          time.Duration
	pendingTTL   time.Duration
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store session.Store, logger *slog.Logger) *SessionManager {
	sameSite, err := parseSameSite(cfg.Session.SameSite)
	if err != nil {
		sameSite = http.SameSiteLaxMode
	}
	name := cfg.Session.CookieName
	if name == "" {
		name = DefaultCookieName
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		cookieName:   name,
		cookieDomain: cfg.Session.CookieDomain,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		ttl:          cfg.Session.TTL,
		pendingTTL:   cfg.Session.PendingTTL,
	}
}

// Load returns the session named by the request cookie. A missing cookie or
// an unknown id yields a fresh anonymous session that has not been saved.
func (sm *SessionManager) Load(r *http.Request) (*session.Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil || cookie.Value == "" {
		return session.New()
	}
	sess, err := sm.store.Load(r.Context(), cookie.Value)
	if errors.Is(err, session.ErrNotFound) {
		return session.New()
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Save persists sess and refreshes the cookie. Pending logins get the short
// lifetime, everything else the full one.
func (sm *SessionManager) Save(ctx context.Context, w http.ResponseWriter, sess *session.Session) error {
	ttl := sm.lifetime(sess.Phase())
	if err := sm.store.Save(ctx, sess, ttl); err != nil {
		return err
	}
	sm.setCookie(w, sess.ID, ttl)
	return nil
}

// Establish stores state under a new session id and drops the old one.
func (sm *SessionManager) Establish(ctx context.Context, w http.ResponseWriter, old *session.Session, state session.Authenticated) (*session.Session, error) {
	id, err := session.NewID()
	if err != nil {
		return nil, err
	}
	sess := &session.Session{ID: id, State: state}
	if err := sm.Save(ctx, w, sess); err != nil {
		return nil, err
	}
	if old != nil && old.ID != "" && old.ID != id {
		if err := sm.store.Delete(ctx, old.ID); err != nil {
			sm.logger.Warn("session.delete_previous_failed", "error", err)
		}
	}
	return sess, nil
}

// Destroy deletes the stored session, if any, and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) error {
	sm.Clear(w)
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	if err := sm.store.Delete(r.Context(), cookie.Value); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// CookieName is the name of the session cookie.
func (sm *SessionManager) CookieName() string { return sm.cookieName }

// PendingTTL is how long a login attempt stays valid.
func (sm *SessionManager) PendingTTL() time.Duration { return sm.pendingTTL }

func (sm *SessionManager) lifetime(phase session.Phase) time.Duration {
	if phase == session.PhasePendingLogin {
		return sm.pendingTTL
	}
	return sm.ttl
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, id string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(ttl.Seconds()),
	})
}
