package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"hopeturtles/session"
)

type requestIDKey struct{}
type logFieldsKey struct{}
type sessionKey struct{}

// logFields collects attributes handlers learn after the request was logged in.
type logFields struct {
	buwanaID int64
	outcome  string
}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits structured request logs using slog.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fields := &logFields{}
			r = r.WithContext(context.WithValue(r.Context(), logFieldsKey{}, fields))
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if fields.buwanaID != 0 {
				attrs = append(attrs, "buwana_id", fields.buwanaID)
			}
			if fields.outcome != "" {
				attrs = append(attrs, "outcome", fields.outcome)
			}

			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware guards against panics and surfaces stack traces in dev.
func RecoveryMiddleware(logger *slog.Logger, dev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					attrs := []any{"error", err, "request_id", RequestIDFromContext(r.Context())}
					if dev {
						attrs = append(attrs, "stack", string(debug.Stack()))
					}
					logger.Error("panic", attrs...)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets browser hardening headers, and HSTS over TLS.
func SecurityHeadersMiddleware(maxAge int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
			if r.TLS != nil && maxAge > 0 {
				h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", maxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth lets authenticated sessions through. Browsers are sent to the
// login route; /api/ callers get a JSON 401.
func (a *App) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _, ok := a.authenticate(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

const (
	// RoleAdmin is the Buwana role that opens every admin area.
	RoleAdmin = "admin"

	// FounderBuwanaID is the first Buwana account, let into the core admin areas.
	FounderBuwanaID = 1
)

// AdminOnly admits users holding the admin role.
func AdminOnly(u session.User) bool { return u.Role == RoleAdmin }

// AdminOrFounder admits admins and the founder account.
func AdminOrFounder(u session.User) bool {
	return u.Role == RoleAdmin || u.BuwanaID == FounderBuwanaID
}

// RequireRole behaves like RequireAuth for anonymous callers. Signed-in users
// that allow rejects get 403, as JSON under /api/ and the error view otherwise.
func (a *App) RequireRole(allow func(session.User) bool, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, state, ok := a.authenticate(w, r)
			if !ok {
				return
			}
			if !allow(state.User) {
				setLogOutcome(r.Context(), outcomeForbidden)
				a.Logger.Warn("access.denied",
					"path", r.URL.Path,
					"buwana_id", state.User.BuwanaID,
					"role", state.User.Role,
					"request_id", RequestIDFromContext(r.Context()))
				if isAPIPath(r.URL.Path) {
					writeJSON(w, http.StatusForbidden, apiError{Message: message})
					return
				}
				renderView(w, http.StatusForbidden, errorView, errorPage{Title: "Access denied", Message: message})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
		})
	}
}

// authenticate loads the caller's session and answers for it when it is not
// authenticated.
func (a *App) authenticate(w http.ResponseWriter, r *http.Request) (*session.Session, session.Authenticated, bool) {
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.renderError(w, r, err)
		return nil, session.Authenticated{}, false
	}
	state, ok := sess.Authenticated()
	if !ok {
		if isAPIPath(r.URL.Path) {
			writeJSON(w, http.StatusUnauthorized, apiError{Message: "Authentication required."})
		} else {
			http.Redirect(w, r, "/auth/login", http.StatusFound)
		}
		return nil, session.Authenticated{}, false
	}
	setLogUser(r.Context(), state.User.BuwanaID)
	return sess, state, true
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// SessionFromContext returns the session RequireAuth admitted.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*session.Session)
	return s, ok
}

func setLogUser(ctx context.Context, buwanaID int64) {
	if f, ok := ctx.Value(logFieldsKey{}).(*logFields); ok {
		f.buwanaID = buwanaID
	}
}

func setLogOutcome(ctx context.Context, outcome string) {
	if f, ok := ctx.Value(logFieldsKey{}).(*logFields); ok {
		f.outcome = outcome
	}
}

func isAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
