package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login flow and the pages behind it.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/", a.handleHome)
	r.Get("/healthz", a.handleHealthz)
	if a.Config.Server.MetricsEnabled {
		r.Handle("/metrics", a.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Post("/token", a.handleToken)
		r.Get("/userinfo", a.handleUserInfo)
		r.Get("/logout", a.handleLogout)
		r.Post("/logout", a.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Get("/dashboard", a.handleDashboard)
		r.Get("/api/me", a.handleMe)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.RequireRole(AdminOrFounder, "This area is reserved for the core admin team."))
		r.Get("/admin", a.handleAdmin)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.RequireRole(AdminOnly, "Admin privileges required."))
		r.Get("/api/admin/me", a.handleMe)
	})

	if a.DevIdP != nil {
		r.Mount(devIdPPath, a.DevIdP.Handler())
	}

	return r
}
