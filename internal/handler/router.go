// Package handler wires the HTTP surface of the dashboard.
package handler

import (
	"net/http"
	"time"

	"flawhunt-web/internal/downloads"
	"flawhunt-web/internal/identity"
	"flawhunt-web/internal/model"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultAuthRateLimit  = 20
	defaultAuthRateWindow = time.Minute
)

// Services are the components the router dispatches to.
type Services struct {
	DB        identity.Database
	Auth      *identity.AuthManager
	Licenses  *identity.LicenseManager
	Backups   *identity.BackupManager
	Downloads *downloads.Service
}

// NewRouter builds the full HTTP handler.
func NewRouter(cfg *model.Config, svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(corsOptions(cfg.CORSOrigins)))

	health := NewHealthHandler(svc.DB)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	limit, window := cfg.AuthRateLimit, cfg.AuthRateWindow.Std()
	if limit <= 0 {
		limit = defaultAuthRateLimit
	}
	if window <= 0 {
		window = defaultAuthRateWindow
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/downloads", downloadsHandler(svc.Downloads))

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(RateLimit(limit, window))
				r.Post("/signup", svc.Auth.Signup)
				r.Post("/verify", svc.Auth.VerifyOTP)
				r.Post("/resend", svc.Auth.ResendOTP)
				r.Post("/login", svc.Auth.Login)
				r.Post("/oauth/callback", svc.Auth.OAuthCallback)
			})
			r.Get("/session", svc.Auth.CheckAuth)
			r.Post("/logout", svc.Auth.Logout)
		})

		// CLI endpoints authenticate with the license key itself
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(limit, window))
			r.Post("/licenses/validate", svc.Licenses.ValidateLicense)
			r.Post("/backups", svc.Backups.IngestBackup)
		})

		r.Group(func(r chi.Router) {
			r.Use(svc.Auth.RequireAuth)

			r.Get("/plan", svc.Licenses.GetPlan)
			r.Post("/plan/upgrade", svc.Licenses.UpgradePlan)

			r.Get("/licenses", svc.Licenses.ListLicenses)
			r.Post("/licenses", svc.Licenses.GenerateLicense)
			r.Delete("/licenses/{id}", svc.Licenses.RevokeLicense)

			r.Get("/backups", svc.Backups.ListBackups)
			r.Get("/backups/stats", svc.Backups.Stats)
			r.Get("/backups/devices", svc.Backups.DeviceStats)
			r.Get("/backups/threads", svc.Backups.Threads)
			r.Patch("/backups/{id}", svc.Backups.UpdateBackupStatus)

			r.Get("/analytics", svc.Backups.Analytics)
		})
	})

	r.NotFound(spaHandler(ResolveWebDir(cfg.WebDir)))
	return r
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", "X-License-Key", "X-Mac-Address", correlationHeader},
		ExposedHeaders:   []string{correlationHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}
