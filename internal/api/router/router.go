package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfman30/recall-engine/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/recall-engine/internal/http/middleware"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Admin          *handlers.AdminHandler
	TwilioWebhook  *handlers.TwilioWebhookHandler
	Health         *handlers.HealthHandler
	MetricsHandler http.Handler
	RateLimiter    *httpmiddleware.RateLimiter

	// AdminJWTSecret protects /api/v1. Empty disables auth for local runs.
	AdminJWTSecret string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	health := cfg.Health
	if health == nil {
		health = handlers.NewHealthHandler(nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(logger))

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", health.Live)
		public.Get("/ready", health.Ready)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.TwilioWebhook != nil {
			public.Post("/webhooks/twilio/replies", cfg.TwilioWebhook.Handle)
		}
	})

	if cfg.Admin != nil {
		r.Route("/api/v1", func(api chi.Router) {
			if cfg.RateLimiter != nil {
				api.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
			}
			if cfg.AdminJWTSecret != "" {
				api.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret, logger))
			} else {
				logger.Warn("admin API running without authentication")
			}

			h := cfg.Admin
			api.Post("/patients", h.CreatePatient)
			api.Route("/patients/{id}", func(p chi.Router) {
				p.Get("/", h.GetPatient)
				p.Put("/", h.UpdatePatient)
				p.Post("/transitions", h.Transition)
				p.Post("/replies", h.Reply)
				p.Get("/score", h.Score)
				p.Get("/history", h.History)
			})
			api.Get("/queue", h.Queue)
			api.Get("/stats", h.Stats)
			api.Get("/notifications", h.Notifications)
			api.Post("/reminders/dispatch", h.DispatchReminders)
		})
	}

	return otelhttp.NewHandler(r, "recall.http",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/health" && req.URL.Path != "/metrics"
		}),
	)
}
