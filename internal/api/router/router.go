package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/callpilot/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/callpilot/internal/http/middleware"
	"github.com/wolfman30/callpilot/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Booking        *handlers.BookingHandler
	Twilio         *handlers.TwilioHandler
	Voice          *handlers.VoiceHandler
	Health         http.Handler
	MetricsHandler http.Handler
	// APIJWTSecret protects /api/booking and /api/admin when set.
	APIJWTSecret       string
	CORSAllowedOrigins []string
	// RateLimiter throttles the booking API per client IP; nil disables it.
	RateLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Handle("/health", cfg.Health)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Twilio != nil {
			public.Route("/api/twilio", func(r chi.Router) {
				r.Post("/connect", cfg.Twilio.Connect)
				r.Post("/status", cfg.Twilio.Status)
			})
		}
		if cfg.Voice != nil {
			public.Post("/api/voice/webhook", cfg.Voice.Webhook)
		}
	})

	if cfg.Booking == nil {
		return r
	}
	r.Group(func(api chi.Router) {
		if cfg.RateLimiter != nil {
			api.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
		}
		api.Use(httpmiddleware.APIJWT(cfg.APIJWTSecret))

		api.Route("/api/booking", func(r chi.Router) {
			r.Post("/start", cfg.Booking.Start)
			r.Get("/providers", cfg.Booking.Providers)
			r.Get("/providers/{category}", cfg.Booking.Providers)
			r.Route("/{requestID}", func(req chi.Router) {
				req.Get("/", cfg.Booking.Status)
				req.Post("/call", cfg.Booking.Dispatch)
				req.Get("/call/{callID}", cfg.Booking.Call)
				req.Post("/cancel", cfg.Booking.Cancel)
			})
		})
		api.Route("/api/admin/providers", func(r chi.Router) {
			r.Put("/", cfg.Booking.UpsertProvider)
			r.Delete("/{providerID}", cfg.Booking.DeleteProvider)
		})
	})

	return r
}
