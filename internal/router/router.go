package router

import (
	"fitcheck-auction-api/internal/handler"
	"fitcheck-auction-api/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler        *handler.Handler
	BidHandler     *handler.BidHandler
	WebhookHandler *handler.WebhookHandler
	AdminHandler   *handler.AdminHandler
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}

	// Provider webhooks live outside the API prefix; signature verification
	// replaces session auth here.
	if cfg.WebhookHandler != nil {
		r.Post("/webhooks/{provider}", cfg.WebhookHandler.Receive)
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}

		if cfg.BidHandler != nil {
			r.Route("/bids", func(r chi.Router) {
				r.Post("/", cfg.BidHandler.CreateBid)
				r.Get("/", cfg.BidHandler.ListBids)
				r.Get("/{id}", cfg.BidHandler.GetBid)
			})
			r.Get("/items/{id}", cfg.BidHandler.GetItem)
		}

		if cfg.AdminHandler != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Get("/stats", cfg.AdminHandler.GetStats)
				r.Get("/health", cfg.AdminHandler.GetHealth)
			})
		}
	})

	return r
}
