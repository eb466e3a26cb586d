package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi/handler"
	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi/middleware"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// Config holds router configuration
type Config struct {
	Logger         *logger.Logger
	AllowedOrigins []string
	DealHandler    *handler.DealHandler
	SyncHandler    *handler.SyncHandler
	HealthHandler  *handler.HealthHandler
	JWTMiddleware  func(http.Handler) http.Handler

	// RateLimit is requests per second per caller; zero disables limiting
	RateLimit float64
	RateBurst int
}

// NewRouter creates a new HTTP router
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimiddleware.Compress(5))

	r.Get("/health", handler.GetHealth)
	if cfg.HealthHandler != nil {
		r.Get("/health/ready", cfg.HealthHandler.GetReadiness)
	}

	// every API route requires an authenticated actor
	if cfg.JWTMiddleware == nil {
		return r
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(cfg.JWTMiddleware)
			if cfg.RateLimit > 0 {
				r.Use(middleware.RateLimit(cfg.RateLimit, max(cfg.RateBurst, 1)))
			}

			if cfg.DealHandler != nil {
				r.Route("/deals", func(r chi.Router) {
					r.Post("/", cfg.DealHandler.IngestDeal)
					r.Get("/", cfg.DealHandler.ListDeals)
					r.Get("/{id}", cfg.DealHandler.GetDeal)
					r.Post("/{id}/approve", cfg.DealHandler.ApproveDeal)
					r.Post("/{id}/reject", cfg.DealHandler.RejectDeal)
					r.Post("/{id}/cancel", cfg.DealHandler.CancelDeal)
				})
			}

			if cfg.SyncHandler != nil {
				r.Get("/sync/status", cfg.SyncHandler.GetStatus)
				r.Get("/sync/entries", cfg.SyncHandler.ListEntries)
				r.Post("/sync/entries/{id}/requeue", cfg.SyncHandler.RequeueEntry)
			}
		})
	})

	return r
}
