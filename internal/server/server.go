package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kcb-payments-gateway/internal/config"
	"github.com/kcb-payments-gateway/internal/handlers"
	"github.com/kcb-payments-gateway/internal/metrics"
	customMiddleware "github.com/kcb-payments-gateway/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	config  *config.Config
	logger  *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		config:  cfg,
		logger:  logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(customMiddleware.HTTPMetrics)

	// Public health check and metrics
	r.Get("/health", s.handler.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	// Operator API (requires internal authentication)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Content-Type", "X-Internal-Secret"},
				MaxAge:         300,
			}))
			r.Use(customMiddleware.EnsureInternalAuth(s.config.InternalSecret))

			r.Post("/payments/initiate", s.handler.InitiatePayment)
			r.Get("/payments/{id}", s.handler.GetPayment)

			r.Get("/transactions/unreconciled", s.handler.ListUnreconciled)
			r.Get("/transactions/{id}", s.handler.GetTransaction)
			r.Post("/transactions/reconcile", s.handler.Reconcile)
			r.Post("/transactions/{id}/apply", s.handler.ApplyTransaction)
		})

		// Gateway webhooks (IP filtered + size limited)
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.IPFilter(s.config.KCBAllowedIPs, s.logger))
			r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))

			r.Post("/callbacks/stk", s.handler.STKCallback)
			r.Post("/callbacks/ipn", s.handler.IPN)
		})
	})

	s.logger.Info("routes configured")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	s.logger.Info("starting HTTP server", "addr", addr)

	return http.ListenAndServe(addr, s.router)
}

// Router exposes the configured mux, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}
