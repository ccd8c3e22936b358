package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tibatrust/payment-service/internal/config"
	"github.com/tibatrust/payment-service/internal/handlers"
	customMiddleware "github.com/tibatrust/payment-service/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router   *chi.Mux
	handler  *handlers.Handler
	config   *config.Config
	registry *prometheus.Registry
	log      *zerolog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler, registry *prometheus.Registry, log *zerolog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		handler:  h,
		config:   cfg,
		registry: registry,
		log:      log,
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

	// Public health check and metrics
	r.Get("/health", s.handler.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Dashboard-facing endpoints (require internal authentication)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.EnsureInternalAuth(s.config.InternalSecret))
		r.Post("/payments/push", s.handler.PushPayment)
		r.Post("/payments/status", s.handler.PaymentStatus)
		r.Get("/ledger/{userID}", s.handler.LedgerState)
		r.Get("/ledger/{userID}/payments", s.handler.LedgerHistory)
		r.Post("/ledger/{userID}/payments", s.handler.RecordWalletPayment)
	})

	// Callback endpoint (IP filtered + size limited)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.IPFilter(s.config.SafaricomIPs))
		r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/payments/callback", s.handler.GatewayCallback)
	})

	s.log.Info().Msg("routes configured")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")

	return http.ListenAndServe(addr, s.router)
}
