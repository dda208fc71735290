// Package server provides the admin HTTP server for tenantplane.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/tenantplane/internal/config"
	apperrors "github.com/devrev/tenantplane/internal/errors"
	"github.com/devrev/tenantplane/internal/handler"
	"github.com/devrev/tenantplane/internal/metrics"
	"github.com/devrev/tenantplane/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	errorHandler *apperrors.Handler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, handlers *handler.Handlers, errorHandler *apperrors.Handler, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	s := &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}
	middlewareChain = append(middlewareChain, middleware.Caller(s.logger))

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Provisioning runs under its own, longer deadline
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/hospitals", s.handlers.CreateHospital).Methods(http.MethodPost)
	admin.HandleFunc("/hospitals/{id}", s.handlers.GetHospital).Methods(http.MethodGet)
	admin.HandleFunc("/hospitals/{id}", s.handlers.DeleteHospital).Methods(http.MethodDelete)
	admin.HandleFunc("/hospitals/{id}/activate", s.handlers.ActivateHospital).Methods(http.MethodPost)
	admin.HandleFunc("/hospitals/{id}/deactivate", s.handlers.DeactivateHospital).Methods(http.MethodPost)
	admin.HandleFunc("/transfers/run", s.handlers.RunTransfers).Methods(http.MethodPost)

	transfers := v1.NewRoute().Subrouter()
	transfers.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	transfers.HandleFunc("/transfers", s.handlers.CreateTransfer).Methods(http.MethodPost)
	transfers.HandleFunc("/hospitals/{id}/transfers", s.handlers.ListTransfers).Methods(http.MethodGet)
	transfers.HandleFunc("/hospitals/{id}/transfers/{transfer_id}", s.handlers.GetTransfer).Methods(http.MethodGet)
	transfers.HandleFunc("/hospitals/{id}/transfers/{transfer_id}/resubmit", s.handlers.ResubmitTransfer).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apperrors.ErrCodeNotFound, "endpoint not found", r.Header.Get("X-Request-ID"))
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apperrors.ErrCodeInvalidArgument, "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
