package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency whose reachability gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolCounter reports how many hospital pools are open
type PoolCounter interface {
	Len() int
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	central Pinger
	lease   Pinger
	pools   PoolCounter
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	PoolsOpen *int              `json:"pools_open,omitempty"`
}

// NewHealthChecker creates a new health checker. lease and pools may be nil.
func NewHealthChecker(central, lease Pinger, pools PoolCounter, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		central: central,
		lease:   lease,
		pools:   pools,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			return
		}
		checks[name] = "healthy"
	}

	check("central_db", h.central)
	check("redis", h.lease)

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	if h.pools != nil {
		n := h.pools.Len()
		status.PoolsOpen = &n
	}

	if allHealthy {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server serves the probes on their own port
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer creates the health check HTTP server
func NewServer(hc *HealthChecker, port int, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hc.LivenessHandler)
	mux.HandleFunc("/health/ready", hc.ReadinessHandler)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving probes until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting health check server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the health server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
