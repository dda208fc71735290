package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Pool registry metrics
	PoolsOpen        prometheus.Gauge
	PoolLoads        *prometheus.CounterVec
	PoolLoadDuration prometheus.Histogram

	// Router metrics
	RouterDecisions *prometheus.CounterVec

	// Provisioning metrics
	ProvisioningTotal    *prometheus.CounterVec
	ProvisioningDuration prometheus.Histogram
	Compensations        *prometheus.CounterVec

	// Transfer metrics
	TransfersEnqueued prometheus.Counter
	TransfersTotal    *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	CyclesSkipped     *prometheus.CounterVec
}

// NewMetrics creates metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantplane_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantplane_http_request_duration_seconds",
				Help:    "Duration of admin HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		PoolsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantplane_pools_open",
				Help: "Number of open hospital connection pools",
			},
		),

		PoolLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantplane_pool_loads_total",
				Help: "Total number of hospital pool cold loads",
			},
			[]string{"outcome"},
		),

		PoolLoadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantplane_pool_load_duration_seconds",
				Help:    "Duration of hospital pool cold loads",
				Buckets: prometheus.DefBuckets,
			},
		),

		RouterDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantplane_router_decisions_total",
				Help: "Total number of routing decisions by caller role and destination",
			},
			[]string{"role", "destination"},
		),

		ProvisioningTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantplane_provisioning_total",
				Help: "Total number of provisioning runs by outcome",
			},
			[]string{"outcome"},
		),

		ProvisioningDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantplane_provisioning_duration_seconds",
				Help:    "Duration of provisioning runs",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		Compensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantplane_provisioning_compensations_total",
				Help: "Total number of provisioning compensation steps by result",
			},
			[]string{"step", "status"},
		),

		TransfersEnqueued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantplane_transfers_enqueued_total",
				Help: "Total number of transfer outbox entries created",
			},
		),

		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantplane_transfers_total",
				Help: "Total number of processed transfer entries by outcome",
			},
			[]string{"outcome"},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantplane_transfer_cycle_duration_seconds",
				Help:    "Duration of transfer processor cycles",
				Buckets: prometheus.DefBuckets,
			},
		),

		CyclesSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantplane_transfer_cycles_skipped_total",
				Help: "Total number of transfer cycles skipped",
			},
			[]string{"reason"},
		),
	}
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetPoolsOpen sets the open pool gauge
func (m *Metrics) SetPoolsOpen(n int) {
	if m == nil {
		return
	}
	m.PoolsOpen.Set(float64(n))
}

// RecordPoolLoad records a cold load of a hospital pool
func (m *Metrics) RecordPoolLoad(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PoolLoads.WithLabelValues(outcome).Inc()
	m.PoolLoadDuration.Observe(duration.Seconds())
}

// RecordRouterDecision records where a caller was routed
func (m *Metrics) RecordRouterDecision(role, destination string) {
	if m == nil {
		return
	}
	m.RouterDecisions.WithLabelValues(role, destination).Inc()
}

// RecordProvisioning records a provisioning run
func (m *Metrics) RecordProvisioning(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProvisioningTotal.WithLabelValues(outcome).Inc()
	m.ProvisioningDuration.Observe(duration.Seconds())
}

// RecordCompensation records one compensation step
func (m *Metrics) RecordCompensation(step string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.Compensations.WithLabelValues(step, status).Inc()
}

// RecordEnqueue records a new outbox entry
func (m *Metrics) RecordEnqueue() {
	if m == nil {
		return
	}
	m.TransfersEnqueued.Inc()
}

// RecordTransfer records the outcome of one processed entry
func (m *Metrics) RecordTransfer(outcome string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(outcome).Inc()
}

// RecordCycle records a completed processor cycle
func (m *Metrics) RecordCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(duration.Seconds())
}

// RecordCycleSkipped records a cycle that did not run
func (m *Metrics) RecordCycleSkipped(reason string) {
	if m == nil {
		return
	}
	m.CyclesSkipped.WithLabelValues(reason).Inc()
}

// MetricsServer serves the registry on its own port
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a metrics server exposing gatherer on path
func NewMetricsServer(port int, path string, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving metrics until Shutdown
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
