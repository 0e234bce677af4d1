package server

import (
	"context"
	"net/http"
	"time"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/health"
	"github.com/nimburion/leasequeue/pkg/middleware/logging"
	"github.com/nimburion/leasequeue/pkg/middleware/metrics"
	"github.com/nimburion/leasequeue/pkg/middleware/recovery"
	"github.com/nimburion/leasequeue/pkg/middleware/requestid"
	"github.com/nimburion/leasequeue/pkg/middleware/tracing"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	obsmetrics "github.com/nimburion/leasequeue/pkg/observability/metrics"
	"github.com/nimburion/leasequeue/pkg/server/router"
)

// ManagementServer serves /health, /ready and /metrics, plus the record API
// when a RecordService is mounted.
type ManagementServer struct {
	*Server
	healthRegistry  *health.Registry
	metricsRegistry *obsmetrics.Registry
}

// NewManagementServer installs the middleware stack on r and registers the
// probe and metrics endpoints. Order: request ID, tracing, logging, metrics,
// then recovery closest to the handler so panics are still logged and counted.
func NewManagementServer(
	cfg config.ManagementConfig,
	r router.Router,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *obsmetrics.Registry,
) *ManagementServer {
	r.Use(
		requestid.RequestID(),
		tracing.Tracing(tracing.DefaultConfig()),
		logging.Logging(log),
		metrics.Metrics(),
		recovery.Recovery(log),
	)

	s := &ManagementServer{
		Server: NewServer(Config{
			Port:         cfg.Port,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}, r, log),
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
	}
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", s.handleMetrics)
	return s
}

// handleHealth is the liveness probe; it never touches dependencies.
func (s *ManagementServer) handleHealth(c router.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady answers 503 only when a check is unhealthy; degraded stays 200.
func (s *ManagementServer) handleReady(c router.Context) error {
	result := s.healthRegistry.Check(c.Request().Context())
	if !result.IsReady() {
		return c.JSON(http.StatusServiceUnavailable, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *ManagementServer) handleMetrics(c router.Context) error {
	s.metricsRegistry.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

// Router returns the underlying router for registering extra routes.
func (s *ManagementServer) Router() router.Router {
	return s.router
}

// Start starts the management server.
func (s *ManagementServer) Start(ctx context.Context) error {
	return s.Server.Start(ctx)
}
