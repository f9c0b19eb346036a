package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/health"
	"github.com/vita-cdss/cdss-core/internal/middleware"
	"github.com/vita-cdss/cdss-core/internal/service"
	"github.com/vita-cdss/cdss-core/internal/stream"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	analysis      *service.AnalysisService
	prober        *health.Prober
	hub           *stream.Hub
	logger        *logrus.Logger
	router        *gin.Engine
	server        *http.Server
	started       time.Time
}

// NewServer creates a new HTTP server instance. prober and hub may be nil.
func NewServer(
	configManager domain.ConfigManager,
	analysis *service.AnalysisService,
	prober *health.Prober,
	hub *stream.Hub,
	logger *logrus.Logger,
) *Server {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "cdss-core"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.SecurityHeaders())

	server := &Server{
		configManager: configManager,
		analysis:      analysis,
		prober:        prober,
		hub:           hub,
		logger:        logger,
		router:        router,
		started:       time.Now(),
	}

	server.setupRoutes()

	return server
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled {
			err = s.server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.WithFields(logrus.Fields{
		"addr": addr,
		"tls":  cfg.TLSEnabled,
	}).Info("HTTP server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	cfg := s.configManager.GetConfig()

	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.APIKey(cfg.Auth.APIKeys))
	v1.Use(middleware.RateLimit(cfg.Auth.RequestsPerSec, cfg.Auth.Burst))
	{
		v1.POST("/dicom/analyze", middleware.RequestTimeout(cfg.Server.RequestTimeout), s.handleAnalyze)
		v1.GET("/models", s.handleListModels)
		v1.GET("/models/:id", s.handleGetModel)
		if s.hub != nil {
			v1.GET("/reports/stream", gin.WrapH(s.hub))
		}
	}
}

// handleHealth reports liveness plus the latest model probe results
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	body := gin.H{
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"models":    s.analysis.Registry().Len(),
	}
	if s.prober != nil {
		body["probes"] = s.prober.Statuses()
		if !s.prober.Healthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.hub != nil {
		body["stream_subscribers"] = s.hub.ClientCount()
	}
	body["status"] = status
	c.JSON(code, body)
}
