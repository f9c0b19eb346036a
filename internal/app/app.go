// Package app assembles the imaging pipeline from configuration. Both the
// HTTP server and cdssctl build their services through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/audit"
	"github.com/vita-cdss/cdss-core/internal/database"
	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/health"
	"github.com/vita-cdss/cdss-core/internal/registry"
	"github.com/vita-cdss/cdss-core/internal/service"
	"github.com/vita-cdss/cdss-core/internal/stream"
	"github.com/vita-cdss/cdss-core/internal/telemetry"
	"github.com/vita-cdss/cdss-core/pkg/dicom"
)

// LoadRegistry builds the model registry from the configured manifest
func LoadRegistry(cfg domain.ModelsConfig, logger *logrus.Logger) (*registry.Registry, error) {
	reg, err := registry.LoadManifest(cfg.ManifestPath, cfg.DefaultTimeout, logger)
	if err != nil {
		return nil, err
	}
	logger.WithField("models", reg.Len()).Info("Model registry loaded")
	return reg, nil
}

// NewAnalysisService wires loader, normalizer, orchestrator and composer.
// sink may be nil.
func NewAnalysisService(cfg *domain.Config, reg *registry.Registry, sink domain.ReportSink, logger *logrus.Logger) (*service.AnalysisService, error) {
	pseudonyms, err := service.NewPseudonymizer([]byte(cfg.Pseudonym.Secret), cfg.Pseudonym.LedgerSize)
	if err != nil {
		return nil, err
	}
	composer, err := service.NewComposer(cfg.Inference.AggregationPolicy, cfg.Inference.ConfidenceFloor)
	if err != nil {
		return nil, err
	}
	return service.NewAnalysisService(
		dicom.NewLoader(),
		service.NewNormalizer(pseudonyms),
		reg,
		service.NewOrchestrator(service.NewPreprocessor(), cfg.Inference.Workers, logger),
		composer,
		sink,
		logger,
	), nil
}

// Version is stamped on exported traces
const Version = "1.0.0"

const telemetryShutdownTimeout = 5 * time.Second

// App is a fully wired server process
type App struct {
	Registry  *registry.Registry
	Analysis  *service.AnalysisService
	Sinks     *audit.MultiSink
	Hub       *stream.Hub
	Prober    *health.Prober
	Telemetry *telemetry.Provider
}

// New builds every component the server needs. Postgres migrations run
// before the postgres sink is opened.
func New(ctx context.Context, configManager domain.ConfigManager, logger *logrus.Logger) (*App, error) {
	cfg := configManager.GetConfig()

	reg, err := LoadRegistry(cfg.Models, logger)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, Version, logger)
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}

	if slices.Contains(cfg.Audit.Sinks, audit.SinkPostgres) {
		if err := Migrate(ctx, configManager.GetDatabaseConnectionString(), logger); err != nil {
			shutdownTelemetry()
			return nil, err
		}
	}

	sinks, err := audit.Open(cfg.Audit, configManager.GetDatabaseConnectionString(), logger)
	if err != nil {
		shutdownTelemetry()
		return nil, err
	}

	a := &App{Registry: reg, Sinks: sinks, Telemetry: tel}
	if slices.Contains(cfg.Audit.Sinks, audit.SinkStream) {
		a.Hub = stream.NewHub(logger)
		sinks.Add(audit.SinkStream, a.Hub)
	}

	a.Analysis, err = NewAnalysisService(cfg, reg, sinks, logger)
	if err != nil {
		_ = sinks.Close()
		shutdownTelemetry()
		return nil, err
	}

	if cfg.Health.Enabled {
		a.Prober, err = health.NewProber(reg, cfg.Health, logger)
		if err != nil {
			_ = sinks.Close()
			shutdownTelemetry()
			return nil, err
		}
	}
	return a, nil
}

// Start begins background work
func (a *App) Start() {
	if a.Prober != nil {
		a.Prober.Start()
	}
}

// Close stops background work, closes every sink and flushes pending spans
func (a *App) Close() error {
	if a.Prober != nil {
		a.Prober.Stop()
	}
	err := a.Sinks.Close()
	if a.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Telemetry.Shutdown(ctx))
	}
	return err
}

// Migrate applies all pending schema migrations
func Migrate(ctx context.Context, databaseURL string, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunner(databaseURL, logger)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	defer runner.Close()
	return runner.Up(ctx)
}
