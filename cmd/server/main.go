package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/api"
	"github.com/vita-cdss/cdss-core/internal/app"
	"github.com/vita-cdss/cdss-core/internal/config"
	"github.com/vita-cdss/cdss-core/internal/logging"
)

func main() {
	// A missing .env is fine; the environment may already be populated
	_ = godotenv.Load()

	configManager, err := config.NewManager(os.Getenv("CDSS_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	logger, err := logging.New(configManager.GetConfig().Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	if err := run(configManager, logger); err != nil {
		logger.WithError(err).Error("Server failed")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(configManager *config.Manager, logger *logrus.Logger) error {
	cfg := configManager.GetConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, configManager, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	application.Start()
	defer func() {
		if err := application.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close report sinks")
		}
	}()

	server := api.NewServer(configManager, application.Analysis, application.Prober, application.Hub, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"host":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"environment": cfg.Environment,
		"models":      application.Registry.Len(),
		"sinks":       application.Sinks.Names(),
	}).Info("Starting CDSS imaging server")

	return server.Start(ctx)
}
