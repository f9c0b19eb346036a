package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vita-cdss/cdss-core/internal/config"
	"github.com/vita-cdss/cdss-core/internal/logging"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "cdssctl",
	Short:         "Operate the CDSS imaging core",
	Long:          `Analyze imaging studies, inspect the model registry, manage the report database and export stored reports.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file (default: search ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at the configured level instead of warnings only")
}

// loadConfig reads and validates configuration and builds a logger that
// writes to stderr, keeping stdout for command output.
func loadConfig(cmd *cobra.Command) (*config.Manager, *logrus.Logger, error) {
	configManager, err := config.NewManager(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := configManager.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger, err := logging.New(configManager.GetConfig().Logging)
	if err != nil {
		return nil, nil, err
	}
	logger.SetOutput(cmd.ErrOrStderr())
	if !verbose {
		logger.SetLevel(logrus.WarnLevel)
	}
	return configManager, logger, nil
}
