package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vita-cdss/cdss-core/internal/app"
	"github.com/vita-cdss/cdss-core/internal/audit"
	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/service"
)

var (
	analyzeModels []string
	analyzeRecord bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Analyze a DICOM file or ZIP of DICOM files",
	Long: `Runs the full pipeline on one container and prints the case report as JSON.
With --record the report is also written to the configured audit sinks.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringSliceVarP(&analyzeModels, "models", "m", nil, "Models to run as id or id@version (default: every applicable model)")
	analyzeCmd.Flags().BoolVar(&analyzeRecord, "record", false, "Write the report to the configured audit sinks")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	configManager, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configManager.GetConfig()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	reg, err := app.LoadRegistry(cfg.Models, logger)
	if err != nil {
		return err
	}

	var sink domain.ReportSink
	if analyzeRecord {
		sinks, err := audit.Open(cfg.Audit, configManager.GetDatabaseConnectionString(), logger)
		if err != nil {
			return err
		}
		defer sinks.Close()
		sink = sinks
	}

	analysis, err := app.NewAnalysisService(cfg, reg, sink, logger)
	if err != nil {
		return err
	}

	var refs []string
	for _, m := range analyzeModels {
		if m = strings.TrimSpace(m); m != "" {
			refs = append(refs, m)
		}
	}

	report, err := analysis.Analyze(cmd.Context(), service.AnalysisRequest{Data: data, Models: refs})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
