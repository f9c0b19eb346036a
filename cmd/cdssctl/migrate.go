package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vita-cdss/cdss-core/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the PostgreSQL report schema",
	Long:      `Applies all pending migrations (up), rolls back one migration (down) or prints the current version.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	configManager, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	runner, err := database.NewMigrationRunner(configManager.GetDatabaseConnectionString(), logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	switch args[0] {
	case "up":
		err = runner.Up(cmd.Context())
	case "down":
		err = runner.Down(cmd.Context())
	}
	if err != nil {
		return err
	}

	version, dirty, err := runner.Version()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}
