package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vita-cdss/cdss-core/internal/audit"
	"github.com/vita-cdss/cdss-core/internal/config"
)

var (
	reportsSource string
	reportsOut    string
	reportsLimit  int
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Query stored case reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent reports",
	Args:  cobra.NoArgs,
	RunE:  runReportsList,
}

var reportsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every stored report as JSON",
	Args:  cobra.NoArgs,
	RunE:  runReportsExport,
}

func init() {
	reportsCmd.PersistentFlags().StringVar(&reportsSource, "source", audit.SinkSQLite, "Store to read from (sqlite or postgres)")
	reportsListCmd.Flags().IntVarP(&reportsLimit, "limit", "n", 20, "Maximum number of reports")
	reportsExportCmd.Flags().StringVarP(&reportsOut, "out", "o", "", "Write to file instead of stdout")

	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsExportCmd)
	rootCmd.AddCommand(reportsCmd)
}

func openStore(configManager *config.Manager) (audit.Store, error) {
	switch reportsSource {
	case audit.SinkSQLite:
		return audit.NewSQLiteStore(configManager.GetConfig().Audit.SQLitePath)
	case audit.SinkPostgres:
		return audit.NewPostgresStoreFromURL(configManager.GetDatabaseConnectionString())
	default:
		return nil, fmt.Errorf("unknown report source %q", reportsSource)
	}
}

func runReportsList(cmd *cobra.Command, args []string) error {
	configManager, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(configManager)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), reportsLimit, 0)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPORT\tGENERATED\tMODALITIES\tFLAG\tCOMPLETE\tMODELS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%d/%d\n",
			r.ReportID, r.GeneratedAt.Format("2006-01-02T15:04:05Z"), strings.Join(r.Modalities, ","),
			r.OverallFlag, r.Complete, r.SucceededCount, r.ModelCount)
	}
	return w.Flush()
}

func runReportsExport(cmd *cobra.Command, args []string) error {
	configManager, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(configManager)
	if err != nil {
		return err
	}
	defer store.Close()

	var out io.Writer = cmd.OutOrStdout()
	if reportsOut != "" {
		f, err := os.Create(reportsOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", reportsOut, err)
		}
		defer f.Close()
		out = f
	}
	return store.ExportJSON(cmd.Context(), out)
}
