package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vita-cdss/cdss-core/internal/app"
	"github.com/vita-cdss/cdss-core/internal/domain"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model registry",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered model versions",
	Args:  cobra.NoArgs,
	RunE:  runModelsList,
}

func init() {
	modelsListCmd.Flags().BoolVar(&modelsJSON, "json", false, "Print descriptors as JSON")

	modelsCmd.AddCommand(modelsListCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runModelsList(cmd *cobra.Command, args []string) error {
	configManager, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := app.LoadRegistry(configManager.GetConfig().Models, logger)
	if err != nil {
		return err
	}

	entries := reg.All()
	if modelsJSON {
		descriptors := make([]domain.ModelDescriptor, len(entries))
		for i, e := range entries {
			descriptors[i] = e.Descriptor
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(descriptors)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tMODALITIES\tINPUT\tTIMEOUT")
	for _, e := range entries {
		d := e.Descriptor
		fmt.Fprintf(w, "%s\t%s\t%s\t%v %s\t%s\n",
			d.ID, d.Version, strings.Join(d.Input.Modalities, ","), d.Input.Shape(), d.Input.DType, d.Timeout)
	}
	return w.Flush()
}
