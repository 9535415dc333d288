package cli

import (
	"github.com/spf13/cobra"

	"spendsense/internal/app"
)

var (
	exportPersona   string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxTraces int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export current traces as CSV and/or a persona distribution PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Persona:   exportPersona,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxTraces: exportMaxTraces,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPersona, "persona", "", "Only traces assigned this persona")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxTraces, "max-traces", 0, "Maximum traces to export (defaults to config)")
}
