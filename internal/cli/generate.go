package cli

import (
	"github.com/spf13/cobra"

	"spendsense/internal/app"
)

var (
	generateAll    bool
	generateDryRun bool
	generateJSON   bool
)

var generateCmd = &cobra.Command{
	Use:   "generate [user-id...]",
	Short: "Run the pipeline once for the given users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Generate(cmd.Context(), app.GenerateOptions{
			UserIDs: args,
			All:     generateAll,
			DryRun:  generateDryRun,
			JSON:    generateJSON,
		})
	},
}

func init() {
	generateCmd.Flags().BoolVar(&generateAll, "all", false, "Run for every user in the ledger directory")
	generateCmd.Flags().BoolVar(&generateDryRun, "dry-run", false, "Evaluate without writing traces")
	generateCmd.Flags().BoolVar(&generateJSON, "json", false, "Print full traces as JSON")
}
