package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"spendsense/internal/app"
)

var (
	showLimit   int
	showUser    string
	showPersona string
	showContent string

	historyLimit int
	historyJSON  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current traces",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			UserID:  showUser,
			Persona: showPersona,
			Content: showContent,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "Display a user's stored traces, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{
			UserID: args[0],
			Limit:  historyLimit,
			JSON:   historyJSON,
		})
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <user-id>",
	Short: "Delete every stored trace of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Purge(cmd.Context(), args[0])
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of traces to display")
	showCmd.Flags().StringVar(&showUser, "user", "", "Only this user")
	showCmd.Flags().StringVar(&showPersona, "persona", "", "Only traces assigned this persona")
	showCmd.Flags().StringVar(&showContent, "content", "", "Only traces that emitted this recommendation id")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Number of traces to display (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print full traces as JSON")
}
