package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var notifyUser string

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a synthetic fault notification through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := getApp().TestNotify(cmd.Context(), notifyUser); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "告警已发送")
		return nil
	},
}

func init() {
	notifyCmd.Flags().StringVar(&notifyUser, "user", "test-user", "User id shown in the synthetic fault")
}
