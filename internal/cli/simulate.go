package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var simulateUser int64

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send the newsletter to one user without touching subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateUser == 0 {
			return fmt.Errorf("--user 必须提供")
		}
		return getApp().SimulateDigest(cmd.Context(), simulateUser)
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateUser, "user", 0, "Telegram chat id to deliver to")
}
