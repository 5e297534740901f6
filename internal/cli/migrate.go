package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateDown int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateDown < 0 {
			return fmt.Errorf("--down cannot be negative")
		}
		return getApp().Migrate(cmd.Context(), migrateDown)
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "Roll back this many migrations instead of applying")
}
