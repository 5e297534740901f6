package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gil9red/currency-rates-telegram-bot/internal/app"
)

var (
	showCode  string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent rates of a currency",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Code:  showCode,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showCode, "code", "USD", "Currency char code")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of observations to display")
}
