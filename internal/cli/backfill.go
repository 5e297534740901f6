package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gil9red/currency-rates-telegram-bot/internal/app"
	"github.com/gil9red/currency-rates-telegram-bot/internal/config"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
	backfillNotify bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-ingest a range of dates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(config.DateLayout, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(config.DateLayout, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
			Notify: backfillNotify,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch into memory without writing to storage")
	backfillCmd.Flags().BoolVar(&backfillNotify, "notify", false, "Flag active subscribers when new rows were inserted")
}
