package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gil9red/currency-rates-telegram-bot/internal/rates"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// Show prints the most recent observations of a currency.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show observations")
	if err != nil {
		return err
	}
	defer closeStore()

	return showObservations(ctx, os.Stdout, store, opts)
}

func showObservations(ctx context.Context, out io.Writer, store storage.RateStore, opts ShowOptions) error {
	code := strings.ToUpper(strings.TrimSpace(opts.Code))
	// one extra row so the oldest shown line still gets a diff
	observations, err := store.ListLastObservations(ctx, code, opts.Limit+1)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintf(out, "no observations found for %s\n", code)
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tCurrency\tValue\tChange")

	for i, obs := range observations {
		if i == opts.Limit {
			break
		}
		change := ""
		if i+1 < len(observations) {
			change = rates.FormatDiff(obs, observations[i+1])
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			obs.Date.Format(time.DateOnly),
			obs.CurrencyCode,
			obs.Value.String(),
			change,
		)
	}

	return writer.Flush()
}
