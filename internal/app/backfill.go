package app

import (
	"context"
	"errors"
	"time"

	"github.com/gil9red/currency-rates-telegram-bot/internal/ingest"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// Backfill re-ingests every date in [From, To]. Stored observations are kept;
// only missing ones are inserted.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.To.Before(opts.From) {
		return errors.New("回填区间为空，请检查 --from/--to")
	}

	var store ingest.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing is written to the database")
		store = storage.NewMemoryStore()
	} else {
		pgStore, closeStore, err := a.requireStore(ctx, "backfill")
		if err != nil {
			return err
		}
		defer closeStore()
		store = pgStore
	}

	client, err := a.newFeed()
	if err != nil {
		return err
	}
	scraper, err := a.newScraper(client, store, nil)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := scraper.Backfill(ctx, opts.From, opts.To, opts.Notify)
	a.Logger.Info().
		Int("days", result.Days).
		Int("gaps", result.Gaps).
		Int("inserted", result.Inserted).
		Int64("pending", result.Flagged).
		Dur("elapsed", time.Since(started)).
		Msg("backfill finished")
	return err
}
