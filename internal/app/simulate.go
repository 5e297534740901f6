package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gil9red/currency-rates-telegram-bot/internal/gateway"
	"github.com/gil9red/currency-rates-telegram-bot/internal/rates"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// SimulateDigest composes the newsletter for userID and delivers it once,
// outside the subscription bookkeeping. Without a database the latest
// published day is fetched into memory first.
func (a *App) SimulateDigest(ctx context.Context, userID int64) error {
	if userID == 0 {
		return errors.New("user id is required")
	}

	var store rates.Store
	pgStore, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if pgStore != nil {
		defer closeStore()
		store = pgStore
	} else {
		mem := storage.NewMemoryStore()
		if err := a.seedLatest(ctx, mem); err != nil {
			return err
		}
		store = mem
	}

	text, err := a.newRatesService(store).Digest(ctx, userID)
	if err != nil {
		return err
	}

	var gw gateway.Gateway = gateway.NewLog(a.Logger)
	if a.Config.Telegram.Enabled {
		b, err := a.newBot()
		if err != nil {
			return err
		}
		gw = gateway.NewTelegram(b, a.Logger)
	}
	return gw.SendMessage(ctx, userID, text)
}

func (a *App) seedLatest(ctx context.Context, store *storage.MemoryStore) error {
	client, err := a.newFeed()
	if err != nil {
		return err
	}
	scraper, err := a.newScraper(client, store, nil)
	if err != nil {
		return err
	}

	today := scraper.Today()
	day, err := scraper.IngestDay(ctx, today)
	if err != nil {
		return err
	}
	if day.Gap {
		// nothing published for today, store whatever day the feed answered with
		if _, err := scraper.IngestDay(ctx, day.Actual); err != nil {
			return fmt.Errorf("ingest %s: %w", day.Actual.Format("2006-01-02"), err)
		}
	}
	return nil
}
