package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gil9red/currency-rates-telegram-bot/internal/bot"
	"github.com/gil9red/currency-rates-telegram-bot/internal/chart"
	"github.com/gil9red/currency-rates-telegram-bot/internal/config"
	"github.com/gil9red/currency-rates-telegram-bot/internal/feed"
	"github.com/gil9red/currency-rates-telegram-bot/internal/gateway"
	"github.com/gil9red/currency-rates-telegram-bot/internal/ingest"
	"github.com/gil9red/currency-rates-telegram-bot/internal/metrics"
	"github.com/gil9red/currency-rates-telegram-bot/internal/notify"
	"github.com/gil9red/currency-rates-telegram-bot/internal/rates"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
	"github.com/gil9red/currency-rates-telegram-bot/internal/version"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFeed() (*feed.CBR, error) {
	return feed.NewCBR(feed.CBROptions{
		URL:       a.Config.Feed.URL,
		DateParam: a.Config.Feed.DateParam,
		Timeout:   a.Config.Feed.RequestTimeout,
		UserAgent: a.Config.Feed.UserAgent,
	}, a.Logger)
}

func (a *App) newScraper(client feed.Client, store ingest.Store, m *metrics.Metrics) (*ingest.Scraper, error) {
	start, err := a.Config.StartDate()
	if err != nil {
		return nil, err
	}
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}

	return ingest.New(client, store, ingest.Options{
		StartDate:       start,
		Location:        loc,
		RequestDelay:    a.Config.Scraper.RequestDelay,
		RequestJitter:   a.Config.Scraper.RequestJitter,
		PassInterval:    a.Config.Scraper.PassInterval,
		ErrorBackoff:    a.Config.Scraper.ErrorBackoff,
		AdvisoryLockKey: a.Config.Scraper.AdvisoryLockKey,
	}, a.Logger, ingest.WithMetrics(m)), nil
}

func (a *App) newRatesService(store rates.Store) *rates.Service {
	renderer := chart.NewRenderer(a.Config.Chart.Width, a.Config.Chart.Height)
	return rates.NewService(store, a.Config.Notifier.DefaultCurrencies, renderer, a.Logger)
}

func (a *App) newBot(extra ...tgbot.Option) (*tgbot.Bot, error) {
	return gateway.NewBot(gateway.Options{
		Token:   a.Config.Telegram.Token,
		APIBase: a.Config.Telegram.APIBase,
		Timeout: 30 * time.Second,
	}, extra...)
}

// openStore connects to PostgreSQL and applies pending migrations when
// database.auto_migrate is set. A missing DSN yields a nil store.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}

	if a.Config.Database.AutoMigrate {
		status, err := storage.Migrate(store.Pool())
		if err != nil {
			closer()
			return nil, nil, err
		}
		a.Logger.Info().Uint("version", status.Version).Bool("changed", status.Changed).Msg("database schema ready")
	}
	return store, closer, nil
}

// requireStore is openStore for commands that cannot work without a database.
func (a *App) requireStore(ctx context.Context, purpose string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", purpose)
	}
	return store, closeStore, nil
}

// Run executes the scraper, the notifier, the bot and the metrics listener
// until a signal arrives or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store rates.Store
	pgStore, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if pgStore == nil {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, data is lost on exit")
		store = storage.NewMemoryStore()
	} else {
		store = pgStore
		defer closeStore()
	}

	m := metrics.New()

	client, err := a.newFeed()
	if err != nil {
		return err
	}
	scraper, err := a.newScraper(client, store, m)
	if err != nil {
		return err
	}
	svc := a.newRatesService(store)

	var (
		b      *tgbot.Bot
		sender bot.Sender = gateway.NewLog(a.Logger)
	)
	if a.Config.Telegram.Enabled {
		if b, err = a.newBot(); err != nil {
			return err
		}
		sender = gateway.NewTelegram(b, a.Logger)
		commands := bot.NewCommands(svc, sender, m, a.Logger)
		b.RegisterHandler(tgbot.HandlerTypeMessageText, "/", tgbot.MatchTypePrefix, commands.HandleUpdate)
	} else {
		a.Logger.Warn().Msg("telegram disabled; notifications are only logged")
	}

	notifier := notify.New(store, svc, sender, notify.Options{
		PollInterval: a.Config.Notifier.PollInterval,
		ErrorBackoff: a.Config.Notifier.ErrorBackoff,
		SendInterval: a.Config.Notifier.SendInterval,
	}, a.Logger, notify.WithMetrics(m))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scraper.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx) })
	if b != nil {
		g.Go(func() error {
			b.Start(gctx)
			return gctx.Err()
		})
	}
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		g.Go(func() error { return a.serveMetrics(gctx, addr, m) })
	}

	a.Logger.Info().Str("version", version.String()).Bool("telegram", b != nil).Msg("starting rates bot")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rates bot stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("address", addr).Msg("metrics listener started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return ctx.Err()
}

// Migrate applies pending migrations, or rolls back steps migrations when steps > 0.
func (a *App) Migrate(ctx context.Context, down int) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn is required for migrate")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	var status storage.MigrationStatus
	if down > 0 {
		status, err = storage.MigrateDown(pool, down)
	} else {
		status, err = storage.Migrate(pool)
	}
	if err != nil {
		return err
	}

	a.Logger.Info().
		Uint("version", status.Version).
		Bool("dirty", status.Dirty).
		Bool("changed", status.Changed).
		Msg("migrations applied")
	return nil
}

// ExportOptions hold parameters for exporting stored observations.
type ExportOptions struct {
	Code      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Code  string
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
	Notify bool
}
