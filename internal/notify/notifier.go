package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gil9red/currency-rates-telegram-bot/internal/gateway"
	"github.com/gil9red/currency-rates-telegram-bot/internal/metrics"
	"github.com/gil9red/currency-rates-telegram-bot/internal/scheduler"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// Composer builds the digest text owed to a subscriber.
type Composer interface {
	Digest(ctx context.Context, userID int64) (string, error)
}

// Store is the subscription state the notifier reads and clears.
type Store interface {
	ListPendingNotifications(ctx context.Context) ([]storage.Subscription, error)
	ClearPendingNotification(ctx context.Context, userID int64) error
}

// Options tune the dispatch loop.
type Options struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	SendInterval time.Duration
}

// PassResult summarises one dispatch pass.
type PassResult struct {
	Pending int
	Sent    int
	Gone    int
}

// Notifier delivers one digest per pending subscription and clears the flag.
type Notifier struct {
	store    Store
	composer Composer
	gateway  gateway.Gateway
	opts     Options
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	sleep    scheduler.SleepFunc
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithSleep overrides the sleep used between passes.
func WithSleep(sleep scheduler.SleepFunc) Option {
	return func(n *Notifier) { n.sleep = sleep }
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// New constructs a Notifier. Sends are spaced at least SendInterval apart.
func New(store Store, composer Composer, gw gateway.Gateway, opts Options, logger zerolog.Logger, options ...Option) *Notifier {
	limit := rate.Inf
	if opts.SendInterval > 0 {
		limit = rate.Every(opts.SendInterval)
	}
	n := &Notifier{
		store:    store,
		composer: composer,
		gateway:  gw,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "notifier").Logger(),
		sleep:    scheduler.SleepContext,
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

// Run polls for pending subscriptions until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{
		Name:     "notify",
		Interval: n.opts.PollInterval,
		Backoff:  scheduler.Fixed(n.opts.ErrorBackoff),
		Sleep:    n.sleep,
	}, n.logger)

	return sched.Run(ctx, func(ctx context.Context) error {
		_, err := n.Pass(ctx)
		return err
	})
}

// Pass sends the digest to every pending subscriber once. A recipient that
// no longer exists is cleared like a delivered one. Any other failure aborts
// the pass and leaves the remaining flags set for the next attempt.
func (n *Notifier) Pass(ctx context.Context) (result PassResult, err error) {
	started := time.Now()
	defer func() { n.metrics.ObservePass("notify", started, err) }()

	pending, err := n.store.ListPendingNotifications(ctx)
	if err != nil {
		return result, fmt.Errorf("list pending notifications: %w", err)
	}
	result.Pending = len(pending)
	if len(pending) == 0 {
		return result, nil
	}

	seen := make(map[int64]struct{}, len(pending))
	for _, sub := range pending {
		if _, dup := seen[sub.UserID]; dup {
			continue
		}
		seen[sub.UserID] = struct{}{}

		gone, err := n.deliver(ctx, sub.UserID)
		if err != nil {
			n.metrics.RecordNotification("failed")
			n.logger.Error().Err(err).Int64("user_id", sub.UserID).Msg("notification failed")
			return result, err
		}

		if err := n.store.ClearPendingNotification(ctx, sub.UserID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return result, fmt.Errorf("clear pending notification %d: %w", sub.UserID, err)
		}

		if gone {
			result.Gone++
			n.metrics.RecordNotification("recipient_gone")
			n.logger.Warn().Int64("user_id", sub.UserID).Msg("recipient gone, notification dropped")
			continue
		}
		result.Sent++
		n.metrics.RecordNotification("sent")
		n.logger.Info().Int64("user_id", sub.UserID).Msg("notification sent")
	}

	return result, nil
}

// deliver reports gone=true when the gateway says the recipient no longer exists.
func (n *Notifier) deliver(ctx context.Context, userID int64) (gone bool, err error) {
	text, err := n.composer.Digest(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("compose digest for %d: %w", userID, err)
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return false, err
	}

	err = n.gateway.SendMessage(ctx, userID, text)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, gateway.ErrRecipientNotFound):
		return true, nil
	default:
		return false, fmt.Errorf("send to %d: %w", userID, err)
	}
}
