package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/gil9red/currency-rates-telegram-bot/internal/feed"
	"github.com/gil9red/currency-rates-telegram-bot/internal/metrics"
	"github.com/gil9red/currency-rates-telegram-bot/internal/scheduler"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// Store is everything the scraper persists to.
type Store interface {
	storage.RateStore
	storage.CurrencyStore
	MarkAllPendingNotification(ctx context.Context) (int64, error)
}

// Options tune the ingestion loop.
type Options struct {
	StartDate       time.Time
	Location        *time.Location
	RequestDelay    time.Duration
	RequestJitter   time.Duration
	PassInterval    time.Duration
	ErrorBackoff    time.Duration
	AdvisoryLockKey int64
}

// DayResult describes the outcome of one requested date.
type DayResult struct {
	Requested  time.Time
	Actual     time.Time
	Gap        bool
	Currencies int
	Inserted   int
}

// PassResult summarises one ingestion pass.
type PassResult struct {
	From     time.Time
	LastDate time.Time
	Days     int
	Gaps     int
	Inserted int
	Flagged  int64
	Skipped  bool
	CaughtUp bool
}

// Scraper walks the feed day by day from the last stored date up to today.
type Scraper struct {
	feed    feed.Client
	store   Store
	locker  storage.AdvisoryLocker
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	now    func() time.Time
	sleep  scheduler.SleepFunc
	jitter func(max time.Duration) time.Duration
}

// Option customises a Scraper.
type Option func(*Scraper)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scraper) { s.now = now }
}

// WithSleep overrides the sleep used between requests and passes.
func WithSleep(sleep scheduler.SleepFunc) Option {
	return func(s *Scraper) { s.sleep = sleep }
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scraper) { s.metrics = m }
}

// New constructs a Scraper. The advisory lock is used only when the store implements it.
func New(client feed.Client, store Store, opts Options, logger zerolog.Logger, options ...Option) *Scraper {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s := &Scraper{
		feed:   client,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "scraper").Logger(),
		now:    time.Now,
		sleep:  scheduler.SleepContext,
		jitter: randomJitter,
	}
	if l, ok := store.(storage.AdvisoryLocker); ok {
		s.locker = l
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Run loops forever: PassInterval between passes, ErrorBackoff after a failed one.
func (s *Scraper) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{
		Name:     "ingest",
		Interval: s.opts.PassInterval,
		Backoff:  scheduler.Fixed(s.opts.ErrorBackoff),
		Sleep:    s.sleep,
	}, s.logger)

	return sched.Run(ctx, func(ctx context.Context) error {
		_, err := s.Pass(ctx)
		return err
	})
}

// Today is the current calendar date in the feed's timezone.
func (s *Scraper) Today() time.Time {
	return feed.Day(s.now().In(s.opts.Location))
}

// NextDate is the day after the newest stored observation, or the start date on an empty store.
func (s *Scraper) NextDate(ctx context.Context) (time.Time, error) {
	last, found, err := s.store.LastObservationDate(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("last observation date: %w", err)
	}
	if !found {
		return feed.Day(s.opts.StartDate), nil
	}
	return feed.Day(last).AddDate(0, 0, 1), nil
}

// IngestDay fetches date and persists every currency of the snapshot as one
// unit. A snapshot for another date is reported as a gap and nothing is written.
func (s *Scraper) IngestDay(ctx context.Context, date time.Time) (DayResult, error) {
	date = feed.Day(date)
	result := DayResult{Requested: date}

	snapshot, err := s.feed.FetchDay(ctx, date)
	if err != nil {
		s.metrics.RecordFeedRequest("error")
		return result, fmt.Errorf("fetch %s: %w", date.Format(time.DateOnly), err)
	}

	result.Actual = feed.Day(snapshot.Date)
	if !result.Actual.Equal(date) {
		s.metrics.RecordFeedRequest("gap")
		result.Gap = true
		return result, nil
	}
	s.metrics.RecordFeedRequest("ok")

	codes := make([]string, 0, len(snapshot.Rates))
	for code := range snapshot.Rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	currencies := make([]storage.Currency, 0, len(codes))
	observations := make([]storage.Observation, 0, len(codes))
	for _, code := range codes {
		rate := snapshot.Rates[code]
		currencies = append(currencies, storage.Currency{
			NumCode:  rate.NumCode,
			CharCode: rate.CharCode,
			Name:     rate.Name,
		})
		observations = append(observations, storage.Observation{
			Date:         date,
			CurrencyCode: rate.CharCode,
			Value:        rate.RawValue,
		})
	}

	// 整天一次写入：失败时该日期不会成为最新日期，下一轮会重试
	inserted, err := s.store.InsertDay(ctx, date, currencies, observations)
	if err != nil {
		return result, fmt.Errorf("store %s: %w", date.Format(time.DateOnly), err)
	}
	result.Currencies = len(observations)
	result.Inserted = inserted

	s.metrics.RecordInserted(result.Inserted)
	s.metrics.RecordLastObservation(date)
	return result, nil
}

// Pass ingests every date from NextDate up to today. A gap stops the pass
// unless the feed already publishes a later date, in which case the gap is
// a non-publishing day and the pass moves on.
func (s *Scraper) Pass(ctx context.Context) (result PassResult, err error) {
	started := time.Now()
	defer func() { s.metrics.ObservePass("ingest", started, err) }()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return result, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip pass because advisory lock held elsewhere")
		result.Skipped = true
		return result, nil
	}
	if unlock != nil {
		defer unlock()
	}

	cursor, err := s.NextDate(ctx)
	if err != nil {
		return result, err
	}
	result.From = cursor
	today := s.Today()

	defer func() {
		if result.Inserted == 0 {
			return
		}
		// rows are already committed, so flag subscribers even if the pass was cancelled
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		flagged, markErr := s.store.MarkAllPendingNotification(markCtx)
		if markErr != nil {
			err = errors.Join(err, fmt.Errorf("mark pending notifications: %w", markErr))
			return
		}
		result.Flagged = flagged
		s.metrics.RecordPendingFlags(flagged)
		s.logger.Info().Int("inserted", result.Inserted).Int64("pending", flagged).Msg("subscribers flagged for new rates")
	}()

	var latest *time.Time
	requests := 0
	for date := cursor; !date.After(today); date = date.AddDate(0, 0, 1) {
		if err := s.pace(ctx, &requests); err != nil {
			return result, err
		}

		day, dayErr := s.IngestDay(ctx, date)
		if dayErr != nil {
			s.logger.Error().Err(dayErr).Str("date", date.Format(time.DateOnly)).Msg("ingest day failed")
			return result, dayErr
		}
		result.Days++

		if !day.Gap {
			result.Inserted += day.Inserted
			result.LastDate = date
			s.logger.Info().
				Str("date", date.Format(time.DateOnly)).
				Int("currencies", day.Currencies).
				Int("inserted", day.Inserted).
				Msg("rates ingested")
			continue
		}

		result.Gaps++
		s.logger.Debug().
			Str("requested_date", date.Format(time.DateOnly)).
			Str("actual_date", day.Actual.Format(time.DateOnly)).
			Msg("no rates published for date")

		if date.Equal(today) {
			break
		}
		if latest == nil {
			if err := s.pace(ctx, &requests); err != nil {
				return result, err
			}
			probe, probeErr := s.feed.FetchDay(ctx, today)
			if probeErr != nil {
				s.metrics.RecordFeedRequest("error")
				return result, fmt.Errorf("probe %s: %w", today.Format(time.DateOnly), probeErr)
			}
			s.metrics.RecordFeedRequest("probe")
			actual := feed.Day(probe.Date)
			latest = &actual
		}
		if !latest.After(date) {
			break
		}
	}

	result.CaughtUp = true
	return result, nil
}

// Backfill ingests every date in [from, to] regardless of what is stored.
// Gaps are skipped. Subscribers are flagged only when notify is set.
func (s *Scraper) Backfill(ctx context.Context, from, to time.Time, notify bool) (PassResult, error) {
	from, to = feed.Day(from), feed.Day(to)
	if to.Before(from) {
		return PassResult{}, fmt.Errorf("backfill range %s..%s is empty", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	result := PassResult{From: from}
	requests := 0
	for date := from; !date.After(to); date = date.AddDate(0, 0, 1) {
		if err := s.pace(ctx, &requests); err != nil {
			return result, err
		}
		day, err := s.IngestDay(ctx, date)
		if err != nil {
			return result, err
		}
		result.Days++
		if day.Gap {
			result.Gaps++
			continue
		}
		result.Inserted += day.Inserted
		result.LastDate = date
		s.logger.Info().Str("date", date.Format(time.DateOnly)).Int("inserted", day.Inserted).Msg("backfilled")
	}

	if notify && result.Inserted > 0 {
		flagged, err := s.store.MarkAllPendingNotification(ctx)
		if err != nil {
			return result, fmt.Errorf("mark pending notifications: %w", err)
		}
		result.Flagged = flagged
	}
	result.CaughtUp = true
	return result, nil
}

// pace sleeps RequestDelay plus jitter before every request but the first of a pass.
func (s *Scraper) pace(ctx context.Context, requests *int) error {
	*requests++
	if *requests == 1 {
		return ctx.Err()
	}
	delay := s.opts.RequestDelay + s.jitter(s.opts.RequestJitter)
	return s.sleep(ctx, delay)
}

func (s *Scraper) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
