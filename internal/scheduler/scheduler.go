package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrFatal marks task errors that must stop the loop.
var ErrFatal = errors.New("scheduler: fatal task error")

// Fatal wraps err so the default classifier stops the loop.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// Outcome classifies one task invocation.
type Outcome int

const (
	Success Outcome = iota
	Retry
	Stop
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Stop:
		return "fatal"
	default:
		return "unknown"
	}
}

// Task is one unit of work, e.g. a single ingestion or dispatch pass.
type Task func(ctx context.Context) error

// ClassifyFunc maps a task error to an outcome.
type ClassifyFunc func(err error) Outcome

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Backoff returns the delay before the next attempt after failures consecutive failures.
type Backoff interface {
	Delay(failures int) time.Duration
}

// Fixed waits the same delay after every failure.
type Fixed time.Duration

func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Table indexes delays by consecutive failure count (1-based). Counts past
// the end of the table reuse the last entry.
type Table []time.Duration

func (t Table) Delay(failures int) time.Duration {
	if len(t) == 0 {
		return 0
	}
	if failures < 1 {
		failures = 1
	}
	if failures > len(t) {
		return t[len(t)-1]
	}
	return t[failures-1]
}

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	Backoff      Backoff
	StartupDelay time.Duration
	Classify     ClassifyFunc
	Sleep        SleepFunc
}

// Scheduler runs a task forever, sleeping Interval after a success and
// Backoff after a failure.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval < 0 {
		panic("scheduler interval must not be negative")
	}
	if opts.Backoff == nil {
		opts.Backoff = Fixed(opts.Interval)
	}
	if opts.Classify == nil {
		opts.Classify = DefaultClassify
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepContext
	}
	if opts.Name == "" {
		opts.Name = "task"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("task", opts.Name).Logger(),
	}
}

// Run blocks, invoking task until ctx is cancelled or task fails fatally.
func (s *Scheduler) Run(ctx context.Context, task Task) error {
	if s.opts.StartupDelay > 0 {
		if err := s.opts.Sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := task(ctx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		var delay time.Duration
		switch outcome := s.opts.Classify(err); outcome {
		case Success:
			failures = 0
			delay = s.opts.Interval
		case Retry:
			failures++
			delay = s.opts.Backoff.Delay(failures)
			s.logger.Error().Err(err).
				Int("failures", failures).
				Dur("backoff", delay).
				Msg("task failed, backing off")
		default:
			s.logger.Error().Err(err).Msg("task failed fatally, stopping")
			return err
		}

		if delay <= 0 {
			continue
		}
		if err := s.opts.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// DefaultClassify treats nil as success, ErrFatal as fatal and anything else as retryable.
func DefaultClassify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrFatal):
		return Stop
	default:
		return Retry
	}
}

// SleepContext waits for d on a timer, returning early with ctx.Err().
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
