package rates

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gil9red/currency-rates-telegram-bot/internal/chart"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

var (
	// ErrNoData is returned when nothing has been ingested yet.
	ErrNoData = errors.New("rates: no observations stored")
	// ErrUnknownCurrency is returned for codes absent from the currency table.
	ErrUnknownCurrency = errors.New("rates: unknown currency")
	// ErrEmptySelection is returned when a user tries to deselect every currency.
	ErrEmptySelection = errors.New("rates: at least one currency must be selected")
)

// Store is the persistence the service reads and writes.
type Store interface {
	storage.RateStore
	storage.CurrencyStore
	storage.SubscriptionStore
	storage.SettingsStore
}

// Service implements the user-facing operations: rates, subscriptions,
// currency selection and charts.
type Service struct {
	store    Store
	defaults []string
	renderer *chart.Renderer
	logger   zerolog.Logger
}

// NewService constructs the service. defaults is the ordered fallback selection.
func NewService(store Store, defaults []string, renderer *chart.Renderer, logger zerolog.Logger) *Service {
	if renderer == nil {
		renderer = chart.NewRenderer(0, 0)
	}
	return &Service{
		store:    store,
		defaults: normalizeCodes(defaults),
		renderer: renderer,
		logger:   logger.With().Str("component", "rates").Logger(),
	}
}

// SelectedCurrencies returns the user's currencies: defaults when nothing is
// stored, otherwise the stored selection with default codes first.
func (s *Service) SelectedCurrencies(ctx context.Context, userID int64) ([]string, error) {
	stored, found, err := s.store.GetSelectedCurrencies(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get selected currencies: %w", err)
	}
	stored = normalizeCodes(stored)
	if !found || len(stored) == 0 {
		return slices.Clone(s.defaults), nil
	}
	return orderSelection(s.defaults, stored), nil
}

// SetSelectedCurrencies replaces the user's selection after validating every code.
func (s *Service) SetSelectedCurrencies(ctx context.Context, userID int64, codes []string) ([]string, error) {
	codes = normalizeCodes(codes)
	if len(codes) == 0 {
		return nil, ErrEmptySelection
	}
	if err := s.validateCodes(ctx, codes); err != nil {
		return nil, err
	}
	if err := s.store.SetSelectedCurrencies(ctx, userID, codes); err != nil {
		return nil, fmt.Errorf("set selected currencies: %w", err)
	}
	return orderSelection(s.defaults, codes), nil
}

// ToggleCurrency adds code to the selection or removes it when already selected.
func (s *Service) ToggleCurrency(ctx context.Context, userID int64, code string) ([]string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	current, err := s.SelectedCurrencies(ctx, userID)
	if err != nil {
		return nil, err
	}

	if idx := slices.Index(current, code); idx >= 0 {
		current = slices.Delete(current, idx, idx+1)
	} else {
		current = append(current, code)
	}
	return s.SetSelectedCurrencies(ctx, userID, current)
}

func (s *Service) validateCodes(ctx context.Context, codes []string) error {
	known, err := s.store.ListCurrencies(ctx)
	if err != nil {
		return fmt.Errorf("list currencies: %w", err)
	}
	if len(known) == 0 {
		// nothing ingested yet, accept anything
		return nil
	}
	set := make(map[string]struct{}, len(known))
	for _, c := range known {
		set[c.CharCode] = struct{}{}
	}
	for _, code := range codes {
		if _, ok := set[code]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
		}
	}
	return nil
}

// LatestDate is the newest date with stored observations.
func (s *Service) LatestDate(ctx context.Context) (time.Time, error) {
	last, found, err := s.store.LastObservationDate(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("last observation date: %w", err)
	}
	if !found {
		return time.Time{}, ErrNoData
	}
	return last, nil
}

// Rates describes the user's currencies on date, or on the latest date when date is zero.
func (s *Service) Rates(ctx context.Context, userID int64, date time.Time) (string, error) {
	codes, err := s.SelectedCurrencies(ctx, userID)
	if err != nil {
		return "", err
	}
	if date.IsZero() {
		if date, err = s.LatestDate(ctx); err != nil {
			return "", err
		}
	}
	return s.Describe(ctx, codes, date)
}

// Digest composes the subscription message for userID.
func (s *Service) Digest(ctx context.Context, userID int64) (string, error) {
	text, err := s.Rates(ctx, userID, time.Time{})
	if err != nil {
		return "", err
	}
	return "<b>Newsletter</b>\n" + text, nil
}

// Describe renders codes on date in order, skipping codes without an observation that day.
func (s *Service) Describe(ctx context.Context, codes []string, date time.Time) (string, error) {
	lines := []string{fmt.Sprintf("Exchange rate for <b><u>%s</u></b>:", date.Format(chart.DateLayout))}

	for _, code := range codes {
		day, err := s.store.ListObservationsBetween(ctx, code, date, date)
		if err != nil {
			return "", fmt.Errorf("observation %s: %w", code, err)
		}
		if len(day) == 0 {
			continue
		}

		prev, found, err := s.store.PreviousObservation(ctx, code, date)
		if err != nil {
			return "", fmt.Errorf("previous observation %s: %w", code, err)
		}
		var prevPtr *storage.Observation
		if found {
			prevPtr = &prev
		}
		lines = append(lines, "    "+FormatLine(day[0], prevPtr))
	}

	return strings.Join(lines, "\n"), nil
}

// Subscribe activates the user's subscription.
func (s *Service) Subscribe(ctx context.Context, userID int64) (storage.SubscriptionResult, error) {
	result, err := s.store.Subscribe(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("user_id", userID).Stringer("result", result).Msg("subscribe")
	return result, nil
}

// Unsubscribe deactivates the user's subscription.
func (s *Service) Unsubscribe(ctx context.Context, userID int64) (storage.SubscriptionResult, error) {
	result, err := s.store.Unsubscribe(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("user_id", userID).Stringer("result", result).Msg("unsubscribe")
	return result, nil
}

// Currencies lists every known currency ordered by numeric code.
func (s *Service) Currencies(ctx context.Context) ([]storage.Currency, error) {
	return s.store.ListCurrencies(ctx)
}

// ChartRequest selects a series: the last Number observations (-1 for all),
// or the whole of Year when Year is set.
type ChartRequest struct {
	Code   string
	Number int
	Year   int
}

// Chart is a rendered PNG with its caption.
type Chart struct {
	PNG     []byte
	Title   string
	Caption string
	Points  int
}

// Series loads the points a ChartRequest selects, oldest first.
func (s *Service) Series(ctx context.Context, req ChartRequest) ([]chart.Point, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))

	var (
		observations []storage.Observation
		err          error
	)
	if req.Year > 0 {
		from := time.Date(req.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(req.Year, time.December, 31, 0, 0, 0, 0, time.UTC)
		observations, err = s.store.ListObservationsBetween(ctx, code, from, to)
	} else {
		observations, err = s.store.ListLastObservations(ctx, code, req.Number)
		slices.Reverse(observations)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s series: %w", code, err)
	}

	points := make([]chart.Point, len(observations))
	for i, obs := range observations {
		points[i] = chart.Point{Date: obs.Date, Value: obs.Value}
	}
	return points, nil
}

// Chart renders the series selected by req.
func (s *Service) Chart(ctx context.Context, req ChartRequest) (Chart, error) {
	points, err := s.Series(ctx, req)
	if err != nil {
		return Chart{}, err
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	title := chart.Title(code, points)
	png, err := s.renderer.RenderPNG(title, points)
	if err != nil {
		return Chart{}, err
	}
	return Chart{PNG: png, Title: title, Caption: Caption(req), Points: len(points)}, nil
}

// Caption describes what a chart request covers.
func Caption(req ChartRequest) string {
	prefix := fmt.Sprintf("Cost of %s in roubles for", strings.ToUpper(req.Code))
	switch {
	case req.Year > 0:
		return fmt.Sprintf("%s %d", prefix, req.Year)
	case req.Number <= 0:
		return prefix + " all records"
	default:
		return fmt.Sprintf("%s the last %d records", prefix, req.Number)
	}
}

// orderSelection puts default codes first, in default order, then the rest in stored order.
func orderSelection(defaults, selected []string) []string {
	ordered := make([]string, 0, len(selected))
	for _, code := range defaults {
		if slices.Contains(selected, code) {
			ordered = append(ordered, code)
		}
	}
	for _, code := range selected {
		if !slices.Contains(ordered, code) {
			ordered = append(ordered, code)
		}
	}
	return ordered
}

func normalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || slices.Contains(out, code) {
			continue
		}
		out = append(out, code)
	}
	return out
}
