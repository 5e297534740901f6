package feed

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks an upstream document that is missing required fields.
var ErrMalformed = errors.New("feed: malformed document")

// ObservedRate is one currency quote from a daily snapshot.
type ObservedRate struct {
	NumCode  int
	CharCode string
	Name     string
	Nominal  int64
	// Value is the quote as published, per Nominal units.
	Value decimal.Decimal
	// RawValue is Value / Nominal, the per-unit price.
	RawValue decimal.Decimal
}

// Snapshot is one published day of rates. Date may differ from the
// requested day when the source has nothing for it.
type Snapshot struct {
	Date  time.Time
	Rates map[string]ObservedRate
}

// Client fetches a single day's snapshot.
type Client interface {
	FetchDay(ctx context.Context, date time.Time) (Snapshot, error)
}

// Day strips the clock and location from t, keeping its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
