package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Observation is one stored (date, currency) exchange rate. Date carries no
// clock component and Value is the per-unit price in roubles.
type Observation struct {
	Date         time.Time
	CurrencyCode string
	Value        decimal.Decimal
}

// Currency is the metadata published alongside a rate.
type Currency struct {
	NumCode  int
	CharCode string
	Name     string
}

// Subscription is the per-user notification state. PendingNotification is
// true while a digest for newly ingested rates is still owed.
type Subscription struct {
	UserID              int64
	IsActive            bool
	PendingNotification bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SubscriptionResult reports what Subscribe or Unsubscribe did.
type SubscriptionResult int

const (
	AlreadyActive SubscriptionResult = iota + 1
	Activated
	AlreadyInactive
	Deactivated
)

func (r SubscriptionResult) String() string {
	switch r {
	case AlreadyActive:
		return "already_active"
	case Activated:
		return "activated"
	case AlreadyInactive:
		return "already_inactive"
	case Deactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}
