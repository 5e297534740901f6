package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMemoryInsertObservationIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	obs := Observation{Date: day(2024, 3, 15), CurrencyCode: "USD", Value: decimal.RequireFromString("91.6069")}

	inserted, err := store.InsertObservation(ctx, obs)
	if err != nil || !inserted {
		t.Fatalf("首次写入应成功: inserted=%v err=%v", inserted, err)
	}

	obs.Value = decimal.RequireFromString("1")
	inserted, err = store.InsertObservation(ctx, obs)
	if err != nil || inserted {
		t.Fatalf("重复写入应为空操作: inserted=%v err=%v", inserted, err)
	}

	series, _ := store.ListLastObservations(ctx, "USD", 0)
	if len(series) != 1 || !series[0].Value.Equal(decimal.RequireFromString("91.6069")) {
		t.Fatalf("observations must be immutable, got %+v", series)
	}
}

func TestMemoryListObservations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 1; i <= 5; i++ {
		_, _ = store.InsertObservation(ctx, Observation{Date: day(2024, 1, i), CurrencyCode: "EUR", Value: decimal.NewFromInt(int64(i))})
	}
	_, _ = store.InsertObservation(ctx, Observation{Date: day(2024, 1, 9), CurrencyCode: "USD", Value: decimal.NewFromInt(9)})

	last, found, err := store.LastObservationDate(ctx)
	if err != nil || !found || !last.Equal(day(2024, 1, 9)) {
		t.Fatalf("unexpected last date %s found=%v err=%v", last, found, err)
	}

	latest, _ := store.ListLastObservations(ctx, "EUR", 2)
	if len(latest) != 2 || latest[0].Date.Day() != 5 || latest[1].Date.Day() != 4 {
		t.Fatalf("expected newest first, got %+v", latest)
	}

	between, _ := store.ListObservationsBetween(ctx, "EUR", day(2024, 1, 2), day(2024, 1, 4))
	if len(between) != 3 || between[0].Date.Day() != 2 || between[2].Date.Day() != 4 {
		t.Fatalf("expected inclusive ascending range, got %+v", between)
	}

	prev, found, _ := store.PreviousObservation(ctx, "EUR", day(2024, 1, 4))
	if !found || prev.Date.Day() != 3 {
		t.Fatalf("expected 2024-01-03 as previous, got %+v", prev)
	}
	if _, found, _ := store.PreviousObservation(ctx, "EUR", day(2024, 1, 1)); found {
		t.Fatal("first observation has no predecessor")
	}

	count, _ := store.CountObservations(ctx)
	if count != 6 {
		t.Fatalf("expected 6 observations, got %d", count)
	}
}

func TestMemoryLastObservationDateEmpty(t *testing.T) {
	_, found, err := NewMemoryStore().LastObservationDate(context.Background())
	if err != nil || found {
		t.Fatalf("空存储不应返回日期: found=%v err=%v", found, err)
	}
}

func TestMemoryCurrencies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if ok, _ := store.InsertCurrency(ctx, Currency{NumCode: 840, CharCode: "USD", Name: "US Dollar"}); !ok {
		t.Fatal("first sighting should insert")
	}
	if ok, _ := store.InsertCurrency(ctx, Currency{NumCode: 840, CharCode: "USD", Name: "Renamed"}); ok {
		t.Fatal("known currency should not be inserted again")
	}
	_, _ = store.InsertCurrency(ctx, Currency{NumCode: 36, CharCode: "AUD", Name: "Australian Dollar"})

	list, _ := store.ListCurrencies(ctx)
	if len(list) != 2 || list[0].CharCode != "AUD" || list[1].Name != "US Dollar" {
		t.Fatalf("unexpected currencies %+v", list)
	}
}

func TestMemorySubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	steps := []struct {
		op   func(context.Context, int64) (SubscriptionResult, error)
		want SubscriptionResult
	}{
		{store.Unsubscribe, AlreadyInactive},
		{store.Subscribe, Activated},
		{store.Subscribe, AlreadyActive},
		{store.Unsubscribe, Deactivated},
		{store.Unsubscribe, AlreadyInactive},
		{store.Subscribe, Activated},
	}
	for i, step := range steps {
		got, err := step.op(ctx, 42)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != step.want {
			t.Fatalf("step %d: want %s, got %s", i, step.want, got)
		}
	}
}

func TestMemoryResubscribeClearsPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, _ = store.Subscribe(ctx, 1)
	_, _ = store.MarkAllPendingNotification(ctx)
	_, _ = store.Unsubscribe(ctx, 1)
	_, _ = store.Subscribe(ctx, 1)

	sub, err := store.GetSubscription(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !sub.IsActive || sub.PendingNotification {
		t.Fatalf("重新订阅后不应有待发送通知: %+v", sub)
	}
}

func TestMemoryMarkAllPendingOnlyActive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, id := range []int64{1, 2, 3, 4} {
		_, _ = store.Subscribe(ctx, id)
	}
	_, _ = store.Unsubscribe(ctx, 4)

	flipped, err := store.MarkAllPendingNotification(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if flipped != 3 {
		t.Fatalf("expected 3 flags flipped, got %d", flipped)
	}

	inactive, _ := store.GetSubscription(ctx, 4)
	if inactive.PendingNotification {
		t.Fatal("inactive subscription must stay unflagged")
	}

	pending, _ := store.ListPendingNotifications(ctx)
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}

	if err := store.ClearPendingNotification(ctx, 2); err != nil {
		t.Fatal(err)
	}
	pending, _ = store.ListPendingNotifications(ctx)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending after clear, got %d", len(pending))
	}

	if err := store.ClearPendingNotification(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user should return ErrNotFound, got %v", err)
	}
}

func TestMemorySettings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, found, _ := store.GetSelectedCurrencies(ctx, 7); found {
		t.Fatal("no settings stored yet")
	}

	codes := []string{"GBP", "USD"}
	if err := store.SetSelectedCurrencies(ctx, 7, codes); err != nil {
		t.Fatal(err)
	}
	codes[0] = "XXX"

	got, found, _ := store.GetSelectedCurrencies(ctx, 7)
	if !found || len(got) != 2 || got[0] != "GBP" {
		t.Fatalf("settings should be copied on write, got %v", got)
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	if _, err := store.CountObservations(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil store should report ErrNotConfigured, got %v", err)
	}
	if _, err := store.InsertDay(context.Background(), day(2024, 3, 1), nil, nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil store should reject InsertDay, got %v", err)
	}
	if _, err := Migrate(nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil pool should report ErrNotConfigured, got %v", err)
	}
}

func TestMemoryInsertDayAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	date := day(2024, 3, 2)
	currencies := []Currency{
		{NumCode: 156, CharCode: "CNY", Name: "Yuan"},
		{NumCode: 840, CharCode: "USD", Name: "US Dollar"},
	}
	observations := []Observation{
		{Date: date, CurrencyCode: "CNY", Value: decimal.RequireFromString("12.5")},
		{Date: day(2024, 3, 1), CurrencyCode: "USD", Value: decimal.RequireFromString("91")},
	}

	if _, err := store.InsertDay(ctx, date, currencies, observations); !errors.Is(err, ErrInvalidDay) {
		t.Fatalf("expected ErrInvalidDay, got %v", err)
	}
	count, _ := store.CountObservations(ctx)
	known, _ := store.ListCurrencies(ctx)
	if count != 0 || len(known) != 0 {
		t.Fatalf("被拒绝的批次不应留下数据: observations=%d currencies=%d", count, len(known))
	}

	observations[1].Date = date
	inserted, err := store.InsertDay(ctx, date, currencies, observations)
	if err != nil || inserted != 2 {
		t.Fatalf("inserted=%d err=%v", inserted, err)
	}
	inserted, err = store.InsertDay(ctx, date, currencies, observations)
	if err != nil || inserted != 0 {
		t.Fatalf("repeated day should be a no-op: inserted=%d err=%v", inserted, err)
	}
	if last, ok, _ := store.LastObservationDate(ctx); !ok || !last.Equal(date) {
		t.Fatalf("unexpected last date %s", last)
	}
}
