package rates

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gil9red/currency-rates-telegram-bot/internal/chart"
	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC)
}

func seededService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	for _, c := range []storage.Currency{
		{NumCode: 36, CharCode: "AUD", Name: "Australian Dollar"},
		{NumCode: 156, CharCode: "CNY", Name: "Yuan"},
		{NumCode: 826, CharCode: "GBP", Name: "Pound Sterling"},
		{NumCode: 840, CharCode: "USD", Name: "US Dollar"},
		{NumCode: 978, CharCode: "EUR", Name: "Euro"},
	} {
		_, _ = store.InsertCurrency(ctx, c)
	}

	seed := map[string][]string{
		"USD": {"91.5", "91.62", "91.62"},
		"EUR": {"99", "100", "98.5"},
		"CNY": {"12.7", "12.71", "12.75"},
		"GBP": {"116", "117", "118"},
	}
	for code, values := range seed {
		for i, v := range values {
			_, _ = store.InsertObservation(ctx, storage.Observation{
				Date:         day(3, 13+i),
				CurrencyCode: code,
				Value:        decimal.RequireFromString(v),
			})
		}
	}

	svc := NewService(store, []string{"USD", "EUR", "CNY"}, chart.NewRenderer(320, 200), zerolog.Nop())
	return svc, store
}

func TestSelectedCurrenciesDefaultFallback(t *testing.T) {
	svc, _ := seededService(t)

	got, err := svc.SelectedCurrencies(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"USD", "EUR", "CNY"}) {
		t.Fatalf("未设置时应返回默认货币, got %v", got)
	}

	got[0] = "XXX"
	again, _ := svc.SelectedCurrencies(context.Background(), 1)
	if again[0] != "USD" {
		t.Fatal("defaults must not be mutated by callers")
	}
}

func TestSelectedCurrenciesOrdering(t *testing.T) {
	svc, store := seededService(t)
	ctx := context.Background()

	_ = store.SetSelectedCurrencies(ctx, 1, []string{"GBP", "CNY", "AUD", "USD"})
	got, err := svc.SelectedCurrencies(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"USD", "CNY", "GBP", "AUD"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("defaults should come first: want %v, got %v", want, got)
	}
}

func TestSetSelectedCurrenciesValidation(t *testing.T) {
	svc, _ := seededService(t)
	ctx := context.Background()

	if _, err := svc.SetSelectedCurrencies(ctx, 1, nil); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("empty selection should be rejected, got %v", err)
	}
	if _, err := svc.SetSelectedCurrencies(ctx, 1, []string{"usd", "XYZ"}); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("unknown currency should be rejected, got %v", err)
	}

	got, err := svc.SetSelectedCurrencies(ctx, 1, []string{"gbp", " usd ", "GBP"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"USD", "GBP"}) {
		t.Fatalf("codes should be normalised and deduplicated, got %v", got)
	}
}

func TestToggleCurrency(t *testing.T) {
	svc, _ := seededService(t)
	ctx := context.Background()

	got, err := svc.ToggleCurrency(ctx, 1, "gbp")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"USD", "EUR", "CNY", "GBP"}) {
		t.Fatalf("toggle should add GBP, got %v", got)
	}

	got, _ = svc.ToggleCurrency(ctx, 1, "EUR")
	if !reflect.DeepEqual(got, []string{"USD", "CNY", "GBP"}) {
		t.Fatalf("toggle should remove EUR, got %v", got)
	}

	_, _ = svc.SetSelectedCurrencies(ctx, 2, []string{"USD"})
	if _, err := svc.ToggleCurrency(ctx, 2, "USD"); !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("removing the last currency must fail, got %v", err)
	}
}

func TestDigestDefaultCurrencies(t *testing.T) {
	svc, _ := seededService(t)

	text, err := svc.Digest(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}

	want := strings.Join([]string{
		"<b>Newsletter</b>",
		"Exchange rate for <b><u>15/03/2024</u></b>:",
		"    USD: 91.62 (+0)",
		"    EUR: 98.5 (-1.5)",
		"    CNY: 12.75 (+0.04)",
	}, "\n")
	if text != want {
		t.Fatalf("unexpected digest:\n%s\nwant:\n%s", text, want)
	}
}

func TestDescribeSkipsMissingAndFirstDayHasNoDiff(t *testing.T) {
	svc, _ := seededService(t)

	text, err := svc.Describe(context.Background(), []string{"USD", "AUD"}, day(3, 13))
	if err != nil {
		t.Fatal(err)
	}
	want := "Exchange rate for <b><u>13/03/2024</u></b>:\n    USD: 91.5"
	if text != want {
		t.Fatalf("want %q, got %q", want, text)
	}
}

func TestRatesWithoutData(t *testing.T) {
	svc := NewService(storage.NewMemoryStore(), []string{"USD"}, nil, zerolog.Nop())
	if _, err := svc.Digest(context.Background(), 1); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestFormatDiff(t *testing.T) {
	cases := []struct{ prev, next, want string }{
		{"79.33", "79.4512", "+0.1212"},
		{"80", "79", "-1"},
		{"1.5", "3", "+1.5"},
	}
	for _, c := range cases {
		got := FormatDiff(
			storage.Observation{Value: decimal.RequireFromString(c.next)},
			storage.Observation{Value: decimal.RequireFromString(c.prev)},
		)
		if got != c.want {
			t.Fatalf("%s -> %s: want %s, got %s", c.prev, c.next, c.want, got)
		}
	}
}

func TestFormatCurrencies(t *testing.T) {
	svc, _ := seededService(t)
	list, err := svc.Currencies(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(FormatCurrencies(list), "\n")
	if len(lines) != 5 || lines[0] != "AUD (code 036) Australian Dollar" {
		t.Fatalf("unexpected currency list %q", lines)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	svc, _ := seededService(t)
	ctx := context.Background()

	if res, _ := svc.Subscribe(ctx, 5); res != storage.Activated {
		t.Fatalf("expected Activated, got %s", res)
	}
	if res, _ := svc.Subscribe(ctx, 5); res != storage.AlreadyActive {
		t.Fatalf("expected AlreadyActive, got %s", res)
	}
	if res, _ := svc.Unsubscribe(ctx, 5); res != storage.Deactivated {
		t.Fatalf("expected Deactivated, got %s", res)
	}
}

func TestChart(t *testing.T) {
	svc, _ := seededService(t)
	ctx := context.Background()

	c, err := svc.Chart(ctx, ChartRequest{Code: "eur", Number: 2})
	if err != nil {
		t.Fatal(err)
	}
	if c.Points != 2 || c.Title != "Cost of EUR from 14/03/2024 to 15/03/2024" {
		t.Fatalf("unexpected chart %q with %d points", c.Title, c.Points)
	}
	if !bytes.HasPrefix(c.PNG, []byte("\x89PNG")) {
		t.Fatal("chart should be a PNG")
	}
	if c.Caption != "Cost of EUR in roubles for the last 2 records" {
		t.Fatalf("unexpected caption %q", c.Caption)
	}

	all, err := svc.Series(ctx, ChartRequest{Code: "EUR", Number: -1})
	if err != nil || len(all) != 3 || !all[0].Date.Equal(day(3, 13)) {
		t.Fatalf("full series should be ascending, got %+v (%v)", all, err)
	}

	year, _ := svc.Series(ctx, ChartRequest{Code: "EUR", Year: 2023})
	if len(year) != 0 {
		t.Fatalf("no data in 2023, got %d points", len(year))
	}
	if _, err := svc.Chart(ctx, ChartRequest{Code: "EUR", Year: 2023}); !errors.Is(err, chart.ErrNotEnoughData) {
		t.Fatalf("empty year should not render, got %v", err)
	}
}
