package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const dailyXML = `<?xml version="1.0" encoding="windows-1251"?>
<ValCurs Date="15.03.2024" name="Foreign Currency Market">
<Valute ID="R01235"><NumCode>840</NumCode><CharCode>USD</CharCode><Nominal>1</Nominal><Name>US Dollar</Name><Value>91,6069</Value></Valute>
<Valute ID="R01375"><NumCode>156</NumCode><CharCode>CNY</CharCode><Nominal>10</Nominal><Name>Yuan</Name><Value>79,4512</Value></Valute>
</ValCurs>`

func TestFetchDaySuccess(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("date_req")
		w.Header().Set("Content-Type", "application/xml; charset=windows-1251")
		_, _ = w.Write([]byte(dailyXML))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snap, err := client.FetchDay(context.Background(), time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}

	if gotQuery != "15.03.2024" {
		t.Fatalf("date should be sent as DD.MM.YYYY, got %q", gotQuery)
	}
	if !snap.Date.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected snapshot date %s", snap.Date)
	}
	if len(snap.Rates) != 2 {
		t.Fatalf("expected 2 currencies, got %d", len(snap.Rates))
	}

	cny := snap.Rates["CNY"]
	if cny.NumCode != 156 || cny.Nominal != 10 || cny.Name != "Yuan" {
		t.Fatalf("unexpected CNY metadata %+v", cny)
	}
	if !cny.RawValue.Equal(decimal.RequireFromString("7.94512")) {
		t.Fatalf("CNY should be normalised by nominal, got %s", cny.RawValue)
	}
	if !snap.Rates["USD"].RawValue.Equal(decimal.RequireFromString("91.6069")) {
		t.Fatalf("unexpected USD value %s", snap.Rates["USD"].RawValue)
	}
}

func TestFetchDayReturnsActualDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(dailyXML))
	}))
	defer srv.Close()

	snap, err := newTestClient(t, srv.URL).FetchDay(context.Background(), time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Date.Day() != 15 {
		t.Fatalf("the published date should be returned verbatim, got %s", snap.Date)
	}
}

func TestFetchDayHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).FetchDay(context.Background(), time.Now()); err == nil {
		t.Fatal("HTTP 503 should return an error")
	}
}

func TestParseDailyMalformed(t *testing.T) {
	cases := map[string]string{
		"missing date":    `<ValCurs><Valute><NumCode>840</NumCode><CharCode>USD</CharCode><Nominal>1</Nominal><Value>1,0</Value></Valute></ValCurs>`,
		"missing value":   `<ValCurs Date="15.03.2024"><Valute><NumCode>840</NumCode><CharCode>USD</CharCode><Nominal>1</Nominal></Valute></ValCurs>`,
		"missing code":    `<ValCurs Date="15.03.2024"><Valute><NumCode>840</NumCode><Nominal>1</Nominal><Value>1,0</Value></Valute></ValCurs>`,
		"zero nominal":    `<ValCurs Date="15.03.2024"><Valute><NumCode>840</NumCode><CharCode>USD</CharCode><Nominal>0</Nominal><Value>1,0</Value></Valute></ValCurs>`,
		"missing numcode": `<ValCurs Date="15.03.2024"><Valute><CharCode>USD</CharCode><Nominal>1</Nominal><Value>1,0</Value></Valute></ValCurs>`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDaily([]byte(doc))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestParseDailyGarbage(t *testing.T) {
	if _, err := ParseDaily([]byte("<html>")); err == nil {
		t.Fatal("non XML_daily document should fail")
	}
}

func TestNewCBRRejectsRelativeURL(t *testing.T) {
	if _, err := NewCBR(CBROptions{URL: "/scripts/XML_daily.asp"}, zerolog.Nop()); err == nil {
		t.Fatal("relative feed url should be rejected")
	}
}

func newTestClient(t *testing.T, url string) *CBR {
	t.Helper()
	client, err := NewCBR(CBROptions{URL: url, Timeout: time.Second, UserAgent: "test"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	return client
}
