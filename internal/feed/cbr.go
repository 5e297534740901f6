package feed

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html/charset"
)

// QueryDateLayout is the DD.MM.YYYY layout used by the daily document.
const QueryDateLayout = "02.01.2006"

const maxBodySize = 4 << 20

// CBROptions parameterise the central bank XML client.
type CBROptions struct {
	URL       string
	DateParam string
	Timeout   time.Duration
	UserAgent string
}

// CBR fetches daily rates from the central bank XML_daily document.
type CBR struct {
	opts    CBROptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL *url.URL
}

// NewCBR constructs a feed client.
func NewCBR(opts CBROptions, logger zerolog.Logger) (*CBR, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.DateParam == "" {
		opts.DateParam = "date_req"
	}

	base, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("feed url %q must be absolute", opts.URL)
	}

	return &CBR{
		opts:    opts,
		logger:  logger.With().Str("component", "feed_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
	}, nil
}

// FetchDay requests the snapshot for date. The returned Snapshot.Date is the
// date the source actually answered with.
func (c *CBR) FetchDay(ctx context.Context, date time.Time) (Snapshot, error) {
	endpoint := *c.baseURL
	query := endpoint.Query()
	query.Set(c.opts.DateParam, date.Format(QueryDateLayout))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Accept", "application/xml")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("request daily rates: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read daily rates: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("feed responded with status %d", resp.StatusCode)
	}

	snapshot, err := ParseDaily(payload)
	if err != nil {
		return Snapshot{}, err
	}

	c.logger.Debug().
		Str("requested_date", date.Format(QueryDateLayout)).
		Str("actual_date", snapshot.Date.Format(QueryDateLayout)).
		Int("currencies", len(snapshot.Rates)).
		Msg("daily rates fetched")

	return snapshot, nil
}

type valCurs struct {
	XMLName xml.Name `xml:"ValCurs"`
	Date    string   `xml:"Date,attr"`
	Valutes []valute `xml:"Valute"`
}

type valute struct {
	NumCode  string `xml:"NumCode"`
	CharCode string `xml:"CharCode"`
	Nominal  string `xml:"Nominal"`
	Name     string `xml:"Name"`
	Value    string `xml:"Value"`
}

// ParseDaily decodes an XML_daily document.
func ParseDaily(payload []byte) (Snapshot, error) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	decoder.CharsetReader = charset.NewReaderLabel

	var doc valCurs
	if err := decoder.Decode(&doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode daily rates: %w", err)
	}

	rawDate := strings.TrimSpace(doc.Date)
	if rawDate == "" {
		return Snapshot{}, fmt.Errorf("%w: missing Date attribute", ErrMalformed)
	}
	date, err := time.Parse(QueryDateLayout, rawDate)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: bad Date %q", ErrMalformed, rawDate)
	}

	rates := make(map[string]ObservedRate, len(doc.Valutes))
	for _, v := range doc.Valutes {
		rate, err := v.toRate()
		if err != nil {
			return Snapshot{}, err
		}
		rates[rate.CharCode] = rate
	}

	return Snapshot{Date: date, Rates: rates}, nil
}

func (v valute) toRate() (ObservedRate, error) {
	charCode := strings.TrimSpace(v.CharCode)
	if charCode == "" {
		return ObservedRate{}, fmt.Errorf("%w: currency without CharCode", ErrMalformed)
	}

	numCode, err := strconv.Atoi(strings.TrimSpace(v.NumCode))
	if err != nil {
		return ObservedRate{}, fmt.Errorf("%w: %s NumCode %q", ErrMalformed, charCode, v.NumCode)
	}

	nominal, err := strconv.ParseInt(strings.TrimSpace(v.Nominal), 10, 64)
	if err != nil || nominal <= 0 {
		return ObservedRate{}, fmt.Errorf("%w: %s Nominal %q", ErrMalformed, charCode, v.Nominal)
	}

	value, err := ParseValue(v.Value)
	if err != nil {
		return ObservedRate{}, fmt.Errorf("%w: %s Value %q", ErrMalformed, charCode, v.Value)
	}

	return ObservedRate{
		NumCode:  numCode,
		CharCode: charCode,
		Name:     strings.TrimSpace(v.Name),
		Nominal:  nominal,
		Value:    value,
		RawValue: value.Div(decimal.NewFromInt(nominal)),
	}, nil
}

// ParseValue parses a comma-decimal quote such as "79,4512".
func ParseValue(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), "\u00a0", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	if cleaned == "" {
		return decimal.Decimal{}, fmt.Errorf("empty value")
	}
	return decimal.NewFromString(strings.Replace(cleaned, ",", ".", 1))
}

var _ Client = (*CBR)(nil)
