package rates

import (
	"fmt"
	"strings"

	"github.com/gil9red/currency-rates-telegram-bot/internal/storage"
)

// FormatLine renders "USD: 79.4512 (+0.12)". The diff is omitted without a previous observation.
func FormatLine(obs storage.Observation, prev *storage.Observation) string {
	line := fmt.Sprintf("%s: %s", obs.CurrencyCode, obs.Value.String())
	if prev == nil {
		return line
	}
	return fmt.Sprintf("%s (%s)", line, FormatDiff(obs, *prev))
}

// FormatDiff renders the signed change from prev to obs; zero is "+0".
func FormatDiff(obs, prev storage.Observation) string {
	diff := obs.Value.Sub(prev.Value)
	sign := "+"
	if diff.IsNegative() {
		sign = "-"
	}
	return sign + diff.Abs().String()
}

// FormatCurrencies renders one "AUD (code 036) Australian Dollar" line per currency.
func FormatCurrencies(currencies []storage.Currency) string {
	lines := make([]string, 0, len(currencies))
	for _, c := range currencies {
		lines = append(lines, fmt.Sprintf("%s (code %03d) %s", c.CharCode, c.NumCode, c.Name))
	}
	return strings.Join(lines, "\n")
}
