// Package money converts between stored cent amounts and decimal currency
// values used by configuration, request bodies and reports.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Parse reads a currency amount such as "85", "85.5" or "1,250.00" into cents.
// Amounts with more than two decimal places are rejected.
func Parse(raw string) (int64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return 0, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if !d.Equal(d.Truncate(2)) {
		return 0, fmt.Errorf("invalid amount %q: more than two decimal places", raw)
	}
	return FromDecimal(d), nil
}

func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func ToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// Format renders cents with exactly two decimals, e.g. -1500 -> "-15.00".
func Format(cents int64) string {
	return ToDecimal(cents).StringFixed(2)
}

func Abs(cents int64) int64 {
	if cents < 0 {
		return -cents
	}
	return cents
}
