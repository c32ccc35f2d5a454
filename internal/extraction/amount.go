package extraction

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// amountNoise matches everything that cannot be part of a number
	amountNoise = regexp.MustCompile(`[^0-9.,-]`)
	// leadingNumber mirrors a lenient float parse: the longest numeric prefix wins
	leadingNumber = regexp.MustCompile(`^-?(?:\d+(?:\.\d*)?|\.\d+)`)

	maxAmount = decimal.NewFromInt(MaxAmount)
)

// MaxAmount is the largest amount accepted; in cents it fits in an int64.
// Larger values parse as nil.
const MaxAmount = 10_000_000_000_000

// ParseAmount converts a model-supplied amount into a non-negative value rounded
// to two decimal places. It accepts numbers, json.Number and strings such as
// "$1,234.56" or "1234.50 USD". Empty, non-numeric and non-finite input yields
// nil, as does anything above MaxAmount.
func ParseAmount(value any) *float64 {
	d, ok := amountDecimal(value)
	if !ok {
		return nil
	}
	f, _ := d.Abs().Round(2).Float64()
	return &f
}

// StringifyAmount renders ParseAmount's result with exactly two decimals
func StringifyAmount(value any) *string {
	d, ok := amountDecimal(value)
	if !ok {
		return nil
	}
	s := d.Abs().StringFixed(2)
	return &s
}

func amountDecimal(value any) (decimal.Decimal, bool) {
	d, ok := rawDecimal(value)
	if !ok || d.Abs().Round(2).GreaterThan(maxAmount) {
		return decimal.Decimal{}, false
	}
	return d, true
}

func rawDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case nil:
		return decimal.Decimal{}, false
	case float64:
		return finiteDecimal(v)
	case float32:
		return finiteDecimal(float64(v))
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case int32:
		return decimal.NewFromInt(int64(v)), true
	case json.Number:
		return parseAmountString(v.String())
	case string:
		return parseAmountString(v)
	default:
		return decimal.Decimal{}, false
	}
}

func finiteDecimal(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

func parseAmountString(s string) (decimal.Decimal, bool) {
	cleaned := amountNoise.ReplaceAllString(s, "")
	if cleaned == "" {
		return decimal.Decimal{}, false
	}
	cleaned = normalizeCommas(stripThousandsCommas(cleaned))

	number := leadingNumber.FindString(cleaned)
	if number == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(strings.TrimSuffix(number, "."))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// stripThousandsCommas removes a comma when it is followed by exactly three
// digits and then a non-digit or the end of the string.
func stripThousandsCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ',' && isThousandsGroup(s[i+1:]) {
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isThousandsGroup(rest string) bool {
	if len(rest) < 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return false
		}
	}
	return len(rest) == 3 || rest[3] < '0' || rest[3] > '9'
}

// normalizeCommas drops commas left over after thousands grouping, so "12,50"
// reads as 1250.
func normalizeCommas(s string) string {
	return strings.ReplaceAll(s, ",", "")
}
