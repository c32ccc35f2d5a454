package extraction

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// zoned layouts carry their own offset; local layouts are read as UTC
var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999Z0700",
		"2006-01-02T15:04Z07:00",
		time.RFC1123Z,
		time.RFC1123,
	}
	localLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"1/2/2006",
		"January 2, 2006",
		"Jan 2, 2006",
		"2 January 2006",
	}
)

// Normalize maps a decoded model reply onto the canonical receipt shape. It
// never fails: unknown enumerations collapse to their defaults and unparseable
// values become nil. Validate decides whether the result is usable.
func Normalize(fields map[string]any, p Profile) Receipt {
	r := Receipt{
		Merchant:   stringValue(fields["merchant"]),
		Category:   normalizeCategory(fields["category"]),
		Amount:     ParseAmount(fields["amount"]),
		Currency:   strings.ToUpper(stringValue(fields["currency"])),
		Notes:      stringValue(fields["notes"]),
		Confidence: normalizeConfidence(fields["confidence"]),
		Datetime:   normalizeDatetime(dateField(fields, p), p.GuessTime),
		Items:      []LineItem{},
	}

	if !p.LineItems {
		// email replies put a free-text summary under "items"
		if summary, ok := fields["items"].(string); ok && r.Notes == "" {
			r.Notes = strings.TrimSpace(summary)
		}
		return r
	}

	r.Tax = ParseAmount(fields["tax"])
	r.Tip = ParseAmount(fields["tip"])
	if raw, ok := fields["items"].([]any); ok {
		for _, entry := range raw {
			if item, ok := normalizeItem(entry); ok {
				r.Items = append(r.Items, item)
			}
		}
	}
	return r
}

func dateField(fields map[string]any, p Profile) any {
	if v, ok := fields[p.DateField]; ok && v != nil {
		return v
	}
	for _, key := range []string{"datetime", "date"} {
		if v, ok := fields[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func normalizeCategory(v any) Category {
	c := Category(strings.ToLower(stringValue(v)))
	if !c.Valid() {
		return CategoryOther
	}
	return c
}

func normalizeConfidence(v any) Confidence {
	c := Confidence(strings.ToLower(stringValue(v)))
	if !c.Valid() {
		return ConfidenceMedium
	}
	return c
}

// normalizeDatetime parses a model-supplied timestamp into UTC. Date-only values
// land on midnight, or noon when guessTime is set so a timezone shift cannot move
// the purchase to another day.
func normalizeDatetime(v any, guessTime bool) *time.Time {
	s := stringValue(v)
	if s == "" {
		return nil
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return &t
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			if guessTime {
				t = t.Add(12 * time.Hour)
			}
			return &t
		}
	}
	return nil
}

func normalizeItem(v any) (LineItem, bool) {
	raw, ok := v.(map[string]any)
	if !ok {
		return LineItem{}, false
	}

	item := LineItem{
		Quantity: quantityValue(raw["quantity"]),
		Price:    StringifyAmount(raw["price"]),
		Total:    StringifyAmount(raw["total"]),
	}
	if desc := stringValue(raw["description"]); desc != "" {
		item.Description = &desc
	}

	if item.Description == nil && item.Quantity == nil && item.Price == nil && item.Total == nil {
		return LineItem{}, false
	}
	return item, true
}

func quantityValue(v any) *float64 {
	var (
		f   float64
		err error
	)
	switch q := v.(type) {
	case float64:
		f = q
	case int:
		f = float64(q)
	case json.Number:
		f, err = q.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(q), 64)
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// stringValue renders scalars as trimmed strings; anything else is ""
func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}
