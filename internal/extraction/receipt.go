package extraction

import (
	"encoding/json"
	"time"
)

// isoMillis is the ISO 8601 layout used for datetimes in JSON output
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Category is one of the canonical spending categories
type Category string

const (
	CategoryGroceries      Category = "groceries"
	CategoryDining         Category = "dining"
	CategoryShopping       Category = "shopping"
	CategoryTransportation Category = "transportation"
	CategoryUtilities      Category = "utilities"
	CategoryEntertainment  Category = "entertainment"
	CategoryHealth         Category = "health"
	CategoryTravel         Category = "travel"
	CategoryOther          Category = "other"
)

// Categories lists every canonical category in display order
var Categories = []Category{
	CategoryGroceries,
	CategoryDining,
	CategoryShopping,
	CategoryTransportation,
	CategoryUtilities,
	CategoryEntertainment,
	CategoryHealth,
	CategoryTravel,
	CategoryOther,
}

// Valid reports whether c is a canonical category
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Confidence is the model's self-reported reliability for an extraction
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is a canonical confidence level
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// Receipt is the canonical record produced by the extraction pipeline.
// Empty strings and nil pointers mean the model did not supply the field.
type Receipt struct {
	Datetime   *time.Time `json:"datetime"`
	Merchant   string     `json:"merchant"`
	Category   Category   `json:"category"`
	Amount     *float64   `json:"amount"`
	Currency   string     `json:"currency"`
	Notes      string     `json:"notes,omitempty"`
	Confidence Confidence `json:"confidence"`
	Items      []LineItem `json:"items"`
	Tax        *float64   `json:"tax"`
	Tip        *float64   `json:"tip"`
}

// MarshalJSON renders the datetime in UTC with millisecond precision
func (r Receipt) MarshalJSON() ([]byte, error) {
	type plain Receipt
	out := struct {
		plain
		Datetime *string `json:"datetime"`
	}{plain: plain(r)}
	if r.Datetime != nil {
		s := r.Datetime.UTC().Format(isoMillis)
		out.Datetime = &s
	}
	return json.Marshal(out)
}

// LineItem is one purchased line on a receipt. Price and Total are two-decimal
// strings so they survive JSON round trips without float noise.
type LineItem struct {
	Description *string  `json:"description"`
	Quantity    *float64 `json:"quantity"`
	Price       *string  `json:"price"`
	Total       *string  `json:"total"`
}

// Fields renders the receipt back into the loosely typed form the normalizer
// reads, so a normalized receipt can be normalized again.
func (r Receipt) Fields() map[string]any {
	fields := map[string]any{
		"category":   string(r.Category),
		"confidence": string(r.Confidence),
	}
	if r.Datetime != nil {
		fields["datetime"] = r.Datetime.UTC().Format(time.RFC3339Nano)
	}
	if r.Merchant != "" {
		fields["merchant"] = r.Merchant
	}
	if r.Amount != nil {
		fields["amount"] = *r.Amount
	}
	if r.Currency != "" {
		fields["currency"] = r.Currency
	}
	if r.Notes != "" {
		fields["notes"] = r.Notes
	}
	if r.Tax != nil {
		fields["tax"] = *r.Tax
	}
	if r.Tip != nil {
		fields["tip"] = *r.Tip
	}

	items := make([]any, 0, len(r.Items))
	for _, item := range r.Items {
		entry := map[string]any{}
		if item.Description != nil {
			entry["description"] = *item.Description
		}
		if item.Quantity != nil {
			entry["quantity"] = *item.Quantity
		}
		if item.Price != nil {
			entry["price"] = *item.Price
		}
		if item.Total != nil {
			entry["total"] = *item.Total
		}
		items = append(items, entry)
	}
	fields["items"] = items

	return fields
}
