package receipt

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receiptify/internal/extraction"
)

// Status records how a receipt entered the system
type Status string

const (
	StatusProcessed    Status = "processed"
	StatusManualReview Status = "manual_review"
	StatusFailed       Status = "failed"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusProcessed || s == StatusManualReview || s == StatusFailed
}

const defaultCurrency = "USD"

// Receipt is a stored expense owned by one user
type Receipt struct {
	ID          string                `json:"id"`
	UserID      string                `json:"userId"`
	Datetime    time.Time             `json:"datetime"`
	Merchant    string                `json:"merchant"`
	Category    string                `json:"category"`
	Amount      int64                 `json:"amount"` // Amount in cents
	Currency    string                `json:"currency"`
	Notes       string                `json:"notes,omitempty"`
	Status      Status                `json:"status"`
	Confidence  string                `json:"confidence,omitempty"`
	Items       []extraction.LineItem `json:"items,omitempty"`
	Tax         *int64                `json:"tax,omitempty"` // cents
	Tip         *int64                `json:"tip,omitempty"` // cents
	EmailID     string                `json:"emailId,omitempty"`
	SourceEmail string                `json:"sourceEmail,omitempty"`
	Subject     string                `json:"subject,omitempty"`
	Provider    string                `json:"provider,omitempty"`
	LLMResponse string                `json:"llmResponse,omitempty"`
	Filename    string                `json:"filename,omitempty"`
	ContentType string                `json:"contentType,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// Filter narrows a receipt listing
type Filter struct {
	Category string
	From     *time.Time
	To       *time.Time
	Limit    int
}

// Matches reports whether r passes every set condition
func (f Filter) Matches(r *Receipt) bool {
	if f.Category != "" && f.Category != "all" && r.Category != f.Category {
		return false
	}
	if f.From != nil && r.Datetime.Before(*f.From) {
		return false
	}
	if f.To != nil && r.Datetime.After(*f.To) {
		return false
	}
	return true
}

// Stats summarizes a user's spending. Money is rendered with two decimals.
type Stats struct {
	Total      string         `json:"total"`
	ThisMonth  string         `json:"thisMonth"`
	Count      int            `json:"count"`
	ByCategory []CategoryStat `json:"byCategory"`
}

// CategoryStat is the spending in one category
type CategoryStat struct {
	Category string `json:"category"`
	Total    string `json:"total"`
	Count    int    `json:"count"`
}

// errAmountRange is returned by toCents for amounts that cannot be stored
var errAmountRange = fmt.Errorf("amount must be a finite value of at most %d", extraction.MaxAmount)

// toCents converts a dollar amount to cents, rounding half away from zero
func toCents(amount float64) (int64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || math.Abs(amount) > extraction.MaxAmount {
		return 0, errAmountRange
	}
	return decimal.NewFromFloat(amount).Shift(2).Round(0).IntPart(), nil
}

func centsPtr(amount *float64) (*int64, error) {
	if amount == nil {
		return nil, nil
	}
	c, err := toCents(*amount)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// formatCents renders cents as a two-decimal amount
func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
