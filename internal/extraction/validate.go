package extraction

// Profile selects which fields the normalizer reads and which the validator
// requires. Email text and receipt photos are extracted with different prompts
// and hold the model to different standards.
type Profile struct {
	Name string
	// DateField is the key the prompt asks the model to fill with the purchase date
	DateField string
	// LineItems enables items, tax and tip
	LineItems bool
	// GuessTime places date-only values at noon instead of midnight
	GuessTime bool

	RequireCurrency       bool
	RequirePositiveAmount bool
}

var (
	// EmailProfile is used for receipts found in email bodies. Currency is
	// optional and defaulted when the receipt is stored.
	EmailProfile = Profile{
		Name:                  "email",
		DateField:             "date",
		RequirePositiveAmount: true,
	}

	// VisionProfile is used for photographed receipts
	VisionProfile = Profile{
		Name:            "vision",
		DateField:       "datetime",
		LineItems:       true,
		GuessTime:       true,
		RequireCurrency: true,
	}
)

// Validate enforces the minimum a receipt needs before it may be stored. Fields
// are checked in order: merchant, amount, then currency when the profile
// requires it.
func Validate(r Receipt, p Profile) error {
	if r.Merchant == "" {
		return &MissingFieldError{Field: "merchant", Want: "a merchant name"}
	}
	if r.Amount == nil {
		return &MissingFieldError{Field: "amount", Want: "a total amount"}
	}
	if p.RequirePositiveAmount && *r.Amount <= 0 {
		return &MissingFieldError{Field: "amount", Want: "a positive total amount"}
	}
	if p.RequireCurrency && r.Currency == "" {
		return &MissingFieldError{Field: "currency", Want: "a currency"}
	}
	return nil
}
