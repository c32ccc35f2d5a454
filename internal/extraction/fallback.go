package extraction

import "regexp"

var (
	salvageDate     = regexp.MustCompile(`"(?:date|datetime)"\s*:\s*"([^"]+)"`)
	salvageMerchant = regexp.MustCompile(`"merchant"\s*:\s*"([^"]+)"`)
	salvageAmount   = regexp.MustCompile(`"amount"\s*:\s*"?\$?([0-9][0-9.,]*)`)
	salvageCategory = regexp.MustCompile(`"category"\s*:\s*"([^"]+)"`)
	salvageCurrency = regexp.MustCompile(`"currency"\s*:\s*"([^"]+)"`)
)

// FallbackExtraction pulls date, merchant and amount out of a reply that is
// almost JSON. All three must match or it returns nil. The result is always
// low confidence.
func FallbackExtraction(raw string, p Profile) *Receipt {
	date := salvageDate.FindStringSubmatch(raw)
	merchant := salvageMerchant.FindStringSubmatch(raw)
	amount := salvageAmount.FindStringSubmatch(raw)
	if date == nil || merchant == nil || amount == nil {
		return nil
	}

	fields := map[string]any{
		p.DateField: date[1],
		"merchant":  merchant[1],
		"amount":    amount[1],
	}
	if m := salvageCategory.FindStringSubmatch(raw); m != nil {
		fields["category"] = m[1]
	}
	if m := salvageCurrency.FindStringSubmatch(raw); m != nil {
		fields["currency"] = m[1]
	}

	r := Normalize(fields, p)
	r.Confidence = ConfidenceLow
	return &r
}
