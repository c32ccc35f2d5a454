package extraction

import (
	"fmt"
	"strings"
)

// maxEmailContent bounds how much of an email body is sent to the model
const maxEmailContent = 3000

// Metadata describes the email a receipt was found in
type Metadata struct {
	Subject string
	From    string
	Date    string
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func categoryChoices(sep string) string {
	names := make([]string, 0, len(Categories))
	for _, c := range Categories {
		names = append(names, string(c))
	}
	return strings.Join(names, sep)
}

// EmailPrompt builds the text prompt for a receipt found in an email body
func EmailPrompt(content string, md Metadata) string {
	if runes := []rune(content); len(runes) > maxEmailContent {
		content = string(runes[:maxEmailContent])
	}

	return fmt.Sprintf(`You are a JSON-only API that extracts receipt data from emails.

IMPORTANT: Return ONLY valid JSON. No markdown, no code blocks, no explanations, no extra text.

Email Subject: %s
Email From: %s
Email Date: %s

Email Content:
%s

Return this exact JSON structure (replace values, keep structure):
{
  "date": "YYYY-MM-DD",
  "merchant": "merchant name",
  "category": "%s",
  "amount": "123.45",
  "currency": "USD",
  "items": "brief description or null",
  "confidence": "high|medium|low"
}

CRITICAL Rules:
- date: Purchase date in YYYY-MM-DD format (use email date if not found)
- merchant: Company/store name from the receipt
- category: MUST be one of the listed options
- amount: MUST be the TOTAL AMOUNT PAID as a number (e.g., "711.75"). Look for terms like "Total", "Amount paid", "Total due", "Charged", or the largest amount.
- currency: 3-letter ISO code matching the currency symbol ($ = USD, € = EUR, £ = GBP, ¥ = JPY)
- items: Short description of what was purchased
- confidence: high if amount and merchant are clear, medium if some unclear, low if guessing

IMPORTANT: The amount field MUST contain a valid positive number. If no amount found, use confidence "low" but still extract a reasonable estimate.

Return ONLY the JSON object, nothing else.`,
		orNA(md.Subject), orNA(md.From), orNA(md.Date), content, categoryChoices("|"))
}

// VisionPrompt builds the prompt sent alongside a receipt photo
func VisionPrompt() string {
	return fmt.Sprintf(`You are a computer vision system that reads receipts and returns structured JSON.

CRITICAL: Reply with ONLY valid JSON. No markdown, comments, explanations, or text.

Extract the following fields from the receipt image:
{
  "datetime": "ISO 8601 purchase datetime (use local receipt time; if only date present, use \"<date>T12:00:00\")",
  "merchant": "Store or merchant name",
  "category": "one of %s",
  "amount": "numeric total amount paid",
  "currency": "3-letter ISO currency code, infer from symbol",
  "notes": "short human readable summary of the purchase or null",
  "confidence": "one of high | medium | low",
  "items": [
    {
      "description": "item label",
      "quantity": number or null,
      "price": "per-item price as numeric string or null",
      "total": "line total as numeric string or null"
    }
  ],
  "tax": "numeric tax amount or null",
  "tip": "numeric tip amount or null"
}

Rules:
- amount must equal the final total charged on the receipt.
- Infer currency from symbols ($, €, £, etc).
- If uncertain, set confidence to "low" and leave ambiguous numeric fields null.
- Return null for fields that cannot be reliably determined.
- Keep numbers as strings that can be parsed into decimals (e.g., "123.45").
- Ensure JSON is syntactically valid.`, categoryChoices(" | "))
}
