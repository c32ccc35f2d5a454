package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/zombor/receiptify/internal/extraction"
)

// importSchema accepts one receipt object or a non-empty array of them
const importSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "receipt": {
      "type": "object",
      "required": ["merchant", "category", "amount"],
      "properties": {
        "datetime": {
          "anyOf": [
            {"type": "string", "format": "date-time"},
            {"type": "string", "format": "date"}
          ]
        },
        "merchant": {"type": "string", "minLength": 1, "pattern": "\\S"},
        "category": {"type": "string", "minLength": 1, "pattern": "\\S"},
        "amount": {"type": "number", "minimum": 0, "maximum": %d},
        "currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
        "notes": {"type": "string"},
        "sourceEmail": {
          "anyOf": [
            {"type": "null"},
            {"type": "string", "maxLength": 0},
            {"type": "string", "format": "email"}
          ]
        }
      }
    }
  },
  "oneOf": [
    {"$ref": "#/definitions/receipt"},
    {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/receipt"}}
  ]
}`

var receiptImportSchema = compileImportSchema()

func compileImportSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true
	schema := fmt.Sprintf(importSchema, extraction.MaxAmount)
	if err := compiler.AddResource("receipt-import.json", strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("adding import schema: %v", err))
	}
	return compiler.MustCompile("receipt-import.json")
}

// importedReceipt is one element of a bulk insert body
type importedReceipt struct {
	Datetime    string  `json:"datetime"`
	Merchant    string  `json:"merchant"`
	Category    string  `json:"category"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Notes       string  `json:"notes"`
	SourceEmail *string `json:"sourceEmail"`
}

// InsertReceipts stores receipts given as a JSON object or array of objects.
// Nothing is stored unless every element passes the import schema.
func (s *Service) InsertReceipts(userID string, body []byte) ([]*Receipt, error) {
	doc, err := decodeDocument(body)
	if err != nil {
		return nil, &ValidationError{Message: "request body must be JSON", Details: []string{err.Error()}}
	}
	if err := receiptImportSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Message: "receipts do not match the import schema", Details: schemaDetails(ve)}
		}
		return nil, fmt.Errorf("validating receipts: %w", err)
	}

	var items []importedReceipt
	if _, isArray := doc.([]any); isArray {
		err = json.Unmarshal(body, &items)
	} else {
		var item importedReceipt
		err = json.Unmarshal(body, &item)
		items = []importedReceipt{item}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding receipts: %w", err)
	}

	now := s.timeSource.Now()
	receipts := make([]*Receipt, 0, len(items))
	for _, item := range items {
		datetime := now
		if item.Datetime != "" {
			if datetime, err = parseDatetime(item.Datetime); err != nil {
				return nil, &ValidationError{Message: "datetime must be an ISO 8601 date or timestamp"}
			}
		}
		cents, err := toCents(item.Amount)
		if err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
		r := &Receipt{
			ID:        s.idGenerator.Generate(),
			UserID:    userID,
			Datetime:  datetime,
			Merchant:  strings.TrimSpace(item.Merchant),
			Category:  canonicalCategory(item.Category),
			Amount:    cents,
			Currency:  canonicalCurrency(item.Currency),
			Notes:     item.Notes,
			Status:    StatusProcessed,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if item.SourceEmail != nil {
			r.SourceEmail = *item.SourceEmail
		}
		receipts = append(receipts, r)
	}

	for _, r := range receipts {
		if err := s.db.SaveReceipt(r); err != nil {
			return nil, fmt.Errorf("saving receipt to database: %w", err)
		}
	}
	return receipts, nil
}

// decodeDocument decodes a request body into the generic form the schema
// validator walks. Numbers stay json.Number so large values keep their digits.
func decodeDocument(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after the JSON document")
	}
	return doc, nil
}

// schemaDetails flattens a schema failure into "location: message" lines
func schemaDetails(ve *jsonschema.ValidationError) []string {
	var details []string
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		location := e.InstanceLocation
		if location == "" {
			location = "/"
		}
		details = append(details, location+": "+e.Error)
	}
	if len(details) == 0 {
		details = []string{ve.Error()}
	}
	return details
}
