package extraction

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

var errSalvageFailed = errors.New("regex salvage found no date, merchant and amount")

// Parser turns raw model text into a validated receipt
type Parser interface {
	Parse(raw string) (*Receipt, error)
}

// JSONParser is the strict parser: clean, decode, normalize, validate
type JSONParser struct {
	Profile Profile
}

// Parse implements Parser
func (p JSONParser) Parse(raw string) (*Receipt, error) {
	cleaned, err := CleanResponse(raw)
	if err != nil {
		return nil, err
	}

	fields, err := decodeObject(cleaned)
	if err != nil {
		return nil, &MalformedJSONError{Err: err}
	}

	r := Normalize(fields, p.Profile)
	if err := Validate(r, p.Profile); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("expected a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON object")
	}
	return fields, nil
}

// RegexParser salvages near-JSON replies with targeted pattern matches
type RegexParser struct {
	Profile Profile
}

// Parse implements Parser
func (p RegexParser) Parse(raw string) (*Receipt, error) {
	r := FallbackExtraction(raw, p.Profile)
	if r == nil {
		return nil, errSalvageFailed
	}
	if err := Validate(*r, p.Profile); err != nil {
		return nil, err
	}
	return r, nil
}

// Pipeline runs Primary and hands malformed replies to Fallback. Any other
// Primary error is returned as is. When Fallback also fails the caller sees
// the original MalformedJSONError.
type Pipeline struct {
	Primary  Parser
	Fallback Parser
}

// NewPipeline returns the strict JSON parser backed by regex salvage
func NewPipeline(p Profile) Pipeline {
	return Pipeline{
		Primary:  JSONParser{Profile: p},
		Fallback: RegexParser{Profile: p},
	}
}

// Parse implements Parser
func (p Pipeline) Parse(raw string) (*Receipt, error) {
	r, err := p.Primary.Parse(raw)
	if err == nil {
		return r, nil
	}

	var malformed *MalformedJSONError
	if p.Fallback == nil || !errors.As(err, &malformed) {
		return nil, err
	}

	salvaged, salvageErr := p.Fallback.Parse(raw)
	if salvageErr != nil {
		return nil, err
	}
	return salvaged, nil
}
