package extraction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zombor/receiptify/internal/scanning"
)

// ErrEmptyResponse means the model returned no text at all
var ErrEmptyResponse = errors.New("empty response from model")

// ErrProviderUnavailable is returned by providers without credentials; the
// extractor skips them rather than counting a failure.
var ErrProviderUnavailable = scanning.ErrProviderUnavailable

// ErrNoImage is returned when an image extraction is requested without image bytes
var ErrNoImage = errors.New("a valid image is required")

// MalformedJSONError means the cleaned model response could not be decoded as a
// JSON object and salvage did not recover a usable receipt either.
type MalformedJSONError struct {
	Err error
}

func (e *MalformedJSONError) Error() string {
	return fmt.Sprintf("model response was not valid JSON: %v", e.Err)
}

func (e *MalformedJSONError) Unwrap() error {
	return e.Err
}

// MissingFieldError means a decoded receipt lacks a field its profile requires
type MissingFieldError struct {
	Field string
	// Want describes what was expected, e.g. "a merchant name"
	Want string
}

func (e *MissingFieldError) Error() string {
	want := e.Want
	if want == "" {
		want = "a " + e.Field
	}
	return "model did not provide " + want
}

// ProviderFailure records why one provider could not produce a receipt
type ProviderFailure struct {
	Provider string
	Err      error
}

// AllProvidersFailedError is returned when no configured provider produced a
// valid receipt. With no failures recorded, no provider was configured.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Failures) == 0 {
		return "all model providers failed or are not configured"
	}
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return "all model providers failed: " + strings.Join(reasons, "; ")
}

// Unwrap exposes every provider error to errors.Is and errors.As
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsExtractionFailure reports whether err means the model answered but its answer
// was unusable (malformed JSON or a missing field), as opposed to a transport or
// configuration problem.
func IsExtractionFailure(err error) bool {
	var malformed *MalformedJSONError
	var missing *MissingFieldError
	return errors.As(err, &malformed) || errors.As(err, &missing) || errors.Is(err, ErrEmptyResponse)
}
