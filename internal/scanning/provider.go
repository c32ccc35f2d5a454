package scanning

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned by a provider that has no credentials or
// endpoint configured. Callers skip such providers instead of counting a failure.
var ErrProviderUnavailable = errors.New("provider not configured")

// Request is a single prompt sent to a model backend. Image is optional; when set
// the provider sends it alongside the prompt as a vision input.
type Request struct {
	Prompt   string
	Image    []byte
	MimeType string
}

// HasImage reports whether the request carries image bytes
func (r Request) HasImage() bool {
	return len(r.Image) > 0
}

// Provider is a language model backend that turns a prompt into raw text
type Provider interface {
	// Name identifies the provider in logs and stored receipts
	Name() string
	// Configured reports whether the provider has what it needs to be called
	Configured() bool
	// Complete sends the request and returns the model's raw text reply
	Complete(ctx context.Context, req Request) (string, error)
}
