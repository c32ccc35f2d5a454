package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/zombor/receiptify/internal/scanning"
)

const defaultProviderTimeout = 60 * time.Second

// Extraction is a validated receipt plus where it came from
type Extraction struct {
	Receipt  Receipt
	Provider string
	// Raw is the unmodified model reply, kept for audit
	Raw string
}

// Extractor tries providers in priority order and returns the first reply that
// survives the parser. Providers are called one at a time.
type Extractor struct {
	providers []scanning.Provider
	parser    Parser
	profile   Profile
	timeout   time.Duration
}

// Option configures an Extractor
type Option func(*Extractor)

// WithTimeout bounds each provider call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		e.timeout = d
	}
}

// WithParser replaces the default JSON-then-regex pipeline
func WithParser(p Parser) Option {
	return func(e *Extractor) {
		e.parser = p
	}
}

func newExtractor(providers []scanning.Provider, profile Profile, opts []Option) *Extractor {
	e := &Extractor{
		providers: providers,
		parser:    NewPipeline(profile),
		profile:   profile,
		timeout:   defaultProviderTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEmailExtractor creates an extractor for email text over the given providers,
// highest priority first
func NewEmailExtractor(providers []scanning.Provider, opts ...Option) *Extractor {
	return newExtractor(providers, EmailProfile, opts)
}

// NewVisionExtractor creates an extractor for receipt photos. Photos go to a
// single vision provider.
func NewVisionExtractor(provider scanning.Provider, opts ...Option) *Extractor {
	return newExtractor([]scanning.Provider{provider}, VisionProfile, opts)
}

// Configured reports whether any provider has credentials
func (e *Extractor) Configured() bool {
	for _, p := range e.providers {
		if p != nil && p.Configured() {
			return true
		}
	}
	return false
}

// Extract reads a receipt out of an email body. When the model gives no date
// the email's own Date header is used.
func (e *Extractor) Extract(ctx context.Context, content string, md Metadata) (*Extraction, error) {
	result, err := e.run(ctx, scanning.Request{Prompt: EmailPrompt(content, md)})
	if err != nil {
		return nil, err
	}

	if result.Receipt.Datetime == nil && md.Date != "" {
		if sent, err := mail.ParseDate(md.Date); err == nil {
			day := sent.UTC().Truncate(24 * time.Hour)
			result.Receipt.Datetime = &day
		}
	}
	return result, nil
}

// ExtractImage reads a receipt out of a photo or scanned document
func (e *Extractor) ExtractImage(ctx context.Context, data []byte, mimeType string) (*Extraction, error) {
	if len(data) == 0 {
		return nil, ErrNoImage
	}
	return e.run(ctx, scanning.Request{
		Prompt:   VisionPrompt(),
		Image:    data,
		MimeType: mimeType,
	})
}

func (e *Extractor) run(ctx context.Context, req scanning.Request) (*Extraction, error) {
	var failures []ProviderFailure

	for _, provider := range e.providers {
		if provider == nil || !provider.Configured() {
			continue
		}
		if err := ctx.Err(); err != nil {
			failures = append(failures, ProviderFailure{Provider: provider.Name(), Err: err})
			break
		}

		slog.Info("Trying model provider", "provider", provider.Name(), "profile", e.profile.Name)
		result, err := e.attempt(ctx, provider, req)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrProviderUnavailable) {
			continue
		}

		slog.Error("Model provider failed", "provider", provider.Name(), "error", err)
		failures = append(failures, ProviderFailure{Provider: provider.Name(), Err: err})
	}

	return nil, &AllProvidersFailedError{Failures: failures}
}

func (e *Extractor) attempt(ctx context.Context, provider scanning.Provider, req scanning.Request) (*Extraction, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	raw, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	r, err := e.parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %s reply: %w", provider.Name(), err)
	}
	return &Extraction{Receipt: *r, Provider: provider.Name(), Raw: raw}, nil
}
