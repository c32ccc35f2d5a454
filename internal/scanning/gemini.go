package scanning

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	defaultGeminiModel       = "gemini-pro"
	defaultGeminiVisionModel = "gemini-2.5-flash"
)

// ContentGenerator is the part of genai.GenerativeModel the Gemini provider uses
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiConnector opens a model handle and returns a func that releases it
type GeminiConnector func(ctx context.Context, apiKey, modelName string) (ContentGenerator, func() error, error)

// connectGenAI is the production connector backed by the genai SDK
func connectGenAI(ctx context.Context, apiKey, modelName string) (ContentGenerator, func() error, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return client.GenerativeModel(modelName), client.Close, nil
}

// Gemini implements Provider using Google Gemini. The SDK client is created on
// first use and kept for the life of the process; Reset drops it so the next call
// reconnects with the current settings.
type Gemini struct {
	apiKey    string
	modelName string
	connect   GeminiConnector

	mu      sync.Mutex
	model   ContentGenerator
	release func() error
}

// NewGemini creates a Gemini provider for text prompts
func NewGemini(apiKey, modelName string) *Gemini {
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	return NewGeminiWithDeps(apiKey, modelName, connectGenAI)
}

// NewGeminiVision creates a Gemini provider for image prompts
func NewGeminiVision(apiKey, modelName string) *Gemini {
	if modelName == "" {
		modelName = defaultGeminiVisionModel
	}
	return NewGeminiWithDeps(apiKey, modelName, connectGenAI)
}

// NewGeminiWithDeps creates a Gemini provider with a custom connector for testing
func NewGeminiWithDeps(apiKey, modelName string, connect GeminiConnector) *Gemini {
	return &Gemini{
		apiKey:    strings.TrimSpace(apiKey),
		modelName: modelName,
		connect:   connect,
	}
}

// Name returns the provider name
func (g *Gemini) Name() string {
	return "gemini"
}

// Model returns the configured model name
func (g *Gemini) Model() string {
	return g.modelName
}

// Configured reports whether an API key is set
func (g *Gemini) Configured() bool {
	return g.apiKey != ""
}

// handle returns the memoized model, connecting on first use
func (g *Gemini) handle(ctx context.Context) (ContentGenerator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.model != nil {
		return g.model, nil
	}
	model, release, err := g.connect(ctx, g.apiKey, g.modelName)
	if err != nil {
		return nil, err
	}
	g.model = model
	g.release = release
	return model, nil
}

// Complete sends the prompt, plus the image when present, to Gemini
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	if !g.Configured() {
		return "", ErrProviderUnavailable
	}

	model, err := g.handle(ctx)
	if err != nil {
		return "", err
	}

	parts := make([]genai.Part, 0, 2)
	if req.HasImage() {
		img, err := prepareImage(req.Image, req.MimeType)
		if err != nil {
			return "", err
		}
		// genai.ImageData wants the format suffix ("png"), not the full MIME type
		parts = append(parts, genai.ImageData(strings.TrimPrefix(img.MimeType, "image/"), img.Data))
	}
	parts = append(parts, genai.Text(req.Prompt))

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

// Reset releases the memoized client so the next call reconnects
func (g *Gemini) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	if g.release != nil {
		err = g.release()
	}
	g.model = nil
	g.release = nil
	return err
}

// Close releases the client
func (g *Gemini) Close() error {
	return g.Reset()
}
