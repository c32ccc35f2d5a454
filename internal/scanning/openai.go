package scanning

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultOpenRouterModel = "google/gemini-2.0-flash-exp:free"
	openRouterBaseURL      = "https://openrouter.ai/api/v1"
)

// OpenAI implements Provider against any OpenAI-compatible chat completions API.
// It backs both OpenAI itself and OpenRouter.
type OpenAI struct {
	name        string
	apiKey      string
	model       string
	temperature float32
	client      *openai.Client
}

// OpenAIConfig configures an OpenAI-compatible provider
type OpenAIConfig struct {
	Name        string
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	// Headers are added to every request (OpenRouter uses them for attribution)
	Headers map[string]string
	Timeout time.Duration
}

// NewOpenAI creates a provider for api.openai.com
func NewOpenAI(apiKey, model string) *OpenAI {
	if model == "" {
		model = defaultOpenAIModel
	}
	return NewOpenAICompatible(OpenAIConfig{
		Name:        "openai",
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.3,
	})
}

// NewOpenRouter creates a provider for openrouter.ai. referer is sent as
// HTTP-Referer so requests are attributed to this deployment.
func NewOpenRouter(apiKey, model, referer string) *OpenAI {
	if model == "" {
		model = defaultOpenRouterModel
	}
	if referer == "" {
		referer = "http://localhost"
	}
	return NewOpenAICompatible(OpenAIConfig{
		Name:    "openrouter",
		APIKey:  apiKey,
		Model:   model,
		BaseURL: openRouterBaseURL,
		Headers: map[string]string{
			"HTTP-Referer": referer,
			"X-Title":      "Receiptify",
		},
	})
}

// NewOpenAICompatible creates a provider from an explicit config
func NewOpenAICompatible(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: headerTransport{headers: cfg.Headers, next: http.DefaultTransport},
	}

	return &OpenAI{
		name:        cfg.Name,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      openai.NewClientWithConfig(clientCfg),
	}
}

// headerTransport adds fixed headers to outgoing requests
type headerTransport struct {
	headers map[string]string
	next    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}

// Name returns the provider name
func (o *OpenAI) Name() string {
	return o.name
}

// Configured reports whether an API key is set
func (o *OpenAI) Configured() bool {
	return o.apiKey != ""
}

// Complete sends a single user message and returns the first choice
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if !o.Configured() {
		return "", ErrProviderUnavailable
	}

	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if req.HasImage() {
		img, err := prepareImage(req.Image, req.MimeType)
		if err != nil {
			return "", err
		}
		msg.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
			{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img.dataURL(), Detail: openai.ImageURLDetailAuto},
			},
		}
	} else {
		msg.Content = req.Prompt
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    []openai.ChatCompletionMessage{msg},
		Temperature: o.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%s API error: %w", o.name, err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
