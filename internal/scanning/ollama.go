package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama implements Provider using a local Ollama server. It is only configured
// when a base URL is given, so a deployment without Ollama never tries it.
//
// Vision-capable models that work for receipts include llava:1.6, qwen2-vl:7b and
// bakllava. Text-only prompts work with any chat model.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama provider
func NewOllama(baseURL string, modelName string) *Ollama {
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   modelName,
		client: &http.Client{
			// Ollama can be slow, especially for vision models
			Timeout: 120 * time.Second,
		},
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Name returns the provider name
func (o *Ollama) Name() string {
	return "ollama"
}

// Configured reports whether a base URL is set
func (o *Ollama) Configured() bool {
	return o.baseURL != ""
}

// Complete calls Ollama's chat API without streaming
func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	if !o.Configured() {
		return "", ErrProviderUnavailable
	}

	user := ollamaMessage{Role: "user", Content: req.Prompt}
	if req.HasImage() {
		img, err := prepareImage(req.Image, req.MimeType)
		if err != nil {
			return "", err
		}
		user.Images = []string{base64.StdEncoding.EncodeToString(img.Data)}
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading receipts and returning structured JSON about them.",
			},
			user,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return chatResp.Message.Content, nil
}
