package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pulseworks/pulse/internal/adapter"
)

// Generator produces an assistant reply from a system prompt and a user
// question. All model specifics live behind this interface; the gateway
// never depends on a particular LLM.
type Generator interface {
	Generate(ctx context.Context, system, question string) (string, error)
}

// OllamaGenerator generates replies using a local Ollama server. This is the
// recommended provider for production: client data stays on-premises and
// never leaves the customer's network.
type OllamaGenerator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaGenerator creates a generator that calls Ollama's generate API.
// Model should be a chat model like "llama3.1" or "mistral".
func NewOllamaGenerator(baseURL, model string, timeout time.Duration) *OllamaGenerator {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaGenerator{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

// Generate asks the model for a completion. Server and network failures map
// to adapter.ErrUpstream so callers return a uniform upstream error.
func (g *OllamaGenerator) Generate(ctx context.Context, system, question string) (string, error) {
	reqBody, err := json.Marshal(ollamaGenerateRequest{
		Model:  g.model,
		System: system,
		Prompt: question,
		Stream: false,
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: ollama: %v", adapter.ErrUpstream, err)
		}
		return "", fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: ollama: status %d: %s", adapter.ErrUpstream, resp.StatusCode, string(body))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama: decode response: %w", err)
	}
	if result.Response == "" {
		return "", fmt.Errorf("%w: ollama: empty response", adapter.ErrUpstream)
	}
	return result.Response, nil
}
