package summarizer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

const ollamaContextWindow = 131072

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Options  map[string]any `json:"options,omitempty"`
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// OllamaClient talks to a local or remote Ollama server.
type OllamaClient struct {
	http    httpBackend
	baseURL string
	model   string
}

// NewOllama creates an Ollama backend.
func NewOllama(baseURL, model string, client *http.Client, logger *slog.Logger) *OllamaClient {
	return &OllamaClient{
		http:    httpBackend{client: client, logger: logger, backend: Ollama},
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

// Summarize sends the prompt to /api/chat and returns the reply.
func (c *OllamaClient) Summarize(ctx context.Context, req Request) (string, error) {
	body := ollamaChatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: Prompt(req)}},
		Options:  map[string]any{"num_ctx": ollamaContextWindow},
	}

	var resp ollamaChatResponse
	if err := c.http.do(ctx, http.MethodPost, c.baseURL+"/api/chat", body, &resp); err != nil {
		return "", err
	}

	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return "", &ServiceError{Backend: Ollama, Message: "empty response", Err: errors.New("no message content")}
	}
	return content, nil
}

// CheckConnection lists the installed models.
func (c *OllamaClient) CheckConnection(ctx context.Context) error {
	return c.http.do(ctx, http.MethodGet, c.baseURL+"/api/tags", nil, nil)
}

// Info describes the backend.
func (c *OllamaClient) Info() Info {
	return Info{Backend: Ollama, Model: c.model, Host: c.baseURL}
}
