package summarizer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type openaiChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// OpenAIClient talks to the OpenAI chat completions API or any server
// implementing the same wire format.
type OpenAIClient struct {
	http    httpBackend
	baseURL string
	model   string
}

// NewOpenAI creates an OpenAI backend. baseURL includes the /v1 prefix.
func NewOpenAI(baseURL, apiKey, model string, client *http.Client, logger *slog.Logger) *OpenAIClient {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	return &OpenAIClient{
		http:    httpBackend{client: client, logger: logger, backend: OpenAI, header: header},
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

// Summarize sends the prompt to /chat/completions and returns the first choice.
func (c *OpenAIClient) Summarize(ctx context.Context, req Request) (string, error) {
	body := openaiChatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: Prompt(req)}},
	}

	var resp openaiChatResponse
	if err := c.http.do(ctx, http.MethodPost, c.baseURL+"/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &ServiceError{Backend: OpenAI, Message: "empty response", Err: errors.New("no choices returned")}
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", &ServiceError{Backend: OpenAI, Message: "empty response", Err: errors.New("no message content")}
	}
	return content, nil
}

// CheckConnection lists the available models.
func (c *OpenAIClient) CheckConnection(ctx context.Context) error {
	return c.http.do(ctx, http.MethodGet, c.baseURL+"/models", nil, nil)
}

// Info describes the backend.
func (c *OpenAIClient) Info() Info {
	return Info{Backend: OpenAI, Model: c.model, HasAPIKey: c.http.header.Get("Authorization") != "Bearer "}
}
