// Package summarizer produces markdown summaries of videos with a
// language model. The set of backends is closed: a local Ollama server
// or an OpenAI-compatible hosted API.
package summarizer

import (
	"bytes"
	"channel-digest/config"
	"channel-digest/pkg/notifier"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Backend selects a language-model service.
type Backend string

// Supported backends.
const (
	Ollama Backend = "ollama"
	OpenAI Backend = "openai"
)

// ParseBackend validates a backend selector.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case Ollama, OpenAI:
		return b, nil
	default:
		return "", fmt.Errorf("unsupported LLM_SERVICE %q (want ollama or openai)", s)
	}
}

// Request carries the video metadata a summary is built from.
type Request struct {
	Title       string
	Uploader    string
	Duration    string
	Description string
	Transcript  string
}

// RequestFor builds a Request from a resolved video.
func RequestFor(v *notifier.Video) Request {
	return Request{
		Title:       v.Title,
		Uploader:    v.Uploader,
		Duration:    v.Duration(),
		Description: v.Description,
		Transcript:  v.Transcript,
	}
}

// Info describes the configured backend.
type Info struct {
	Backend   Backend `json:"service"`
	Model     string  `json:"model"`
	Host      string  `json:"host,omitempty"`
	HasAPIKey bool    `json:"has_api_key,omitempty"`
}

// Summarizer is the language-model capability.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
	CheckConnection(ctx context.Context) error
	Info() Info
}

// ServiceError reports a failed call to a backend.
type ServiceError struct {
	Err     error
	Backend Backend
	Message string
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Backend, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// New constructs the backend named by cfg.LLMService. Unknown backends
// and missing credentials are rejected here rather than at first use.
func New(cfg *config.Config, client *http.Client, logger *slog.Logger) (Summarizer, error) {
	backend, err := ParseBackend(cfg.LLMService)
	if err != nil {
		return nil, err
	}
	switch backend {
	case OpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("LLM_SERVICE=openai requires OPENAI_API_KEY")
		}
		return NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, client, logger), nil
	default:
		return NewOllama(cfg.OllamaHost, cfg.OllamaModel, client, logger), nil
	}
}

// VideoSummarizer adapts a Summarizer to work on videos directly.
type VideoSummarizer struct {
	Summarizer
}

// SummarizeVideo summarizes one video.
func (v VideoSummarizer) SummarizeVideo(ctx context.Context, video *notifier.Video) (string, error) {
	return v.Summarize(ctx, RequestFor(video))
}

// statusError is a non-2xx response from a backend.
type statusError struct {
	body   string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

// httpBackend holds the plumbing shared by both backends.
type httpBackend struct {
	client  *http.Client
	logger  *slog.Logger
	backend Backend
	header  http.Header
}

// do sends one request with retry. A nil payload sends GET. 4xx
// responses are not retried.
func (h *httpBackend) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return &ServiceError{Backend: h.backend, Message: "marshal request", Err: err}
		}
	}

	var lastErr error
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
			if err != nil {
				lastErr = fmt.Errorf("create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			for k, vs := range h.header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			startTime := time.Now()
			resp, err := h.client.Do(req)
			if err != nil {
				lastErr = err
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					h.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			h.logger.Debug("LLM request completed",
				"backend", h.backend,
				"url", endpoint,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(startTime).Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
				lastErr = &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					return retry.Unrecoverable(lastErr)
				}
				return lastErr
			}

			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				lastErr = fmt.Errorf("decode response: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Info("Retrying LLM request after error", "backend", h.backend, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return &ServiceError{Backend: h.backend, Message: "request " + endpoint, Err: lastErr}
	}
	return nil
}
