package summarizer

import (
	"channel-digest/config"
	"channel-digest/pkg/notifier"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSelectsBackend(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		want    Backend
		wantErr bool
	}{
		{name: "ollama", cfg: config.Config{LLMService: "ollama", OllamaHost: "http://localhost:11434", OllamaModel: "llama3.2"}, want: Ollama},
		{name: "openai", cfg: config.Config{LLMService: "OpenAI", OpenAIAPIKey: "sk-test", OpenAIModel: "gpt-4o-mini"}, want: OpenAI},
		{name: "openai without key", cfg: config.Config{LLMService: "openai"}, wantErr: true},
		{name: "unknown", cfg: config.Config{LLMService: "gemini"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(&tt.cfg, http.DefaultClient, discardLogger())
			if tt.wantErr {
				if err == nil {
					t.Error("New() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := s.Info().Backend; got != tt.want {
				t.Errorf("Info().Backend = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPromptMentionsTranscriptOnlyWhenPresent(t *testing.T) {
	with := Prompt(Request{Title: "Go tips", Transcript: "today we talk about channels"})
	if !strings.Contains(with, "**Transcript:** today we talk about channels") {
		t.Error("prompt missing transcript section")
	}
	if !strings.Contains(with, "Focus on the transcript content") {
		t.Error("prompt missing transcript focus")
	}

	without := Prompt(Request{Title: "Go tips"})
	if strings.Contains(without, "**Transcript:**") {
		t.Error("prompt should not include an empty transcript")
	}
	for _, want := range []string{"## Summary", "## Key Topics", "## Target Audience", "## Key Takeaways", "under 500 words", "No description available"} {
		if !strings.Contains(without, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestOllamaSummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != "llama3.2" || req.Stream || len(req.Messages) != 1 {
			http.Error(w, "bad request shape", http.StatusBadRequest)
			return
		}
		if n, _ := req.Options["num_ctx"].(float64); n != ollamaContextWindow {
			http.Error(w, "missing num_ctx", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"  ## Summary\nGreat video  "},"done":true}`)
	}))
	defer srv.Close()

	c := NewOllama(srv.URL+"/", "llama3.2", srv.Client(), discardLogger())
	got, err := VideoSummarizer{c}.SummarizeVideo(context.Background(), &notifier.Video{Title: "Go tips", DurationSecs: 90})
	if err != nil {
		t.Fatalf("SummarizeVideo() error = %v", err)
	}
	if got != "## Summary\nGreat video" {
		t.Errorf("summary = %q", got)
	}
}

func TestOllamaCheckConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" && r.Method == http.MethodGet {
			fmt.Fprint(w, `{"models":[]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "llama3.2", srv.Client(), discardLogger())
	if err := c.CheckConnection(context.Background()); err != nil {
		t.Errorf("CheckConnection() error = %v", err)
	}
	if info := c.Info(); info.Host != srv.URL || info.Model != "llama3.2" {
		t.Errorf("Info() = %+v", info)
	}
}

func TestOpenAISummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/chat/completions":
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"## Summary\nConcise"}}]}`)
		case "/v1/models":
			fmt.Fprint(w, `{"data":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL+"/v1", "sk-test", "gpt-4o-mini", srv.Client(), discardLogger())
	got, err := c.Summarize(context.Background(), Request{Title: "x"})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "## Summary\nConcise" {
		t.Errorf("summary = %q", got)
	}
	if err := c.CheckConnection(context.Background()); err != nil {
		t.Errorf("CheckConnection() error = %v", err)
	}
	if !c.Info().HasAPIKey {
		t.Error("Info().HasAPIKey = false")
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid model"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, "sk-test", "nope", srv.Client(), discardLogger())
	_, err := c.Summarize(context.Background(), Request{Title: "x"})

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Summarize() error = %v, want *ServiceError", err)
	}
	if svcErr.Backend != OpenAI {
		t.Errorf("Backend = %q", svcErr.Backend)
	}
	if !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("error = %q, want status in message", err)
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"message":{"content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	c := NewOllama(srv.URL, "llama3.2", srv.Client(), discardLogger())
	got, err := c.Summarize(context.Background(), Request{Title: "x"})
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "ok" || calls.Load() != 2 {
		t.Errorf("summary = %q after %d calls", got, calls.Load())
	}
}

func TestEmptyReplyIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL, "sk-test", "gpt-4o-mini", srv.Client(), discardLogger())
	if _, err := c.Summarize(context.Background(), Request{}); err == nil {
		t.Error("Summarize() expected error for empty choices")
	}
}
