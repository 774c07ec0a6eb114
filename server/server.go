// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"channel-digest/pkg/notifier"
	"channel-digest/poll"
	"channel-digest/summarizer"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Analyzer resolves videos and channel listings.
type Analyzer interface {
	Video(ctx context.Context, videoURL string) (*notifier.Video, error)
	Traverse(ctx context.Context, channelURL string, limit int, stopDate *notifier.Date) ([]*notifier.Video, error)
}

// LLM summarizes videos and reports on its backend.
type LLM interface {
	SummarizeVideo(ctx context.Context, v *notifier.Video) (string, error)
	CheckConnection(ctx context.Context) error
	Info() summarizer.Info
}

// Store interface for subscription management.
type Store interface {
	Add(ctx context.Context, channelURL, channelName, email string) (*notifier.Subscription, error)
	ListActive(ctx context.Context) ([]*notifier.Subscription, error)
	ListActiveByRecipient(ctx context.Context, email string) ([]*notifier.Subscription, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteByRecipientAndChannel(ctx context.Context, email, channelURL string) (bool, error)
	ListUniqueRecipients(ctx context.Context) ([]string, error)
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) (poll.Stats, error)
}

// Server handles HTTP requests.
type Server struct {
	analyzer  Analyzer
	llm       LLM
	store     Store
	poller    Poller
	limiter   *rateLimiter
	logger    *slog.Logger
	location  *time.Location
	stepPause time.Duration // Gap between streamed progress events
}

// Config holds server configuration.
type Config struct {
	Analyzer Analyzer
	LLM      LLM
	Store    Store
	Poller   Poller
	Logger   *slog.Logger
	Location *time.Location
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		analyzer:  cfg.Analyzer,
		llm:       cfg.LLM,
		store:     cfg.Store,
		poller:    cfg.Poller,
		limiter:   newRateLimiter(subscribeRate, subscribeBurst),
		logger:    cfg.Logger,
		location:  loc,
		stepPause: 500 * time.Millisecond,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /llm-service", s.handleLLMService)

	mux.HandleFunc("POST /analyze/video", s.handleAnalyzeVideo)
	mux.HandleFunc("POST /analyze/video/stream", s.handleAnalyzeVideoStream)
	mux.HandleFunc("POST /analyze/channel", s.handleAnalyzeChannel)
	mux.HandleFunc("POST /analyze/channel/stream", s.handleAnalyzeChannelStream)

	mux.HandleFunc("POST /subscriptions", s.handleCreateSubscription)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /subscriptions/emails", s.handleListEmails)
	mux.HandleFunc("GET /subscriptions/email/{email}", s.handleListByEmail)
	mux.HandleFunc("DELETE /subscriptions/{id}", s.handleDeleteSubscription)
	mux.HandleFunc("DELETE /subscriptions/email/{email}/channel", s.handleDeleteByEmailAndChannel)

	mux.HandleFunc("POST /check-subscriptions", s.handleCheck)
	mux.HandleFunc("POST /pollz", s.handleCheck)

	return cors(mux)
}

// ListenAndServe serves the API until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion.
	// No write timeout: analysis and manual checks stream or run long.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "YouTube Video Analyzer API"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type llmServiceResponse struct {
	summarizer.Info
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleLLMService(w http.ResponseWriter, r *http.Request) {
	resp := llmServiceResponse{Info: s.llm.Info(), Status: "connected"}
	if err := s.llm.CheckConnection(r.Context()); err != nil {
		s.logger.Warn("Language model backend unreachable", "service", resp.Backend, "error", err)
		resp.Status = "error"
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type checkResponse struct {
	Message string     `json:"message"`
	Status  string     `json:"status"`
	Stats   poll.Stats `json:"stats"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Manual check triggered", "path", r.URL.Path)

	// The cycle outlives the request; a disconnecting client must not cut it short.
	stats, err := s.poller.CheckAll(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Error("Manual check failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, checkResponse{
		Message: "Background check completed successfully",
		Status:  "completed",
		Stats:   stats,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError writes the {"detail": msg} error body.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}

// cors allows any origin, matching a browser front end served elsewhere.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (Cloud Run)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	// Fallback to RemoteAddr
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
