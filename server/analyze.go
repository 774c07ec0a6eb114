package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"channel-digest/pkg/notifier"
	"channel-digest/poll"
)

const (
	defaultChannelLimit = 5
	maxAnalyzeBody      = 16 << 10
	channelStreamSteps  = 10
)

type videoRequest struct {
	URL string `json:"url"`
}

type channelRequest struct {
	URL   string `json:"url"`
	Limit int    `json:"limit"`
}

// VideoResult is one analyzed video.
type VideoResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Duration      string `json:"duration"`
	PublishedDate string `json:"published_date"`
	Thumbnail     string `json:"thumbnail"`
	Summary       string `json:"summary"`
	HasTranscript bool   `json:"has_transcript"`
}

type progressEvent struct {
	Type     string  `json:"type"`
	Message  string  `json:"message"`
	Step     int     `json:"step"`
	Total    int     `json:"total"`
	Progress float64 `json:"progress"`
}

type resultEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) handleAnalyzeVideo(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if !s.decodeAnalyze(w, r, &req) {
		return
	}

	v, err := s.analyzer.Video(r.Context(), req.URL)
	if err != nil {
		s.logger.Warn("Video analysis failed", "url", req.URL, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.summarize(r.Context(), v))
}

func (s *Server) handleAnalyzeChannel(w http.ResponseWriter, r *http.Request) {
	req := channelRequest{Limit: defaultChannelLimit}
	if !s.decodeAnalyze(w, r, &req) {
		return
	}

	videos, err := s.analyzer.Traverse(r.Context(), req.URL, channelLimit(req.Limit), nil)
	if err != nil {
		s.logger.Warn("Channel analysis failed", "url", req.URL, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]VideoResult, 0, len(videos))
	for _, v := range videos {
		results = append(results, s.summarize(r.Context(), v))
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAnalyzeVideoStream(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if !s.decodeAnalyze(w, r, &req) {
		return
	}
	ctx := r.Context()
	ev := s.startStream(w)

	ev.progress(ctx, "🔍 Extracting video information...", 1, 3)
	v, err := s.analyzer.Video(ctx, req.URL)
	if err != nil {
		s.logger.Warn("Video analysis failed", "url", req.URL, "error", err)
		ev.fail(err)
		return
	}

	ev.progress(ctx, "🤖 Generating AI summary...", 2, 3)
	result := s.summarize(ctx, v)

	ev.progress(ctx, "✅ Analysis complete!", 3, 3)
	ev.result(result)
}

func (s *Server) handleAnalyzeChannelStream(w http.ResponseWriter, r *http.Request) {
	req := channelRequest{Limit: defaultChannelLimit}
	if !s.decodeAnalyze(w, r, &req) {
		return
	}
	ctx := r.Context()
	ev := s.startStream(w)

	ev.progress(ctx, "🔍 Fetching channel information...", 1, channelStreamSteps)
	videos, err := s.analyzer.Traverse(ctx, req.URL, channelLimit(req.Limit), nil)
	if err != nil {
		s.logger.Warn("Channel analysis failed", "url", req.URL, "error", err)
		ev.fail(err)
		return
	}

	ev.progress(ctx, fmt.Sprintf("📹 Found %d videos to analyze", len(videos)), 2, channelStreamSteps)
	if len(videos) == 0 {
		ev.progress(ctx, "❌ No videos found matching the criteria", channelStreamSteps, channelStreamSteps)
		ev.result([]VideoResult{})
		return
	}

	results := make([]VideoResult, 0, len(videos))
	for i, v := range videos {
		step := min(2+i+1, channelStreamSteps-1)
		ev.progress(ctx, fmt.Sprintf("🤖 Analyzing video %d/%d: %s...", i+1, len(videos), truncateTitle(v.Title, 50)), step, channelStreamSteps)
		results = append(results, s.summarize(ctx, v))
	}

	ev.progress(ctx, "✅ Channel analysis complete!", channelStreamSteps, channelStreamSteps)
	ev.result(results)
}

// summarize builds the result for v. A failed summary is reported
// inline rather than failing the request.
func (s *Server) summarize(ctx context.Context, v *notifier.Video) VideoResult {
	summary, err := s.llm.SummarizeVideo(ctx, v)
	if err != nil {
		s.logger.Warn("Summary generation failed", "url", v.URL, "error", err)
		summary = poll.FailedSummary(err, v.Title)
	}
	return VideoResult{
		Title:         v.Title,
		URL:           v.URL,
		Duration:      v.Duration(),
		PublishedDate: v.PublishedDate(s.location),
		Thumbnail:     v.Thumbnail,
		Summary:       summary,
		HasTranscript: v.HasTranscript,
	}
}

func (s *Server) decodeAnalyze(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBody)).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	var target string
	switch req := dst.(type) {
	case *videoRequest:
		target = req.URL
	case *channelRequest:
		target = req.URL
	}
	if !isSafeTarget(target) {
		s.writeError(w, http.StatusBadRequest, "url must be an http(s) URL")
		return false
	}
	return true
}

func channelLimit(n int) int {
	if n <= 0 {
		return defaultChannelLimit
	}
	return n
}

func truncateTitle(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// eventStream writes server-sent events of the form "data: <json>\n\n".
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	server  *Server
}

func (s *Server) startStream(w http.ResponseWriter) *eventStream {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher, server: s}
}

func (e *eventStream) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.server.logger.Error("Failed to encode event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		e.server.logger.Warn("Failed to write event", "error", err)
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

func (e *eventStream) progress(ctx context.Context, msg string, step, total int) {
	e.send(progressEvent{
		Type:     "progress",
		Message:  msg,
		Step:     step,
		Total:    total,
		Progress: math.Round(float64(step)/float64(total)*1000) / 10,
	})
	if e.server.stepPause <= 0 {
		return
	}
	t := time.NewTimer(e.server.stepPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *eventStream) result(data any) {
	e.send(resultEvent{Type: "result", Data: data})
}

func (e *eventStream) fail(err error) {
	e.send(errorEvent{Type: "error", Message: err.Error()})
}

// isSafeTarget accepts absolute http(s) URLs only, so request input is
// never read as an extractor option.
func isSafeTarget(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
