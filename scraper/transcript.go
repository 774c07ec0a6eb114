package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/microcosm-cc/bluemonday"
)

const (
	maxTranscriptLen  = 3000
	truncatedSuffix   = "... (transcript truncated)"
	maxCaptionBodyLen = 8 << 20
)

var (
	preferredLanguages = []string{"en", "en-US", "en-GB"}
	preferredFormats   = []string{"json3", "srv1", "vtt", "ttml"}
)

// errRateLimited marks a 429 from the caption host.
var errRateLimited = errors.New("rate limited")

// Transcripts downloads and flattens caption tracks into plain text.
type Transcripts struct {
	client *http.Client
	logger *slog.Logger
	strict *bluemonday.Policy
}

// NewTranscripts creates a transcript fetcher.
func NewTranscripts(client *http.Client, logger *slog.Logger) *Transcripts {
	return &Transcripts{client: client, logger: logger, strict: bluemonday.StrictPolicy()}
}

// Fetch picks the best caption track and returns its text, or "" when no
// usable transcript exists. Failures are logged, never returned.
func (t *Transcripts) Fetch(ctx context.Context, automatic, manual map[string][]captionTrack) string {
	tracks := pickTracks(automatic, manual)
	if len(tracks) == 0 {
		return ""
	}
	track, ok := pickFormat(tracks)
	if !ok {
		return ""
	}

	body, err := t.download(ctx, track.URL)
	if err != nil {
		if errors.Is(err, errRateLimited) {
			t.logger.Warn("Rate limited on caption fetch, skipping transcript")
		} else {
			t.logger.Warn("Caption fetch failed", "ext", track.Ext, "error", err)
		}
		return ""
	}

	text, err := t.parse(body, track.Ext)
	if err != nil {
		t.logger.Warn("Caption parse failed", "ext", track.Ext, "error", err)
		return ""
	}
	return truncateTranscript(text)
}

// pickTracks prefers automatic captions over manual subtitles, English
// variants first, then whichever language sorts first.
func pickTracks(automatic, manual map[string][]captionTrack) []captionTrack {
	for _, source := range []map[string][]captionTrack{automatic, manual} {
		for _, lang := range preferredLanguages {
			if tracks, ok := source[lang]; ok {
				return tracks
			}
		}
	}
	for _, source := range []map[string][]captionTrack{automatic, manual} {
		if len(source) == 0 {
			continue
		}
		langs := make([]string, 0, len(source))
		for lang := range source {
			langs = append(langs, lang)
		}
		slices.Sort(langs)
		return source[langs[0]]
	}
	return nil
}

func pickFormat(tracks []captionTrack) (captionTrack, bool) {
	for _, ext := range preferredFormats {
		for _, tr := range tracks {
			if tr.Ext == ext && tr.URL != "" {
				return tr, true
			}
		}
	}
	if len(tracks) > 0 && tracks[0].URL != "" {
		return tracks[0], true
	}
	return captionTrack{}, false
}

func (t *Transcripts) download(ctx context.Context, captionURL string) (string, error) {
	var body string
	rateLimited := false
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, captionURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			resp, err := t.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode == http.StatusTooManyRequests {
				rateLimited = true
				return retry.Unrecoverable(errRateLimited)
			}
			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("HTTP %d", resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxCaptionBodyLen))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = string(data)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying caption fetch after error", "attempt", n, "error", err)
		}),
	)
	if rateLimited {
		return "", errRateLimited
	}
	if err != nil {
		return "", err
	}
	return body, nil
}

type captionEvents struct {
	Events []struct {
		Segs []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

func (t *Transcripts) parse(content, ext string) (string, error) {
	switch ext {
	case "json3", "srv1":
		var doc captionEvents
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			// srv1 is sometimes served as XML
			return t.markupText(content)
		}
		var parts []string
		for _, ev := range doc.Events {
			for _, seg := range ev.Segs {
				if seg.UTF8 != "" {
					parts = append(parts, seg.UTF8)
				}
			}
		}
		return strings.Join(parts, " "), nil
	case "vtt":
		return t.vttText(content), nil
	default:
		return t.markupText(content)
	}
}

// vttText keeps cue payload lines and drops headers, notes and timings.
func (t *Transcripts) vttText(content string) string {
	var parts []string
	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "-->") || strings.HasPrefix(line, "WEBVTT") || strings.HasPrefix(line, "NOTE") {
			continue
		}
		clean := strings.TrimSpace(html.UnescapeString(t.strict.Sanitize(line)))
		if clean != "" {
			parts = append(parts, clean)
		}
	}
	return strings.Join(parts, " ")
}

// markupText extracts the text nodes of TTML or other XML-ish captions.
func (t *Transcripts) markupText(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse markup: %w", err)
	}
	var parts []string
	doc.Find("p, text").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		parts = append(parts, doc.Text())
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " "), nil
}

func truncateTranscript(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTranscriptLen {
		return text
	}
	return string(runes[:maxTranscriptLen]) + truncatedSuffix
}
