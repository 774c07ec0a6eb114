package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPickTracks(t *testing.T) {
	auto := map[string][]captionTrack{"de": {{Ext: "vtt", URL: "auto-de"}}, "en-GB": {{Ext: "vtt", URL: "auto-gb"}}}
	manual := map[string][]captionTrack{"en": {{Ext: "vtt", URL: "manual-en"}}}

	if got := pickTracks(auto, manual); got[0].URL != "auto-gb" {
		t.Errorf("pickTracks() = %v, want automatic English first", got)
	}
	if got := pickTracks(map[string][]captionTrack{"fr": {{URL: "fr"}}, "de": {{URL: "de"}}}, nil); got[0].URL != "de" {
		t.Errorf("pickTracks() = %v, want first sorted language", got)
	}
	if got := pickTracks(nil, manual); got[0].URL != "manual-en" {
		t.Errorf("pickTracks() = %v, want manual fallback", got)
	}
	if got := pickTracks(nil, nil); got != nil {
		t.Errorf("pickTracks(nil, nil) = %v", got)
	}
}

func TestPickFormat(t *testing.T) {
	tracks := []captionTrack{{Ext: "ttml", URL: "t"}, {Ext: "vtt", URL: "v"}, {Ext: "srv1", URL: "s"}}
	if got, _ := pickFormat(tracks); got.URL != "s" {
		t.Errorf("pickFormat() = %v, want srv1", got)
	}
	if got, ok := pickFormat([]captionTrack{{Ext: "srv3", URL: "x"}}); !ok || got.URL != "x" {
		t.Errorf("pickFormat() = %v, %v, want first available", got, ok)
	}
	if _, ok := pickFormat([]captionTrack{{Ext: "vtt"}}); ok {
		t.Error("pickFormat() should reject tracks without a URL")
	}
}

func TestParseCaptionFormats(t *testing.T) {
	tr := NewTranscripts(http.DefaultClient, discardLogger())

	tests := []struct {
		name    string
		ext     string
		content string
		want    string
	}{
		{
			name:    "json3",
			ext:     "json3",
			content: `{"events":[{"segs":[{"utf8":"one"}]},{"tStartMs":5},{"segs":[{"utf8":"two"},{"utf8":"three"}]}]}`,
			want:    "one two three",
		},
		{
			name:    "vtt",
			ext:     "vtt",
			content: "WEBVTT\n\nNOTE generated\n\n00:00:00.000 --> 00:00:02.000\n<c>Hello</c> <c>there</c>\n\n00:00:02.000 --> 00:00:04.000\nTom &amp; Jerry\n",
			want:    "Hello there Tom & Jerry",
		},
		{
			name:    "ttml",
			ext:     "ttml",
			content: `<?xml version="1.0"?><tt><body><div><p begin="0s">First   line</p><p begin="1s">Second <span>line</span></p></div></body></tt>`,
			want:    "First line Second line",
		},
		{
			name:    "srv1 as xml",
			ext:     "srv1",
			content: `<transcript><text start="0">alpha</text><text start="1">beta</text></transcript>`,
			want:    "alpha beta",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.parse(tt.content, tt.ext)
			if err != nil {
				t.Fatalf("parse() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parse() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFetchTruncatesLongTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"events":[{"segs":[{"utf8":%q}]}]}`, strings.Repeat("a", 4000))
	}))
	defer srv.Close()

	tr := NewTranscripts(srv.Client(), discardLogger())
	got := tr.Fetch(context.Background(), map[string][]captionTrack{"en": {{Ext: "json3", URL: srv.URL}}}, nil)

	if !strings.HasSuffix(got, "... (transcript truncated)") {
		t.Errorf("transcript suffix missing (len %d)", len(got))
	}
	if want := 3000 + len("... (transcript truncated)"); len(got) != want {
		t.Errorf("transcript length = %d, want %d", len(got), want)
	}
}

func TestFetchRateLimitedYieldsEmpty(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewTranscripts(srv.Client(), discardLogger())
	got := tr.Fetch(context.Background(), nil, map[string][]captionTrack{"en": {{Ext: "vtt", URL: srv.URL}}})
	if got != "" {
		t.Errorf("Fetch() = %q, want empty", got)
	}
	if calls != 1 {
		t.Errorf("requests = %d, want 1 (no retry on 429)", calls)
	}
}

func TestFetchWithoutCaptions(t *testing.T) {
	tr := NewTranscripts(http.DefaultClient, discardLogger())
	if got := tr.Fetch(context.Background(), nil, nil); got != "" {
		t.Errorf("Fetch() = %q, want empty", got)
	}
}
