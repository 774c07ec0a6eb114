package scraper

import (
	"bytes"
	"channel-digest/pkg/notifier"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const maxDescriptionLen = 500

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner runs the command with exec, folding stderr into the error.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, &ExtractError{Err: err, URL: args[len(args)-1], Detail: strings.TrimSpace(stderr.String())}
	}
	return out, nil
}

// YTDLP lists channels and resolves videos with the yt-dlp binary.
type YTDLP struct {
	run         Runner
	transcripts *Transcripts
	logger      *slog.Logger
	path        string
}

// NewYTDLP creates an extractor using the binary at path.
func NewYTDLP(path string, transcripts *Transcripts, logger *slog.Logger) *YTDLP {
	return &YTDLP{path: path, run: execRunner, transcripts: transcripts, logger: logger}
}

type captionTrack struct {
	Ext string `json:"ext"`
	URL string `json:"url"`
}

type videoInfo struct {
	AutomaticCaptions map[string][]captionTrack `json:"automatic_captions"`
	Subtitles         map[string][]captionTrack `json:"subtitles"`
	Timestamp         *float64                  `json:"timestamp"`
	ID                string                    `json:"id"`
	Title             string                    `json:"title"`
	WebpageURL        string                    `json:"webpage_url"`
	UploadDate        string                    `json:"upload_date"`
	Thumbnail         string                    `json:"thumbnail"`
	Description       string                    `json:"description"`
	Uploader          string                    `json:"uploader"`
	Duration          float64                   `json:"duration"`
	ViewCount         int64                     `json:"view_count"`
}

type playlistInfo struct {
	Entries []*notifier.Entry `json:"entries"`
}

// ListEntries returns the flat listing of a channel's most recent uploads.
func (y *YTDLP) ListEntries(ctx context.Context, channelURL string) ([]notifier.Entry, error) {
	var playlist playlistInfo
	err := y.dump(ctx, &playlist, "--flat-playlist", "--playlist-end", strconv.Itoa(MaxListing), "--", channelURL)
	if err != nil {
		return nil, err
	}

	entries := make([]notifier.Entry, 0, len(playlist.Entries))
	for _, e := range playlist.Entries {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries, nil
}

// FetchVideo resolves one video. The publication instant is derived once
// here and cached on the result.
func (y *YTDLP) FetchVideo(ctx context.Context, videoURL string) (*notifier.Video, error) {
	var info videoInfo
	if err := y.dump(ctx, &info, "--", videoURL); err != nil {
		return nil, err
	}

	v := videoFromInfo(&info, videoURL)
	if y.transcripts != nil {
		v.Transcript = y.transcripts.Fetch(ctx, info.AutomaticCaptions, info.Subtitles)
		v.HasTranscript = strings.TrimSpace(v.Transcript) != ""
	}

	y.logger.Info("Video resolved",
		"url", v.URL,
		"title", v.Title,
		"published_known", v.PublishedKnown,
		"has_transcript", v.HasTranscript)
	return v, nil
}

func (y *YTDLP) dump(ctx context.Context, target any, args ...string) error {
	args = append([]string{"--dump-single-json", "--no-warnings", "--quiet", "--skip-download"}, args...)
	subject := args[len(args)-1]

	var decodeErr error
	err := retry.Do(
		func() error {
			y.logger.Debug("yt-dlp starting", "url", subject, "args", args)

			startTime := time.Now()
			out, err := y.run(ctx, y.path, args...)
			duration := time.Since(startTime)
			if err != nil {
				if errors.Is(err, exec.ErrNotFound) {
					return retry.Unrecoverable(err)
				}
				y.logger.Warn("yt-dlp failed, will retry", "url", subject, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}

			if err := json.Unmarshal(out, target); err != nil {
				decodeErr = &ExtractError{Err: fmt.Errorf("decode output: %w", err), URL: subject}
				return retry.Unrecoverable(decodeErr)
			}
			y.logger.Debug("yt-dlp completed", "url", subject, "duration_ms", duration.Milliseconds(), "bytes", len(out))
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			y.logger.Info("Retrying extraction after error", "attempt", n, "url", subject, "error", err)
		}),
	)
	if decodeErr != nil {
		return decodeErr
	}
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}

func videoFromInfo(info *videoInfo, requestedURL string) *notifier.Video {
	v := &notifier.Video{
		URL:          info.WebpageURL,
		Title:        info.Title,
		Thumbnail:    info.Thumbnail,
		Uploader:     info.Uploader,
		DurationSecs: int(info.Duration),
		ViewCount:    info.ViewCount,
	}
	if v.URL == "" {
		v.URL = requestedURL
	}
	if v.Title == "" {
		v.Title = "Unknown Title"
	}
	if info.Description != "" {
		v.Description = truncateRunes(info.Description, maxDescriptionLen) + "..."
	}
	v.Published, v.PublishedKnown = publishedInstant(info.Timestamp, info.UploadDate)
	return v
}

// publishedInstant prefers the unix timestamp and falls back to the
// coarse upload date at midnight UTC.
func publishedInstant(timestamp *float64, uploadDate string) (time.Time, bool) {
	if timestamp != nil && *timestamp > 0 {
		return time.Unix(int64(*timestamp), 0).UTC(), true
	}
	if len(uploadDate) == 8 {
		if t, err := time.ParseInLocation("20060102", uploadDate, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
