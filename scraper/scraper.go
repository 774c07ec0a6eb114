// Package scraper walks channel listings and resolves individual videos.
package scraper

import (
	"channel-digest/pkg/notifier"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// MaxListing bounds how many entries a flat channel listing returns.
const MaxListing = 50

// Lister returns a channel's flat listing in one round trip.
type Lister interface {
	ListEntries(ctx context.Context, channelURL string) ([]notifier.Entry, error)
}

// Fetcher resolves one video, including its publication instant.
type Fetcher interface {
	FetchVideo(ctx context.Context, videoURL string) (*notifier.Video, error)
}

// ExtractError reports a failed listing or video extraction.
type ExtractError struct {
	Err    error
	URL    string
	Detail string
}

func (e *ExtractError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("extract %s: %v: %s", e.URL, e.Err, e.Detail)
	}
	return fmt.Sprintf("extract %s: %v", e.URL, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// IsExtractError checks if an error is an extraction error.
func IsExtractError(err error) bool {
	var extractErr *ExtractError
	return errors.As(err, &extractErr)
}

// Scraper traverses channels newest first.
type Scraper struct {
	lister   Lister
	fetcher  Fetcher
	logger   *slog.Logger
	location *time.Location
}

// New creates a new scraper. loc is the timezone in which publication
// dates are compared against an early-stop date.
func New(lister Lister, fetcher Fetcher, loc *time.Location, logger *slog.Logger) *Scraper {
	return &Scraper{
		lister:   lister,
		fetcher:  fetcher,
		logger:   logger,
		location: loc,
	}
}

// Video resolves a single video URL.
func (s *Scraper) Video(ctx context.Context, videoURL string) (*notifier.Video, error) {
	return s.fetcher.FetchVideo(ctx, videoURL)
}

// Traverse returns up to limit videos from a channel, newest first.
// With a stopDate, traversal ends at the first video whose publication
// date falls strictly before it; that video is not returned. Videos whose
// publication instant is unknown never end the traversal.
func (s *Scraper) Traverse(ctx context.Context, channelURL string, limit int, stopDate *notifier.Date) ([]*notifier.Video, error) {
	s.logger.Info("Starting channel traversal", "url", channelURL, "limit", limit, "stop_date", stopDate)

	entries, err := s.lister.ListEntries(ctx, channelURL)
	if err != nil {
		return nil, fmt.Errorf("list channel: %w", err)
	}
	s.logger.Info("Channel listing fetched", "url", channelURL, "entries", len(entries))

	// Upload dates are YYYYMMDD, so string order is date order.
	slices.SortStableFunc(entries, func(a, b notifier.Entry) int {
		switch {
		case a.UploadDate > b.UploadDate:
			return -1
		case a.UploadDate < b.UploadDate:
			return 1
		}
		return 0
	})

	var videos []*notifier.Video
	fetched := 0
	stopped := false
	for _, entry := range entries {
		if len(videos) >= limit {
			s.logger.Info("Reached video limit, stopping", "limit", limit)
			break
		}
		if entry.ID == "" {
			s.logger.Debug("Skipping listing entry without id", "title", entry.Title)
			continue
		}

		videoURL := WatchURL(entry.ID)
		v, err := s.fetcher.FetchVideo(ctx, videoURL)
		fetched++
		if err != nil {
			return nil, fmt.Errorf("fetch video %s: %w", entry.ID, err)
		}

		if stopDate != nil && v.PublishedKnown {
			if published := notifier.DateOf(v.Published, s.location); published.Before(*stopDate) {
				s.logger.Info("Early stop on older video",
					"title", v.Title,
					"published", published.String(),
					"stop_date", stopDate.String())
				stopped = true
				break
			}
		}
		videos = append(videos, v)
	}

	if stopDate != nil {
		s.logger.Info("Channel traversal completed",
			"url", channelURL,
			"fetched", fetched,
			"returned", len(videos),
			"early_stop", stopped,
			"fetches_saved", len(entries)-fetched)
	} else {
		s.logger.Info("Channel traversal completed", "url", channelURL, "fetched", fetched, "returned", len(videos))
	}
	return videos, nil
}

// WatchURL builds the canonical watch URL for a video id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}
