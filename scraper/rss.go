package scraper

import (
	"channel-digest/pkg/notifier"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/mmcdole/gofeed"
)

const defaultFeedBase = "https://www.youtube.com/feeds/videos.xml"

// RSSLister lists a channel from its public Atom feed. The feed is
// keyed by channel id, so handle URLs are resolved once and cached.
type RSSLister struct {
	client   *http.Client
	parser   *gofeed.Parser
	logger   *slog.Logger
	ids      map[string]string
	feedBase string
	mu       sync.Mutex
}

// NewRSSLister creates a feed-based lister.
func NewRSSLister(client *http.Client, logger *slog.Logger) *RSSLister {
	parser := gofeed.NewParser()
	parser.Client = client
	return &RSSLister{
		client:   client,
		parser:   parser,
		logger:   logger,
		ids:      make(map[string]string),
		feedBase: defaultFeedBase,
	}
}

// ListEntries returns the feed items as listing entries.
func (r *RSSLister) ListEntries(ctx context.Context, channelURL string) ([]notifier.Entry, error) {
	channelID, err := r.channelID(ctx, channelURL)
	if err != nil {
		return nil, &ExtractError{Err: err, URL: channelURL}
	}

	feedURL := r.feedBase + "?channel_id=" + url.QueryEscape(channelID)
	var feed *gofeed.Feed
	err = retry.Do(
		func() error {
			var parseErr error
			feed, parseErr = r.parser.ParseURLWithContext(feedURL, ctx)
			var httpErr gofeed.HTTPError
			if errors.As(parseErr, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
				return retry.Unrecoverable(parseErr)
			}
			return parseErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Info("Retrying feed fetch after error", "attempt", n, "url", feedURL, "error", err)
		}),
	)
	if err != nil {
		return nil, &ExtractError{Err: fmt.Errorf("fetch feed: %w", err), URL: feedURL}
	}

	entries := make([]notifier.Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if len(entries) >= MaxListing {
			break
		}
		e := notifier.Entry{ID: feedVideoID(item), Title: item.Title}
		if item.PublishedParsed != nil {
			e.UploadDate = item.PublishedParsed.UTC().Format("20060102")
		}
		entries = append(entries, e)
	}
	r.logger.Info("Channel feed parsed", "channel_id", channelID, "entries", len(entries))
	return entries, nil
}

func feedVideoID(item *gofeed.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		if ids := yt["videoId"]; len(ids) > 0 && ids[0].Value != "" {
			return ids[0].Value
		}
	}
	if u, err := url.Parse(item.Link); err == nil {
		return u.Query().Get("v")
	}
	return ""
}

func (r *RSSLister) channelID(ctx context.Context, channelURL string) (string, error) {
	if id := channelIDFromURL(channelURL); id != "" {
		return id, nil
	}

	r.mu.Lock()
	id, ok := r.ids[channelURL]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := r.resolveChannelID(ctx, channelURL)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.ids[channelURL] = id
	r.mu.Unlock()
	return id, nil
}

// channelIDFromURL handles /channel/<id> URLs and feed URLs directly.
func channelIDFromURL(channelURL string) string {
	u, err := url.Parse(channelURL)
	if err != nil {
		return ""
	}
	if id := u.Query().Get("channel_id"); id != "" {
		return id
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "channel" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return ""
}

// resolveChannelID reads the channel page and takes the id from its
// canonical link or channel metadata.
func (r *RSSLister) resolveChannelID(ctx context.Context, channelURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channelURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch channel page: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch channel page: HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse channel page: %w", err)
	}

	if id, ok := doc.Find(`meta[itemprop="channelId"], meta[itemprop="identifier"]`).First().Attr("content"); ok && id != "" {
		return id, nil
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if id := channelIDFromURL(href); id != "" {
			return id, nil
		}
	}
	return "", errors.New("channel id not found on page")
}
