// Package poll handles subscription checking and digest assembly.
package poll

import (
	"channel-digest/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const maxVideosPerChannel = 20 // Safety limit: max videos fetched per subscription per cycle

// Traverser lists a channel's recent videos, newest first.
type Traverser interface {
	Traverse(ctx context.Context, channelURL string, limit int, stopDate *notifier.Date) ([]*notifier.Video, error)
}

// Store interface for subscription persistence.
type Store interface {
	ListActive(ctx context.Context) ([]*notifier.Subscription, error)
	UpdateWatermark(ctx context.Context, id string, checkedAt time.Time) error
}

// Emailer interface for sending digests.
type Emailer interface {
	SendDigest(ctx context.Context, digest *notifier.Digest) error
}

// Monitor runs check cycles over all subscriptions.
type Monitor struct {
	traverser Traverser
	store     Store
	emailer   Emailer
	allocator *Allocator
	logger    *slog.Logger
	location  *time.Location
	now       func() time.Time
	mu        sync.Mutex // Serializes whole cycles
}

// New creates a new poll monitor. loc is the timezone used for the
// calendar-date early stop.
func New(traverser Traverser, store Store, emailer Emailer, summarizer Summarizer, loc *time.Location, logger *slog.Logger) *Monitor {
	return &Monitor{
		traverser: traverser,
		store:     store,
		emailer:   emailer,
		allocator: NewAllocator(summarizer, logger),
		logger:    logger,
		location:  loc,
		now:       time.Now,
	}
}

// Stats describes one completed cycle.
type Stats struct {
	Subscriptions int `json:"subscriptions"`
	Recipients    int `json:"recipients"`
	Failed        int `json:"failed"`
	NewVideos     int `json:"new_videos"`
	DigestsSent   int `json:"digests_sent"`
}

// checkResult is the outcome of discovering new videos for one subscription.
type checkResult struct {
	err    error
	videos []*notifier.Video
}

type recipientBatch struct {
	email string
	subs  []*notifier.Subscription
}

// CheckAll checks every active subscription and mails one digest per
// recipient that has new videos. It only fails if the subscription list
// cannot be read; everything after that is logged and contained.
func (m *Monitor) CheckAll(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, err := m.store.ListActive(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list subscriptions: %w", err)
	}

	start := m.now()
	batches := groupByRecipient(subs)
	stats := Stats{Subscriptions: len(subs), Recipients: len(batches)}
	m.logger.Info("Checking subscriptions",
		"count", len(subs),
		"recipients", len(batches),
		"timestamp", start.UTC().Format(time.RFC3339))

	// Cancellation is only observed between subscriptions; a started
	// subscription, its watermark write and the recipient's digest finish.
	work := context.WithoutCancel(ctx)
	cancelled := false

	for _, batch := range batches {
		digest := &notifier.Digest{Recipient: batch.email}

		for _, sub := range batch.subs {
			if ctx.Err() != nil {
				m.logger.Info("Context cancelled, stopping check cycle", "error", ctx.Err())
				cancelled = true
				break
			}

			res := m.checkSubscription(work, sub)

			// Watermark always advances, even when discovery failed.
			if err := m.store.UpdateWatermark(work, sub.ID, m.now().UTC()); err != nil {
				m.logger.Error("Failed to update watermark", "id", sub.ID, "email", sub.UserEmail, "error", err)
			}

			if res.err != nil {
				stats.Failed++
				m.logger.Warn("Subscription check failed",
					"id", sub.ID,
					"email", sub.UserEmail,
					"channel", sub.ChannelURL,
					"error", res.err)
				continue
			}
			if len(res.videos) == 0 {
				continue
			}

			stats.NewVideos += len(res.videos)
			digest.Groups = append(digest.Groups, &notifier.ChannelGroup{
				ChannelName: sub.ChannelName,
				ChannelURL:  sub.ChannelURL,
				Videos:      res.videos,
			})
		}

		m.sendDigest(work, digest, &stats)
		if cancelled {
			break
		}
	}

	m.logger.Info("Subscription check completed",
		"subscriptions", stats.Subscriptions,
		"failed", stats.Failed,
		"new_videos", stats.NewVideos,
		"digests_sent", stats.DigestsSent,
		"duration", m.now().Sub(start).String())

	return stats, nil
}

// sendDigest mails digest if it gathered any videos.
func (m *Monitor) sendDigest(ctx context.Context, digest *notifier.Digest, stats *Stats) {
	if len(digest.Groups) == 0 {
		m.logger.Debug("No new videos for recipient", "email", digest.Recipient)
		return
	}

	m.logger.Info("Sending digest",
		"email", digest.Recipient,
		"channels", len(digest.Groups),
		"videos", digest.VideoCount())
	if err := m.emailer.SendDigest(ctx, digest); err != nil {
		m.logger.Error("Failed to send digest", "email", digest.Recipient, "error", err)
		return
	}
	stats.DigestsSent++
}

func (m *Monitor) checkSubscription(ctx context.Context, sub *notifier.Subscription) checkResult {
	cutoff := CutoffOf(sub, m.now())
	stopDate := CutoffDate(cutoff, m.location)

	m.logger.Info("Starting subscription check",
		"id", sub.ID,
		"email", sub.UserEmail,
		"channel", sub.ChannelURL,
		"cutoff", cutoff.Format(time.RFC3339),
		"stop_date", stopDate.String())

	videos, err := m.traverser.Traverse(ctx, sub.ChannelURL, maxVideosPerChannel, &stopDate)
	if err != nil {
		return checkResult{err: fmt.Errorf("traverse channel: %w", err)}
	}

	fresh := FilterNew(videos, cutoff, m.logger)
	m.logger.Info("Videos fetched for comparison",
		"channel", sub.ChannelURL,
		"fetched", len(videos),
		"new", len(fresh))
	if len(fresh) == 0 {
		return checkResult{}
	}

	m.allocator.Allocate(ctx, fresh)
	return checkResult{videos: fresh}
}

// groupByRecipient partitions subscriptions by email, keeping store order
// within each group and first-seen order across groups.
func groupByRecipient(subs []*notifier.Subscription) []*recipientBatch {
	var batches []*recipientBatch
	index := make(map[string]*recipientBatch)
	for _, sub := range subs {
		b, ok := index[sub.UserEmail]
		if !ok {
			b = &recipientBatch{email: sub.UserEmail}
			index[sub.UserEmail] = b
			batches = append(batches, b)
		}
		b.subs = append(b.subs, sub)
	}
	return batches
}
