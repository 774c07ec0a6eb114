package poll

import (
	"channel-digest/pkg/notifier"
	"log/slog"
	"slices"
	"time"
)

// FilterNew keeps the videos published strictly after cutoff, newest first.
// Videos without a known publication instant are dropped.
func FilterNew(videos []*notifier.Video, cutoff time.Time, logger *slog.Logger) []*notifier.Video {
	var fresh []*notifier.Video
	for _, v := range videos {
		if !v.PublishedKnown {
			logger.Warn("Dropping video with unknown publication time", "url", v.URL, "title", v.Title)
			continue
		}
		if v.Published.After(cutoff) {
			fresh = append(fresh, v)
		}
	}
	slices.SortStableFunc(fresh, func(a, b *notifier.Video) int {
		return b.Published.Compare(a.Published)
	})
	return fresh
}
