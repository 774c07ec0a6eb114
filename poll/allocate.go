package poll

import (
	"channel-digest/pkg/notifier"
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	richBudget      = 3   // Language-model summaries per subscription per cycle
	basicPreviewLen = 150 // Description runes quoted in a basic summary
	basicPrefix     = "📝 Published since last check"
)

// Summarizer produces a rich summary for one video.
type Summarizer interface {
	SummarizeVideo(ctx context.Context, v *notifier.Video) (string, error)
}

// Allocator spends the rich summary budget on the newest videos.
type Allocator struct {
	summarizer Summarizer
	logger     *slog.Logger
}

// NewAllocator creates an allocator.
func NewAllocator(s Summarizer, logger *slog.Logger) *Allocator {
	return &Allocator{summarizer: s, logger: logger}
}

// Allocate fills in Summary and HasAISummary on every video, in order.
// The first richBudget videos get a language-model summary; a failed
// attempt still uses its slot and carries an error text instead.
func (a *Allocator) Allocate(ctx context.Context, videos []*notifier.Video) {
	for i, v := range videos {
		if i >= richBudget {
			v.Summary = basicSummary(v.Description)
			v.HasAISummary = false
			continue
		}

		a.logger.Info("Generating summary", "position", i+1, "of", min(len(videos), richBudget), "title", v.Title)
		summary, err := a.summarizer.SummarizeVideo(ctx, v)
		if err != nil {
			a.logger.Warn("Summary generation failed", "title", v.Title, "url", v.URL, "error", err)
			summary = FailedSummary(err, v.Title)
		}
		v.Summary = summary
		v.HasAISummary = true
	}

	if len(videos) > richBudget {
		a.logger.Info("Basic summaries used beyond budget", "rich", richBudget, "basic", len(videos)-richBudget)
	}
}

// FailedSummary is the text shown in place of a summary that could not
// be generated.
func FailedSummary(err error, title string) string {
	return fmt.Sprintf("Failed to generate AI summary: %v. Title: %s", err, title)
}

func basicSummary(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return basicPrefix
	}
	runes := []rune(description)
	if len(runes) > basicPreviewLen {
		runes = runes[:basicPreviewLen]
	}
	return basicPrefix + " - " + string(runes) + "..."
}
