package poll

import (
	"channel-digest/pkg/notifier"
	"strings"
	"time"
)

// defaultLookback applies when a subscription has never been checked or
// its stored watermark cannot be read.
const defaultLookback = 24 * time.Hour

// Layouts carrying an explicit offset.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04Z07:00",
}

// Naive layouts, read as UTC. Fractional seconds are optional in the
// first two; the last two carry minute precision only.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// Cutoff resolves a stored watermark into an absolute instant.
// Empty or unparseable input falls back to now minus 24 hours.
func Cutoff(lastChecked string, now time.Time) time.Time {
	if t, ok := parseWatermark(lastChecked); ok {
		return t
	}
	return now.UTC().Add(-defaultLookback)
}

// CutoffOf resolves a subscription's watermark, which may be unset.
func CutoffOf(sub *notifier.Subscription, now time.Time) time.Time {
	if sub.LastChecked == nil {
		return Cutoff("", now)
	}
	return Cutoff(*sub.LastChecked, now)
}

// CutoffDate returns the calendar date of cutoff in loc. It is only used
// as the coarse early-stop bound during traversal.
func CutoffDate(cutoff time.Time, loc *time.Location) notifier.Date {
	return notifier.DateOf(cutoff, loc)
}

func parseWatermark(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
