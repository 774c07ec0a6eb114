// Package notifier contains the core domain types for the channel digest service.
package notifier

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subscription represents a recipient's subscription to one channel.
// LastChecked is kept as the raw stored string: legacy records carry
// timestamps without an offset, and the resolver decides how to read them.
type Subscription struct {
	LastChecked *string `json:"last_checked"` // Watermark, nil until the first check
	ID          string  `json:"id"`
	ChannelURL  string  `json:"channel_url"`
	ChannelName string  `json:"channel_name"`
	UserEmail   string  `json:"user_email"`
	CreatedAt   string  `json:"created_at"`
	Active      bool    `json:"active"`
}

// UnmarshalJSON treats a record without an "active" field as active.
func (s *Subscription) UnmarshalJSON(data []byte) error {
	type plain Subscription
	aux := struct {
		Active *bool `json:"active"`
		*plain
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Active = aux.Active == nil || *aux.Active
	return nil
}

// Entry is a lightweight record from a channel's flat listing.
type Entry struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	UploadDate string `json:"upload_date,omitempty"` // Coarse YYYYMMDD, unreliable
}

// Video is a fully resolved item.
type Video struct {
	Published      time.Time // Resolved once at fetch time, reused for early stop and filtering
	URL            string
	Title          string
	Thumbnail      string
	Description    string
	Uploader       string
	Transcript     string
	Summary        string
	DurationSecs   int
	ViewCount      int64
	PublishedKnown bool
	HasTranscript  bool
	HasAISummary   bool
}

// Duration renders the length as M:SS or H:MM:SS.
func (v *Video) Duration() string {
	return FormatDuration(v.DurationSecs)
}

// PublishedDate renders the publication date in loc, or "Unknown Date".
func (v *Video) PublishedDate(loc *time.Location) string {
	if !v.PublishedKnown {
		return "Unknown Date"
	}
	return v.Published.In(loc).Format(time.DateOnly)
}

// FormatDuration converts seconds to M:SS or H:MM:SS.
func FormatDuration(seconds int) string {
	if seconds <= 0 {
		return "0:00"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ChannelGroup is one channel's new videos within a digest.
type ChannelGroup struct {
	ChannelName string
	ChannelURL  string
	Videos      []*Video
}

// Digest is the consolidated notification for one recipient.
type Digest struct {
	Recipient string
	Groups    []*ChannelGroup
}

// VideoCount returns the number of videos across all groups.
func (d *Digest) VideoCount() int {
	n := 0
	for _, g := range d.Groups {
		n += len(g.Videos)
	}
	return n
}

// AISummaryCount returns how many videos carry a language-model summary.
func (d *Digest) AISummaryCount() int {
	n := 0
	for _, g := range d.Groups {
		for _, v := range g.Videos {
			if v.HasAISummary {
				n++
			}
		}
	}
	return n
}

// Date is a calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// MarshalText renders the date as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
