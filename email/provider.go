// Package email renders digests and sends them via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"channel-digest/pkg/notifier"
)

// Message is one outgoing email with plain and HTML alternatives.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send delivers one message.
	Send(ctx context.Context, msg Message) error
}

// Sender renders digests and hands them to a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
	baseURL  string // For links in emails
}

// New creates a new email sender. loc is the timezone dates are shown in.
func New(provider Provider, loc *time.Location, baseURL string, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		location: loc,
		now:      time.Now,
		baseURL:  baseURL,
	}
}

// SendDigest mails one consolidated digest to its recipient.
func (s *Sender) SendDigest(ctx context.Context, d *notifier.Digest) error {
	if d.VideoCount() == 0 {
		return nil
	}

	msg := Message{
		To:      d.Recipient,
		Subject: Subject(d),
		Text:    s.renderText(d),
		HTML:    s.renderHTML(d),
	}

	s.logger.Info("Sending digest email",
		"to", d.Recipient,
		"subject", msg.Subject,
		"channels", len(d.Groups),
		"videos", d.VideoCount())

	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send digest to %s: %w", d.Recipient, err)
	}
	return nil
}

// Subject returns the digest subject line.
func Subject(d *notifier.Digest) string {
	n := d.VideoCount()
	if n == 1 {
		return "YouTube Updates: 1 new video"
	}
	return fmt.Sprintf("YouTube Updates: %d new videos", n)
}
