package email

import (
	"context"
	"log/slog"
	"sync"
)

// mockHistory bounds how many recent messages MockProvider keeps.
const mockHistory = 50

// MockProvider logs emails instead of sending them. It is used when no
// mail transport is configured.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	if len(m.sent) > mockHistory {
		m.sent = append(m.sent[:0], m.sent[len(m.sent)-mockHistory:]...)
	}
	m.mu.Unlock()

	m.logger.Info("MOCK EMAIL (no mail transport configured)",
		"to", msg.To,
		"subject", msg.Subject,
		"text_length", len(msg.Text),
		"html_length", len(msg.HTML))
	return nil
}

// Sent returns the most recent messages, oldest first.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
