// Package storage handles persistence of subscriptions.
//
// All subscriptions live in a single JSON array that is rewritten
// wholesale on every mutation, either on the local filesystem or as a
// Cloud Storage object.
package storage

import (
	"channel-digest/pkg/notifier"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
)

const objectName = "subscriptions.json"

var (
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrExists is returned when an active subscription already exists for a recipient and channel.
	ErrExists = errors.New("subscription already exists for this email and channel")
)

// Store handles subscription persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.Mutex
}

// NewLocal creates a store backed by a JSON file, creating it if missing.
func NewLocal(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s := &Store{localPath: path, logger: logger, now: time.Now}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.write(context.Background(), []*notifier.Subscription{}); err != nil {
			return nil, err
		}
		logger.Info("Created empty subscriptions file", "path", path)
	}
	return s, nil
}

// NewCloud creates a store backed by an object in a Cloud Storage bucket.
func NewCloud(client *storage.Client, bucket string, logger *slog.Logger) *Store {
	return &Store{client: client, bucket: bucket, logger: logger, now: time.Now}
}

// Add creates a new active subscription.
func (s *Store) Add(ctx context.Context, channelURL, channelName, email string) (*notifier.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if existsIn(subs, email, channelURL) {
		return nil, ErrExists
	}

	sub := &notifier.Subscription{
		ID:          uuid.NewString(),
		ChannelURL:  channelURL,
		ChannelName: channelName,
		UserEmail:   email,
		CreatedAt:   s.now().UTC().Format(time.RFC3339Nano),
		Active:      true,
	}
	subs = append(subs, sub)
	if err := s.write(ctx, subs); err != nil {
		return nil, err
	}

	s.logger.Info("Subscription added", "id", sub.ID, "email", email, "channel", channelURL)
	return sub, nil
}

// ListActive returns all active subscriptions in stored order.
func (s *Store) ListActive(ctx context.Context) ([]*notifier.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(subs, func(sub *notifier.Subscription) bool { return !sub.Active }), nil
}

// ListActiveByRecipient returns the active subscriptions of one recipient.
func (s *Store) ListActiveByRecipient(ctx context.Context, email string) ([]*notifier.Subscription, error) {
	subs, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(subs, func(sub *notifier.Subscription) bool { return sub.UserEmail != email }), nil
}

// Get returns a subscription by id, active or not.
func (s *Store) Get(ctx context.Context, id string) (*notifier.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateWatermark sets the last-checked timestamp of a subscription.
func (s *Store) UpdateWatermark(ctx context.Context, id string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.read(ctx)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(subs, func(sub *notifier.Subscription) bool { return sub.ID == id })
	if idx < 0 {
		return ErrNotFound
	}
	ts := checkedAt.UTC().Format(time.RFC3339Nano)
	subs[idx].LastChecked = &ts
	return s.write(ctx, subs)
}

// Delete removes a subscription by id. It reports whether anything was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	return s.deleteWhere(ctx, func(sub *notifier.Subscription) bool { return sub.ID == id })
}

// DeleteByRecipientAndChannel removes every subscription for the pair.
func (s *Store) DeleteByRecipientAndChannel(ctx context.Context, email, channelURL string) (bool, error) {
	return s.deleteWhere(ctx, func(sub *notifier.Subscription) bool {
		return sub.UserEmail == email && sub.ChannelURL == channelURL
	})
}

// Exists reports whether an active subscription exists for the pair.
func (s *Store) Exists(ctx context.Context, email, channelURL string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	return existsIn(subs, email, channelURL), nil
}

// ListUniqueRecipients returns the sorted addresses with active subscriptions.
func (s *Store) ListUniqueRecipients(ctx context.Context) ([]string, error) {
	subs, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var emails []string
	for _, sub := range subs {
		if sub.UserEmail != "" {
			emails = append(emails, sub.UserEmail)
		}
	}
	slices.Sort(emails)
	return slices.Compact(emails), nil
}

func (s *Store) deleteWhere(ctx context.Context, match func(*notifier.Subscription) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.read(ctx)
	if err != nil {
		return false, err
	}
	before := len(subs)
	subs = slices.DeleteFunc(subs, match)
	if len(subs) == before {
		return false, nil
	}
	if err := s.write(ctx, subs); err != nil {
		return false, err
	}
	s.logger.Info("Subscriptions deleted", "count", before-len(subs))
	return true, nil
}

func existsIn(subs []*notifier.Subscription, email, channelURL string) bool {
	return slices.ContainsFunc(subs, func(sub *notifier.Subscription) bool {
		return sub.Active && sub.UserEmail == email && sub.ChannelURL == channelURL
	})
}

// read loads the full array. A missing or corrupt file reads as empty.
func (s *Store) read(ctx context.Context) ([]*notifier.Subscription, error) {
	data, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var subs []*notifier.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		s.logger.Warn("Subscriptions file is not valid JSON, treating as empty", "error", err)
		return nil, nil
	}
	return subs, nil
}

func (s *Store) load(ctx context.Context) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(s.localPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(objectName).NewReader(ctx)
			if errors.Is(openErr, storage.ErrObjectNotExist) {
				data = nil
				return nil
			}
			if openErr != nil {
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "object", objectName, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, subs []*notifier.Subscription) error {
	if subs == nil {
		subs = []*notifier.Subscription{}
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}

	// Local filesystem storage: write a sibling temp file, then rename over the original
	if s.localPath != "" {
		tmp, err := os.CreateTemp(filepath.Dir(s.localPath), ".subscriptions-*.json")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("close temp file: %w", err)
		}
		if err := os.Rename(tmpName, s.localPath); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("replace subscriptions file: %w", err)
		}
		s.logger.Debug("Subscriptions saved to local storage", "path", s.localPath, "count", len(subs))
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", objectName, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Subscriptions saved", "bucket", s.bucket, "object", objectName, "count", len(subs))
	return nil
}
