package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Check verifies the backing location is reachable. It reports whether
// the subscriptions file already exists.
func (s *Store) Check(ctx context.Context) (bool, error) {
	if s.localPath != "" {
		_, err := os.Stat(s.localPath)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", s.localPath, err)
		}
		return true, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: objectName})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("list bucket %s: %w", s.bucket, err)
		}
		if attrs.Name == objectName {
			return true, nil
		}
	}
}
