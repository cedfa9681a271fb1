package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Store persists finished download artifacts. Keys are slash separated and relative.
type Store interface {
	// Put writes body under key and returns the canonical key.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*S3Store)(nil)
)

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
