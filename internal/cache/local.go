package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const fileSuffix = ".json"

// FileStore implements Store using one JSON file per entry in a directory.
// This is suitable for single-instance deployments such as the kiosk Pi.
type FileStore struct {
	mu        sync.RWMutex
	dir       string
	retention time.Duration
	now       func() time.Time
}

// NewFileStore creates a file-backed store rooted at dir.
// Entries older than ttl+retention are treated as absent and removed lazily.
func NewFileStore(dir string, retention time.Duration) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{
		dir:       dir,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Name implements Store.
func (s *FileStore) Name() string {
	return "file"
}

// Get retrieves an entry from its file.
func (s *FileStore) Get(ctx context.Context, key string) (*Entry, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No cache file yet, not an error
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}

	if s.retention > 0 && s.now().Sub(e.StoredAt) > e.TTL+s.retention {
		s.mu.Lock()
		_ = os.Remove(path)
		s.mu.Unlock()
		return nil, nil
	}
	return &e, nil
}

// Set stores an entry to its file.
func (s *FileStore) Set(ctx context.Context, e *Entry) error {
	path, err := s.path(e.Key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write atomically using temp file + rename
	tmpFile, err := os.CreateTemp(s.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) // Clean up temp file
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}

// Clear removes every entry file in the directory.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		return fmt.Errorf("failed to list cache files: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove cache file: %w", err)
		}
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key+fileSuffix), nil
}
