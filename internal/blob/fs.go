package blob

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSStore implements ObjectStore on the local filesystem. Keys map to paths
// under the base directory; path separators in keys become directories.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a filesystem-backed object store rooted at baseDir.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// Put stores data under key and returns the key.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	// Write to a temp file then rename so readers never observe a
	// partially written object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize object: %w", err)
	}
	return key, nil
}

// Get retrieves the data stored under key.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s: %w", key, err)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// PresignedURL returns a file URL for local access. Expiry is not enforced
// for filesystem objects.
func (s *FSStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

// Delete removes the data stored under key.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List returns all keys with the given prefix.
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return keys, nil
}

// Exists reports whether key holds data.
func (s *FSStore) Exists(ctx context.Context, key string) bool {
	path, err := s.pathFor(key)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// pathFor maps a key to a filesystem path, rejecting traversal attempts.
func (s *FSStore) pathFor(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}
