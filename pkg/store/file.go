package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// FileBlobStore keeps blobs under a local root directory
type FileBlobStore struct {
	root    string
	logger  *logrus.Logger
	metrics StoreMetrics
}

// NewFileBlobStore creates the root directory if needed
func NewFileBlobStore(root string, logger *logrus.Logger, metrics StoreMetrics) (*FileBlobStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{root: root, logger: logger, metrics: metrics}, nil
}

func (s *FileBlobStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put writes data under its content address. Existing blobs are not rewritten.
func (s *FileBlobStore) Put(ctx context.Context, data []byte) (key string, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, "file", "put", start, err) }()

	key = BlobKey(data)
	path := s.path(key)
	if _, statErr := os.Stat(path); statErr == nil {
		return key, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	// readers never see a partial blob
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	s.logger.Debugf("Stored blob %s (%d bytes)", key, len(data))
	return key, nil
}

// Get reads the blob stored under key
func (s *FileBlobStore) Get(ctx context.Context, key string) (data []byte, err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, "file", "get", start, err) }()

	if err := ValidateBlobKey(key); err != nil {
		return nil, err
	}
	data, err = os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is stored under key
func (s *FileBlobStore) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateBlobKey(key); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// Delete removes the blob under key. Missing blobs are not an error.
func (s *FileBlobStore) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.record(ctx, "file", "delete", start, err) }()

	if err := ValidateBlobKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
