package store

import (
	"os"
	"path/filepath"
)

func writeRaw(s *FileBlobStore, key string, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
