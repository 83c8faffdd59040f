package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/steward-backup/interfaces"
)

// FileStore implements the Store contract on the local file system. Keys map
// to file paths below the base directory; slash-separated key segments become
// subdirectories.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file store rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Get retrieves the value stored under key.
// Returns ErrKeyNotFound if the file doesn't exist.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	s.log.Debug("Fetched value from file",
		slog.String("path", path),
		slog.Int("size", len(data)))

	return data, nil
}

// Put stores value under key. The write goes through a temporary file and a
// rename so a crash never leaves a torn value.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	s.log.Debug("Stored value in file",
		slog.String("path", path),
		slog.Int("size", len(value)))

	return nil
}

// Delete removes the file for key. Absent keys are not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Available checks that the base directory still exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this backend.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI that identifies this backend.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

// keyPath maps a store key onto a path below baseDir, rejecting traversal.
func (s *FileStore) keyPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid store key: %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
