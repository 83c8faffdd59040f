package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/steward-backup/interfaces"
)

// IPFSStore implements the Store contract on an IPFS node using the mutable
// files (MFS) API, which gives keyed reads, writes and deletes on top of the
// otherwise content-addressed node.
type IPFSStore struct {
	shell       *shell.Shell
	host        string
	port        string
	rootDir     string
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore creates an IPFS-backed store connected to the node API at
// host:port. All keys live below rootDir in the node's MFS.
func NewIPFSStore(host, port, rootDir string, log *slog.Logger) (*IPFSStore, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)

	rootDir = "/" + strings.Trim(rootDir, "/")

	return &IPFSStore{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		rootDir:     rootDir,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, rootDir),
	}, nil
}

// Get retrieves the value for key from MFS.
// Returns ErrKeyNotFound if the path does not exist, ErrBackendUnavailable
// if the IPFS node is not accessible.
func (s *IPFSStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	filePath := s.keyPath(key)

	if !s.shell.IsUp() {
		s.log.Warn("IPFS node unavailable",
			slog.String("host", s.host),
			slog.String("port", s.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := s.shell.FilesRead(ctx, filePath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			s.log.Debug("Key not found in IPFS",
				slog.String("path", filePath),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read IPFS data: %w", err)
	}

	s.log.Debug("Fetched value from IPFS",
		slog.String("path", filePath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Put stores value under key in MFS, creating parent directories and
// truncating any previous value.
func (s *IPFSStore) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	filePath := s.keyPath(key)

	if !s.shell.IsUp() {
		return interfaces.ErrBackendUnavailable
	}

	err := s.shell.FilesWrite(ctx, filePath, bytes.NewReader(value),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("failed to write to IPFS: %w", err)
	}

	s.log.Debug("Stored value in IPFS",
		slog.String("path", filePath),
		slog.Int("size", len(value)),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Delete removes key from MFS. Absent keys are not an error.
func (s *IPFSStore) Delete(ctx context.Context, key string) error {
	filePath := s.keyPath(key)

	if !s.shell.IsUp() {
		return interfaces.ErrBackendUnavailable
	}

	if err := s.shell.FilesRm(ctx, filePath, true); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil
		}
		return fmt.Errorf("failed to remove from IPFS: %w", err)
	}
	return nil
}

// Available checks if the IPFS node is accessible.
func (s *IPFSStore) Available(ctx context.Context) bool {
	return s.shell.IsUp()
}

// Name returns a unique identifier for this backend.
func (s *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", s.host, s.port)
}

// LocationURI returns the URI that identifies this backend.
func (s *IPFSStore) LocationURI() string {
	return s.locationURI
}

func (s *IPFSStore) keyPath(key string) string {
	return path.Join(s.rootDir, key)
}
