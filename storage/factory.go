package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/steward-backup/interfaces"
)

// Factory creates Store backends from location URIs and assembles
// multi-backend configurations for redundant storage.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new factory instance.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// StoreFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
//   - ipfs:// - IPFS node via the MFS API
//   - mem:// - In-memory storage (tests, ephemeral runs)
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) StoreFor(loc interfaces.StoreLocation) (interfaces.Store, error) {
	switch strings.ToLower(loc.Scheme) {
	case "file":
		return f.createFileStore(loc)
	case "s3":
		return f.createS3Store(loc)
	case "vault":
		return f.createVaultStore(loc)
	case "ipfs":
		return f.createIPFSStore(loc)
	case "mem":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiStore creates a replicating store from a list of location URIs.
// Backends that fail to construct are skipped with a warning; at least one
// backend must construct successfully.
func (f *Factory) CreateMultiStore(locs []interfaces.StoreLocation) (interfaces.Store, error) {
	backends := make([]interfaces.Store, 0, len(locs))

	for _, loc := range locs {
		backend, err := f.StoreFor(loc)
		if err != nil {
			f.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStore(backends, f.log), nil
}

// createFileStore creates a file system backend.
// URI format: file:///absolute/path or file://./relative/path
func (f *Factory) createFileStore(loc interfaces.StoreLocation) (interfaces.Store, error) {
	f.log.Debug("Creating file store", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", loc.String())
	}

	return NewFileStore(path, f.log)
}

// createS3Store creates an S3 or S3-compatible backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=custom.s3.com
func (f *Factory) createS3Store(loc interfaces.StoreLocation) (interfaces.Store, error) {
	f.log.Debug("Creating S3 store", slog.String("uri", loc.String()))

	bucketName := loc.Host
	prefix := strings.TrimPrefix(loc.Path, "/")

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := loc.GetParam("endpoint")

	var accessKey, secretKey string
	if loc.Auth != "" {
		parts := strings.SplitN(loc.Auth, ":", 2)
		accessKey = parts[0]
		if len(parts) == 2 {
			secretKey = parts[1]
		}
	}

	return NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createVaultStore creates a HashiCorp Vault backend.
// URI format: vault://host:8200/mount/path?token=...&scheme=https
func (f *Factory) createVaultStore(loc interfaces.StoreLocation) (interfaces.Store, error) {
	f.log.Debug("Creating Vault store", slog.String("uri", loc.String()))

	scheme := loc.GetParam("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid Vault URI, expected vault://host:port/mount/path")
	}

	return NewVaultStore(address, parts[0], parts[1], loc.GetParam("token"), f.log)
}

// createIPFSStore creates an IPFS MFS backend.
// URI format: ipfs://host:5001/rootdir
func (f *Factory) createIPFSStore(loc interfaces.StoreLocation) (interfaces.Store, error) {
	f.log.Debug("Creating IPFS store", slog.String("uri", loc.String()))

	host := loc.Host
	port := "5001"
	if idx := strings.LastIndex(loc.Host, ":"); idx >= 0 {
		host = loc.Host[:idx]
		port = loc.Host[idx+1:]
	}

	rootDir := loc.Path
	if rootDir == "" || rootDir == "/" {
		rootDir = "/steward"
	}

	return NewIPFSStore(host, port, rootDir, f.log)
}
