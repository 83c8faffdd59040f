package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrKeyNotFound is returned when a requested key has no value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBackendUnavailable is returned when a storage backend is not
	// accessible, whether due to network issues, authentication failures, or
	// service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or uses an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StoreLocation is a parsed storage backend URI of the form
// [scheme]://[auth@]host[:port][/path][?params].
type StoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStoreLocation parses and validates a storage backend URI.
func NewStoreLocation(uri string) (StoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "vault", "ipfs", "mem":
		// Valid scheme
	default:
		return StoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StoreLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// Store provides durable keyed state. Operations are assumed atomic per key
// and crash-consistent; all coordinator state mutations go through it before
// any outbound envelope is published.
type Store interface {
	// Get retrieves the value for key. Returns ErrKeyNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// StoreFactory creates storage backends from location URIs.
type StoreFactory interface {
	// StoreFor creates a backend from a URI.
	// Supports file://, s3://, vault://, ipfs://, mem://
	StoreFor(loc StoreLocation) (Store, error)

	// CreateMultiStore creates a replicating store over several backends.
	CreateMultiStore(locs []StoreLocation) (Store, error)
}
