package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/steward-backup/interfaces"
)

// MultiStore replicates the Store contract across several backends. Writes go
// to every available backend and succeed if at least one accepted them; reads
// return the first backend's value for the key.
type MultiStore struct {
	backends []interfaces.Store
	log      *slog.Logger
}

// NewMultiStore creates a replicating store over backends.
func NewMultiStore(backends []interfaces.Store, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStore{
		backends: backends,
		log:      logger,
	}
}

// Get returns the value for key from the first backend holding it.
// Returns ErrKeyNotFound only if every reachable backend lacks the key.
func (m *MultiStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var errs []error
	missing := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key))
			continue
		}

		data, err := backend.Get(ctx, key)
		if err == nil {
			m.log.Debug("Fetched value",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrKeyNotFound) {
			missing++
			continue
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to get from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key),
			"err", err)
	}

	if len(errs) == 0 && missing > 0 {
		return nil, interfaces.ErrKeyNotFound
	}

	m.log.Error("All backends failed to get key",
		slog.String("key", key),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to get %s: %v", key, errs)
}

// Put stores value on every available backend.
func (m *MultiStore) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Put(ctx, key, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to put to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key),
				"err", err)
			continue
		}

		success = true
	}

	if !success {
		m.log.Error("All backends failed to store key",
			slog.String("key", key),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("all backends failed to store %s: %v", key, errs)
	}

	return nil
}

// Delete removes key from every available backend.
func (m *MultiStore) Delete(ctx context.Context, key string) error {
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}

		if err := backend.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %s from some backends: %v", key, errs)
	}
	return nil
}

// Available checks if any backend is available.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the backend identifier.
func (m *MultiStore) Name() string {
	return "multi-store"
}

// LocationURI returns a combined URI listing every member backend.
func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
