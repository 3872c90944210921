package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend using multiple backends with fallback.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback.
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch returns content from the first available backend whose bytes hash to
// id. If every backend reports the content missing, ErrContentNotFound is
// returned.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	var errs []error
	contentIDStr := id.String()[:16]

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", contentIDStr))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to fetch from backend",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", contentIDStr),
				"err", err)
			continue
		}

		if actual := interfaces.ComputeID(data); actual != id {
			errs = append(errs, fmt.Errorf("%s: content hash mismatch", backend.Name()))
			m.log.Warn("Backend returned corrupted content",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", contentIDStr),
				slog.String("actual_id", actual.String()))
			continue
		}

		m.log.Debug("Fetched content",
			slog.String("backend_name", backend.Name()),
			slog.String("content_id", contentIDStr),
			slog.Duration("duration", time.Since(start)))
		return data, nil
	}

	m.log.Error("All backends failed to fetch content",
		slog.String("content_id", contentIDStr),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	if allNotFound(errs) {
		return nil, interfaces.ErrContentNotFound
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", contentIDStr, errors.Join(errs...))
}

// Store saves data to all available backends and succeeds if at least one
// of them accepted it.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	stored := 0
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		backendID, err := backend.Store(ctx, data, contentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		if backendID != id {
			m.log.Warn("Inconsistent hashes from backends",
				slog.String("backend_name", backend.Name()),
				slog.String("expected_id", id.String()),
				slog.String("actual_id", backendID.String()))
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store data",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return id, interfaces.ErrBackendUnavailable
		}
		return id, fmt.Errorf("all backends failed to store data: %w", errors.Join(errs...))
	}

	m.log.Info("Stored content",
		slog.String("content_id", id.String()),
		slog.String("content_type", contentType.String()),
		slog.Int("replicas", stored),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

// Available checks if any backend is available.
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}

func allNotFound(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			return false
		}
	}
	return true
}
