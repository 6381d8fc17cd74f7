package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/edgesec-org/trustplane/interfaces"
)

// MultiStore aggregates several record stores. Reads fall back through the
// backends in order; writes go to every available backend and succeed if at
// least one did.
type MultiStore struct {
	stores []interfaces.RecordStore
	log    *slog.Logger
}

// NewMultiStore creates a multi-store over the given backends.
func NewMultiStore(stores []interfaces.RecordStore, log *slog.Logger) *MultiStore {
	if log == nil {
		log = slog.Default()
	}
	return &MultiStore{stores: stores, log: log}
}

// FetchRecord returns the record from the first backend that has it.
func (m *MultiStore) FetchRecord(ctx context.Context, kind interfaces.RecordKind, key string) ([]byte, error) {
	var errs []error
	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Record store unavailable", slog.String("store", store.Name()))
			continue
		}

		data, err := store.FetchRecord(ctx, kind, key)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to fetch %s/%s: %v", kind, key, errs)
	}
	return nil, interfaces.ErrRecordNotFound
}

// StoreRecord writes to every available backend.
func (m *MultiStore) StoreRecord(ctx context.Context, kind interfaces.RecordKind, key string, data []byte) error {
	var stored int
	var errs []error
	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Record store unavailable", slog.String("store", store.Name()))
			continue
		}
		if err := store.StoreRecord(ctx, kind, key, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			continue
		}
		stored++
	}

	if stored == 0 {
		return fmt.Errorf("all record stores failed to store %s/%s: %v", kind, key, errs)
	}
	if len(errs) > 0 {
		m.log.Warn("Some record stores failed to store record",
			slog.String("key", key),
			slog.Int("stored", stored),
			slog.Int("failed", len(errs)))
	}
	return nil
}

// DeleteRecord deletes from every available backend.
func (m *MultiStore) DeleteRecord(ctx context.Context, kind interfaces.RecordKind, key string) error {
	var errs []error
	for _, store := range m.stores {
		if !store.Available(ctx) {
			continue
		}
		if err := store.DeleteRecord(ctx, kind, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %s/%s: %v", kind, key, errs)
	}
	return nil
}

// Available reports whether at least one backend is reachable.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns an identifier for logging.
func (m *MultiStore) Name() string {
	return fmt.Sprintf("multi-%d", len(m.stores))
}

// LocationURI returns the URIs of all aggregated backends.
func (m *MultiStore) LocationURI() string {
	uri := "multi://"
	for i, store := range m.stores {
		if i > 0 {
			uri += ","
		}
		uri += store.LocationURI()
	}
	return uri
}
