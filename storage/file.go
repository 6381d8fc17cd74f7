// Package storage implements record store backends for enrollment state.
// Backends are selected by URI scheme through a factory; a multi-store
// aggregates several backends for redundancy.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/edgesec-org/trustplane/interfaces"
)

// FileStore persists records on the local file system, one file per key in
// a directory per record kind.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file-backed record store rooted at baseDir,
// creating the kind subdirectories if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	for _, kind := range []interfaces.RecordKind{interfaces.EnrollmentRecords, interfaces.LedgerEntries} {
		if err := os.MkdirAll(filepath.Join(baseDir, kind.String()), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// FetchRecord reads the record stored under (kind, key). Returns
// ErrRecordNotFound if no such file exists.
func (s *FileStore) FetchRecord(ctx context.Context, kind interfaces.RecordKind, key string) ([]byte, error) {
	path := s.recordPath(kind, key)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	s.log.Debug("Fetched record from file",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// StoreRecord writes the record atomically via a temp file rename so a
// crash never leaves a half-written record behind.
func (s *FileStore) StoreRecord(ctx context.Context, kind interfaces.RecordKind, key string, data []byte) error {
	path := s.recordPath(kind, key)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close record file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace record file: %w", err)
	}

	s.log.Debug("Stored record in file",
		slog.String("path", path),
		slog.String("key", key))
	return nil
}

// DeleteRecord removes the record file; deleting an absent record is fine.
func (s *FileStore) DeleteRecord(ctx context.Context, kind interfaces.RecordKind, key string) error {
	err := os.Remove(s.recordPath(kind, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record file: %w", err)
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

// Name returns an identifier for logging.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI identifying this backend.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}

func (s *FileStore) recordPath(kind interfaces.RecordKind, key string) string {
	return filepath.Join(s.baseDir, kind.String(), url.PathEscape(key)+".json")
}
