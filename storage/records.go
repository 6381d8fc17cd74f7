package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgesec-org/trustplane/interfaces"
)

// EnrollmentStore persists enrollment records as JSON through a record
// store backend. It satisfies the orchestrator's RecordPersister.
type EnrollmentStore struct {
	backend interfaces.RecordStore
}

// NewEnrollmentStore wraps a record store backend.
func NewEnrollmentStore(backend interfaces.RecordStore) *EnrollmentStore {
	return &EnrollmentStore{backend: backend}
}

// SaveEnrollment writes the record keyed by its device ID.
func (s *EnrollmentStore) SaveEnrollment(ctx context.Context, rec *interfaces.EnrollmentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode enrollment record: %w", err)
	}
	return s.backend.StoreRecord(ctx, interfaces.EnrollmentRecords, rec.DeviceID, data)
}

// GetEnrollment loads the record for a device.
func (s *EnrollmentStore) GetEnrollment(ctx context.Context, deviceID string) (*interfaces.EnrollmentRecord, error) {
	data, err := s.backend.FetchRecord(ctx, interfaces.EnrollmentRecords, deviceID)
	if err != nil {
		return nil, err
	}

	var rec interfaces.EnrollmentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode enrollment record: %w", err)
	}
	return &rec, nil
}

// DeleteEnrollment removes a device's record, for retention GC.
func (s *EnrollmentStore) DeleteEnrollment(ctx context.Context, deviceID string) error {
	return s.backend.DeleteRecord(ctx, interfaces.EnrollmentRecords, deviceID)
}
