// Package ledger implements the idempotency ledger: the durable mapping
// from an enrollment request's idempotency key to its last known outcome.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
)

// DefaultRetention is the ledger entry retention window used when none is
// configured.
const DefaultRetention = 24 * time.Hour

// MemoryLedger is an in-memory idempotency ledger with a retention window.
// Entries expire lazily on lookup; RunGC sweeps them on a timer.
type MemoryLedger struct {
	mu        sync.RWMutex
	entries   map[string]interfaces.LedgerEntry
	retention time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewMemoryLedger creates an in-memory ledger. A non-positive retention
// falls back to DefaultRetention.
func NewMemoryLedger(retention time.Duration, log *slog.Logger) *MemoryLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = slog.Default()
	}
	return &MemoryLedger{
		entries:   make(map[string]interfaces.LedgerEntry),
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// Lookup returns the recorded enrollment snapshot for a key. The returned
// record is a copy; callers mutate it freely without changing the ledger.
func (l *MemoryLedger) Lookup(ctx context.Context, key string) (*interfaces.EnrollmentRecord, error) {
	l.mu.RLock()
	entry, ok := l.entries[key]
	l.mu.RUnlock()

	if !ok || l.now().After(entry.Expires) {
		return nil, fmt.Errorf("%w: no ledger entry for key %s", interfaces.ErrNotFound, key)
	}
	return cloneRecord(entry.Record), nil
}

// Record stores a snapshot of the record under the key, refreshing its
// expiry.
func (l *MemoryLedger) Record(ctx context.Context, key string, rec *interfaces.EnrollmentRecord) error {
	l.mu.Lock()
	l.entries[key] = interfaces.LedgerEntry{
		Key:     key,
		Record:  cloneRecord(rec),
		Expires: l.now().Add(l.retention),
	}
	l.mu.Unlock()
	return nil
}

// cloneRecord copies a record deeply enough that neither side observes the
// other's mutations.
func cloneRecord(rec *interfaces.EnrollmentRecord) *interfaces.EnrollmentRecord {
	clone := *rec
	clone.CompletedSteps = append([]interfaces.StepResult(nil), rec.CompletedSteps...)
	if rec.Metadata != nil {
		clone.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			clone.Metadata[k] = v
		}
	}
	if rec.Error != nil {
		errInfo := *rec.Error
		errInfo.CompensationErrors = append([]string(nil), rec.Error.CompensationErrors...)
		clone.Error = &errInfo
	}
	return &clone
}

// RunGC sweeps expired entries every interval until the context is done.
func (l *MemoryLedger) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *MemoryLedger) sweep() {
	now := l.now()
	l.mu.Lock()
	var expired int
	for key, entry := range l.entries {
		if now.After(entry.Expires) {
			delete(l.entries, key)
			expired++
		}
	}
	l.mu.Unlock()

	if expired > 0 {
		l.log.Debug("Swept expired ledger entries", slog.Int("count", expired))
	}
}
