package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(state interfaces.EnrollmentState) *interfaces.EnrollmentRecord {
	return &interfaces.EnrollmentRecord{
		DeviceID: "dev-1",
		Scope:    interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "iot"},
		State:    state,
		CompletedSteps: []interfaces.StepResult{
			{Kind: interfaces.StepSubnetAllocated, Artifact: "10.0.0.0/28"},
		},
	}
}

func TestMemoryLedgerRoundTrip(t *testing.T) {
	l := NewMemoryLedger(time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := l.Lookup(ctx, "dev-1")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, l.Record(ctx, "dev-1", testRecord(interfaces.StateComplete)))

	got, err := l.Lookup(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateComplete, got.State)
	assert.Len(t, got.CompletedSteps, 1)
}

func TestMemoryLedgerSnapshotIsolated(t *testing.T) {
	l := NewMemoryLedger(time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	rec := testRecord(interfaces.StateSubnetAllocated)
	require.NoError(t, l.Record(ctx, "dev-1", rec))

	// Mutating the caller's record must not leak into the stored snapshot.
	rec.State = interfaces.StateFailed
	rec.CompletedSteps = append(rec.CompletedSteps, interfaces.StepResult{Kind: interfaces.StepIdentityIssued})

	got, err := l.Lookup(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateSubnetAllocated, got.State)
	assert.Len(t, got.CompletedSteps, 1)
}

func TestMemoryLedgerLookupIsolated(t *testing.T) {
	l := NewMemoryLedger(time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	stored := testRecord(interfaces.StateSubnetAllocated)
	stored.Error = &interfaces.ErrorInfo{Message: "boom"}
	require.NoError(t, l.Record(ctx, "dev-1", stored))

	// Mutating a looked-up record must not change the ledger until the next
	// Record call writes it back.
	first, err := l.Lookup(ctx, "dev-1")
	require.NoError(t, err)
	first.State = interfaces.StateCompensated
	first.CompletedSteps = append(first.CompletedSteps, interfaces.StepResult{Kind: interfaces.StepIdentityIssued})
	first.Error.CompensationErrors = append(first.Error.CompensationErrors, "identity: boom")

	second, err := l.Lookup(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateSubnetAllocated, second.State)
	assert.Len(t, second.CompletedSteps, 1)
	assert.Empty(t, second.Error.CompensationErrors)
}

func TestMemoryLedgerExpiry(t *testing.T) {
	l := NewMemoryLedger(time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }
	require.NoError(t, l.Record(ctx, "dev-1", testRecord(interfaces.StateComplete)))

	_, err := l.Lookup(ctx, "dev-1")
	require.NoError(t, err)

	l.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = l.Lookup(ctx, "dev-1")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	l.sweep()
	l.mu.RLock()
	assert.Empty(t, l.entries)
	l.mu.RUnlock()
}
