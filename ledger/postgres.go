package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
	_ "github.com/lib/pq"
)

// Schema creates the idempotency ledger table.
const Schema = `
CREATE TABLE IF NOT EXISTS idempotency_ledger (
	key        TEXT PRIMARY KEY,
	record     JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_ledger_expires_at_idx ON idempotency_ledger (expires_at);
`

// PostgresLedger is a Postgres-backed idempotency ledger for deployments
// that need the mapping to survive restarts. The upsert makes the per-key
// read-modify-write atomic across control plane replicas.
type PostgresLedger struct {
	db        *sql.DB
	retention time.Duration
}

// OpenPostgresLedger connects to Postgres and ensures the schema exists.
func OpenPostgresLedger(dsn string, retention time.Duration) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return NewPostgresLedger(db, retention), nil
}

// NewPostgresLedger wraps an existing database handle.
func NewPostgresLedger(db *sql.DB, retention time.Duration) *PostgresLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PostgresLedger{db: db, retention: retention}
}

// Lookup returns the recorded enrollment snapshot for a key. Entries past
// their retention window are treated as absent.
func (l *PostgresLedger) Lookup(ctx context.Context, key string) (*interfaces.EnrollmentRecord, error) {
	query := `SELECT record FROM idempotency_ledger WHERE key = $1 AND expires_at > NOW()`

	var raw []byte
	err := l.db.QueryRowContext(ctx, query, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no ledger entry for key %s", interfaces.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ledger entry: %w", err)
	}

	var rec interfaces.EnrollmentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	return &rec, nil
}

// Record upserts a snapshot of the record under the key.
func (l *PostgresLedger) Record(ctx context.Context, key string, rec *interfaces.EnrollmentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	query := `
		INSERT INTO idempotency_ledger (key, record, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET record = $2, expires_at = $3`
	if _, err := l.db.ExecContext(ctx, query, key, raw, time.Now().Add(l.retention)); err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

// Sweep deletes expired entries and returns how many were removed.
func (l *PostgresLedger) Sweep(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM idempotency_ledger WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep ledger: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
