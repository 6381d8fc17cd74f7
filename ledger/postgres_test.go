package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLedgerLookup(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	l := NewPostgresLedger(mockDB, time.Hour)
	ctx := context.Background()

	t.Run("entry present", func(t *testing.T) {
		raw, err := json.Marshal(testRecord(interfaces.StateComplete))
		require.NoError(t, err)

		mock.ExpectQuery("SELECT record FROM idempotency_ledger").
			WithArgs("dev-1").
			WillReturnRows(sqlmock.NewRows([]string{"record"}).AddRow(raw))

		rec, err := l.Lookup(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.StateComplete, rec.State)
		assert.Equal(t, "dev-1", rec.DeviceID)
	})

	t.Run("entry absent", func(t *testing.T) {
		mock.ExpectQuery("SELECT record FROM idempotency_ledger").
			WithArgs("dev-2").
			WillReturnError(sql.ErrNoRows)

		_, err := l.Lookup(ctx, "dev-2")
		require.ErrorIs(t, err, interfaces.ErrNotFound)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerRecord(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	l := NewPostgresLedger(mockDB, time.Hour)

	mock.ExpectExec("INSERT INTO idempotency_ledger").
		WithArgs("dev-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, l.Record(context.Background(), "dev-1", testRecord(interfaces.StatePending)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerSweep(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	l := NewPostgresLedger(mockDB, time.Hour)

	mock.ExpectExec("DELETE FROM idempotency_ledger").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := l.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
