package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockWrapper(t *testing.T, name string) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), name, zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock := newMockWrapper(t, "postgres-normal")
	ctx := context.Background()

	mock.ExpectPing()
	require.NoError(t, wrapper.PingContext(ctx))

	mock.ExpectExec(`INSERT INTO research_requests`).
		WithArgs("req-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	res, err := wrapper.ExecContext(ctx, "INSERT INTO research_requests (request_id) VALUES (?)", "req-1")
	require.NoError(t, err)
	affected, _ := res.RowsAffected()
	assert.Equal(t, int64(1), affected)

	mock.ExpectQuery(`SELECT status FROM research_requests WHERE request_id = \$1`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))
	var status string
	require.NoError(t, wrapper.GetContext(ctx, &status, "SELECT status FROM research_requests WHERE request_id = ?", "req-1"))
	assert.Equal(t, "COMPLETED", status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	wrapper, mock := newMockWrapper(t, "postgres-norows")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		mock.ExpectQuery(`SELECT status`).WillReturnError(sql.ErrNoRows)
		var status string
		err := wrapper.GetContext(ctx, &status, "SELECT status FROM research_requests WHERE request_id = ?", "missing")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestDatabaseWrapper_OpensOnFailures(t *testing.T) {
	wrapper, mock := newMockWrapper(t, "postgres-failing")
	ctx := context.Background()

	threshold := int(SettingsFor(ProfileDatabase).FailureThreshold)
	for i := 0; i < threshold; i++ {
		mock.ExpectExec(`UPDATE`).WillReturnError(errors.New("connection reset"))
		_, err := wrapper.ExecContext(ctx, "UPDATE research_requests SET status = ?", "FAILED")
		require.Error(t, err)
	}
	require.True(t, wrapper.IsCircuitBreakerOpen())

	_, err := wrapper.ExecContext(ctx, "UPDATE research_requests SET status = ?", "FAILED")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapper_WithTx(t *testing.T) {
	wrapper, mock := newMockWrapper(t, "postgres-tx")
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM search_outcomes`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	require.NoError(t, wrapper.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM search_outcomes WHERE request_id = $1", "req-1")
		return err
	}))

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	assert.ErrorIs(t, wrapper.WithTx(ctx, func(tx *sqlx.Tx) error { return boom }), boom)

	require.NoError(t, mock.ExpectationsWereMet())
}
