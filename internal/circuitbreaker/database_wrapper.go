package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseService = "research-store"

// DatabaseWrapper guards an sqlx handle with a circuit breaker. sql.ErrNoRows
// is a normal answer and never trips it.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	name   string
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker. name is
// typically the driver ("postgres", "sqlite3").
func NewDatabaseWrapper(db *sqlx.DB, name string, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := SettingsFor(ProfileDatabase).ToConfig()
	config.IsSuccessful = func(err error) bool { return errors.Is(err, sql.ErrNoRows) }
	cb := NewCircuitBreaker(name, config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, databaseService, cb)
	return &DatabaseWrapper{db: db, cb: cb, name: name, logger: logger}
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	var opErr error
	cbErr := dw.cb.Execute(ctx, func() error {
		opErr = fn()
		return opErr
	})
	success := cbErr == nil || errors.Is(cbErr, sql.ErrNoRows)
	GlobalMetricsCollector.RecordRequest(dw.name, databaseService, dw.cb.State(), success)
	if cbErr != nil && opErr == nil {
		return cbErr
	}
	return opErr
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext wraps a statement execution.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return res, err
}

// GetContext scans a single row into dest.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...) })
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...) })
}

// WithTx runs fn inside one transaction, committing on nil and rolling back otherwise.
// The whole transaction counts as a single breaker call.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return dw.run(ctx, func() error {
		tx, err := dw.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				dw.logger.Warn("Rollback failed", zap.Error(rbErr))
			}
			return err
		}
		return tx.Commit()
	})
}

// Rebind converts ? placeholders to the driver's bindvar style.
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

// DriverName returns the sqlx driver name.
func (dw *DatabaseWrapper) DriverName() string { return dw.db.DriverName() }

// Stats returns pool statistics.
func (dw *DatabaseWrapper) Stats() sql.DBStats { return dw.db.Stats() }

// Close closes the underlying handle.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool { return dw.cb.IsOpen() }
