package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"net"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	pkgerrors "costops/pkg/errors"
)

//go:embed schema.sql
var schema string

// DBTX is a common interface for *sqlx.DB and *sqlx.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Migrate applies the idempotent schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return pkgerrors.Wrap(err, "failed to apply schema")
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// classify maps driver errors onto the error taxonomy. Connection, resource
// and serialization failures are transient; everything else is internal.
func classify(err error, component, message string) error {
	if err == nil {
		return nil
	}
	if pkgerrors.KindOf(err) != pkgerrors.KindUnknown {
		return pkgerrors.Wrap(err, message)
	}
	if isTransient(err) {
		return pkgerrors.NewDomainError(pkgerrors.KindTransient, component, message, err)
	}
	return pkgerrors.NewDomainError(pkgerrors.KindInternal, component, message, err)
}

func isTransient(err error) bool {
	if pkgerrors.Is(err, driver.ErrBadConn) || pkgerrors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if pkgerrors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if pkgerrors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"), // connection exception
			strings.HasPrefix(code, "40"), // transaction rollback (serialization, deadlock)
			strings.HasPrefix(code, "53"), // insufficient resources
			code == "57P01", code == "57P02", code == "57P03": // admin shutdown, crash, cannot connect now
			return true
		}
	}
	return false
}
