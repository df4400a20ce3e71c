package repository

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx. The assignment engine runs
// each pending item inside its own transaction, so every statement that must
// participate in that transaction takes a DBTX instead of binding to the
// pool directly. The stored procedures run through the same handle and
// therefore commit or roll back with the caller.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
