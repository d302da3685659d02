// Package dialect names the SQL databases sqlstore can persist entities in
// and defines the driver contract it talks to them through.
//
//	drv, err := sql.Open(dialect.SQLite, "file:entities.db")
//	st, err := sqlstore.New(ser, drv)
//
// Dialects differ in placeholder syntax, identifier quoting and column
// types; dialect/sql hides those differences behind its statement builder.
package dialect

import "context"

// Dialect names.
const (
	MySQL    = "mysql"
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// ExecQuerier executes statements. args is a []any and v receives the
// result: nil or a *sql.Result for Exec, a *sql.Rows for Query.
type ExecQuerier interface {
	Exec(ctx context.Context, query string, args, v any) error
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is a connection to a database of one dialect.
type Driver interface {
	ExecQuerier
	// Tx starts a transaction.
	Tx(ctx context.Context) (Tx, error)
	Close() error
	Dialect() string
}

// Tx is a transaction. Statements issued through it run on a single
// connection until Commit or Rollback.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}

// Known reports whether name is one of the supported dialects.
func Known(name string) bool {
	switch name {
	case MySQL, SQLite, Postgres:
		return true
	}
	return false
}
