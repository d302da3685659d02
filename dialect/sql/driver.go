// Package sql implements dialect.Driver on top of database/sql and builds
// the statements sqlstore issues. The mysql, lib/pq and modernc sqlite
// drivers are registered by importing this package.
package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	// Registered database/sql drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/syssam/entwire/dialect"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// validIdent reports whether s may be spliced into a statement unquoted.
func validIdent(s string) bool {
	return s != "" && len(s) <= 128 && identRe.MatchString(s)
}

// escape doubles single quotes and backslashes of a literal.
func escape(s string) string {
	if !strings.ContainsAny(s, `'\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", "''")
}

// Driver is a dialect.Driver over a *sql.DB.
type Driver struct {
	Conn
	dialect string
}

// NewDriver returns a Driver issuing statements through c.
func NewDriver(name string, c Conn) *Driver {
	return &Driver{Conn: c, dialect: name}
}

// Open opens a database of the given dialect. The dialect name doubles as
// the database/sql driver name.
func Open(name, source string) (*Driver, error) {
	if !dialect.Known(name) {
		return nil, fmt.Errorf("dialect/sql: unknown dialect %q", name)
	}
	db, err := sql.Open(name, source)
	if err != nil {
		return nil, err
	}
	return OpenDB(name, db), nil
}

// OpenDB wraps an open database.
func OpenDB(name string, db *sql.DB) *Driver {
	return NewDriver(name, Conn{ExecQuerier: db, dialect: name})
}

// DB returns the wrapped database.
func (d *Driver) DB() *sql.DB {
	return d.ExecQuerier.(*sql.DB)
}

// Dialect implements dialect.Driver.
func (d *Driver) Dialect() string {
	for _, name := range []string{dialect.MySQL, dialect.SQLite, dialect.Postgres} {
		if strings.HasPrefix(d.dialect, name) {
			return name
		}
	}
	return d.dialect
}

// Tx implements dialect.Driver.
func (d *Driver) Tx(ctx context.Context) (dialect.Tx, error) {
	return d.BeginTx(ctx, nil)
}

// BeginTx starts a transaction with options.
func (d *Driver) BeginTx(ctx context.Context, opts *TxOptions) (dialect.Tx, error) {
	tx, err := d.DB().BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: begin: %w", err)
	}
	return &Tx{Conn: Conn{ExecQuerier: tx, dialect: d.dialect}, Tx: tx}, nil
}

// Close closes the database.
func (d *Driver) Close() error { return d.DB().Close() }

// Tx is a dialect.Tx over a *sql.Tx.
type Tx struct {
	Conn
	driver.Tx
}

type ctxVarsKey struct{}

type sessionVar struct{ name, value string }

// WithVar returns a context whose statements run after setting the session
// variable name to value. Variables are reset before the connection goes
// back to the pool.
func WithVar(ctx context.Context, name, value string) context.Context {
	vars, _ := ctx.Value(ctxVarsKey{}).([]sessionVar)
	vars = append(vars[:len(vars):len(vars)], sessionVar{name, value})
	return context.WithValue(ctx, ctxVarsKey{}, vars)
}

// VarFromContext returns the last value set for the session variable name.
func VarFromContext(ctx context.Context, name string) (string, bool) {
	vars, _ := ctx.Value(ctxVarsKey{}).([]sessionVar)
	for i := len(vars) - 1; i >= 0; i-- {
		if vars[i].name == name {
			return vars[i].value, true
		}
	}
	return "", false
}

// ExecQuerier is the part of *sql.DB, *sql.Tx and *sql.Conn a Conn uses.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn implements dialect.ExecQuerier.
type Conn struct {
	ExecQuerier
	dialect string
}

// Exec implements dialect.ExecQuerier.
func (c Conn) Exec(ctx context.Context, query string, args, v any) (rerr error) {
	argv, ok := args.([]any)
	if !ok {
		return fmt.Errorf("dialect/sql: invalid args type %T, expect []any", args)
	}
	ex, closer, err := c.session(ctx)
	if err != nil {
		return fmt.Errorf("dialect/sql: exec: set session vars: %w", err)
	}
	if closer != nil {
		defer func() { rerr = errors.Join(rerr, closer()) }()
	}
	switch v := v.(type) {
	case nil:
		if _, err := ex.ExecContext(ctx, query, argv...); err != nil {
			return fmt.Errorf("dialect/sql: exec: %w", err)
		}
	case *sql.Result:
		res, err := ex.ExecContext(ctx, query, argv...)
		if err != nil {
			return fmt.Errorf("dialect/sql: exec: %w", err)
		}
		*v = res
	default:
		return fmt.Errorf("dialect/sql: invalid result type %T, expect *sql.Result", v)
	}
	return nil
}

// Query implements dialect.ExecQuerier. The caller closes the rows.
func (c Conn) Query(ctx context.Context, query string, args, v any) error {
	vr, ok := v.(*Rows)
	if !ok {
		return fmt.Errorf("dialect/sql: invalid result type %T, expect *sql.Rows", v)
	}
	argv, ok := args.([]any)
	if !ok {
		return fmt.Errorf("dialect/sql: invalid args type %T, expect []any", args)
	}
	ex, closer, err := c.session(ctx)
	if err != nil {
		return fmt.Errorf("dialect/sql: query: set session vars: %w", err)
	}
	rows, err := ex.QueryContext(ctx, query, argv...)
	if err != nil {
		if closer != nil {
			err = errors.Join(err, closer())
		}
		return fmt.Errorf("dialect/sql: query: %w", err)
	}
	*vr = Rows{rows}
	if closer != nil {
		vr.ColumnScanner = closingRows{rows, closer}
	}
	return nil
}

// session applies the session variables of ctx. Outside a transaction it
// pins a connection and returns a function resetting the variables and
// releasing it.
func (c Conn) session(ctx context.Context) (ExecQuerier, func() error, error) {
	vars, _ := ctx.Value(ctxVarsKey{}).([]sessionVar)
	if len(vars) == 0 {
		return c, nil, nil
	}
	var (
		ex     ExecQuerier
		closer func() error
	)
	switch e := c.ExecQuerier.(type) {
	case *sql.Tx:
		ex = e
	case *sql.DB:
		conn, err := e.Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		ex, closer = conn, conn.Close
	default:
		return nil, nil, fmt.Errorf("unsupported ExecQuerier %T", c.ExecQuerier)
	}
	release := func(err error) error {
		if closer != nil {
			return errors.Join(err, closer())
		}
		return err
	}
	var reset []string
	seen := make(map[string]bool, len(vars))
	for _, sv := range vars {
		if !validIdent(sv.name) {
			return nil, nil, release(fmt.Errorf("invalid session variable name %q", sv.name))
		}
		if !seen[sv.name] {
			seen[sv.name] = true
			switch c.dialect {
			case dialect.Postgres:
				reset = append(reset, "RESET "+sv.name)
			case dialect.MySQL:
				reset = append(reset, "SET "+sv.name+" = NULL")
			}
		}
		if _, err := ex.ExecContext(ctx, fmt.Sprintf("SET %s = '%s'", sv.name, escape(sv.value))); err != nil {
			return nil, nil, release(err)
		}
	}
	if release := closer; closer != nil && len(reset) > 0 {
		// Reset with a fresh context so a cancelled ctx still returns a
		// clean connection to the pool.
		closer = func() error {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, q := range reset {
				if _, err := ex.ExecContext(rctx, q); err != nil {
					return errors.Join(err, release())
				}
			}
			return release()
		}
	}
	return ex, closer, nil
}

type (
	// Rows wraps *sql.Rows so it can be filled through a pointer.
	Rows struct{ ColumnScanner }
	// Result is an alias of sql.Result.
	Result = sql.Result
	// NullInt64 is an alias of sql.NullInt64.
	NullInt64 = sql.NullInt64
	// NullString is an alias of sql.NullString.
	NullString = sql.NullString
	// TxOptions is an alias of sql.TxOptions.
	TxOptions = sql.TxOptions
)

// ColumnScanner is the part of *sql.Rows statements are read through.
type ColumnScanner interface {
	Close() error
	Columns() ([]string, error)
	Err() error
	Next() bool
	Scan(dest ...any) error
}

type closingRows struct {
	ColumnScanner
	closer func() error
}

func (r closingRows) Close() error {
	return errors.Join(r.ColumnScanner.Close(), r.closer())
}

var (
	_ dialect.Driver = (*Driver)(nil)
	_ dialect.Tx     = (*Tx)(nil)
)
