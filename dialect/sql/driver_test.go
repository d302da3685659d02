package sql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire/dialect"
)

// =============================================================================
// Driver
// =============================================================================

func TestWithVars(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	drv := OpenDB(dialect.Postgres, db)

	t.Run("pinned_connection", func(t *testing.T) {
		mock.ExpectExec("SET foo = 'bar'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SET foo = 'baz'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
		mock.ExpectExec("RESET foo").WillReturnResult(sqlmock.NewResult(0, 0))
		ctx := WithVar(WithVar(context.Background(), "foo", "bar"), "foo", "baz")
		v, ok := VarFromContext(ctx, "foo")
		require.True(t, ok)
		assert.Equal(t, "baz", v)

		rows := &Rows{}
		require.NoError(t, drv.Query(ctx, "SELECT 1", []any{}, rows))
		require.NoError(t, rows.Close(), "closing rows releases the connection")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exec", func(t *testing.T) {
		mock.ExpectExec("SET foo = 'qux'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM points").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("RESET foo").WillReturnResult(sqlmock.NewResult(0, 0))
		err := drv.Exec(WithVar(context.Background(), "foo", "qux"), "DELETE FROM points", []any{}, nil)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transaction", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET foo = 'bar'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
		mock.ExpectCommit()
		tx, err := drv.Tx(context.Background())
		require.NoError(t, err)
		rows := &Rows{}
		require.NoError(t, tx.Query(WithVar(context.Background(), "foo", "bar"), "SELECT 1", []any{}, rows))
		require.NoError(t, tx.Commit())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("escaped_value", func(t *testing.T) {
		mock.ExpectExec("SET foo = 'it''s'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
		mock.ExpectExec("RESET foo").WillReturnResult(sqlmock.NewResult(0, 0))
		rows := &Rows{}
		require.NoError(t, drv.Query(WithVar(context.Background(), "foo", "it's"), "SELECT 1", []any{}, rows))
		require.NoError(t, rows.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid_name", func(t *testing.T) {
		rows := &Rows{}
		err := drv.Query(WithVar(context.Background(), "foo; DROP TABLE points", "bar"), "SELECT 1", []any{}, rows)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid session variable name")
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	_, err := Open("oracle", "dsn")
	require.Error(t, err)

	drv, err := Open(dialect.SQLite, "file::memory:")
	require.NoError(t, err)
	defer drv.Close()
	assert.Equal(t, dialect.SQLite, drv.Dialect())
}

func TestOpenDB(t *testing.T) {
	t.Parallel()

	for _, name := range []string{dialect.Postgres, dialect.MySQL, dialect.SQLite} {
		t.Run(name, func(t *testing.T) {
			db, _, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			assert.Equal(t, name, OpenDB(name, db).Dialect())
		})
	}
}

func TestExecQuery(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	drv := OpenDB(dialect.Postgres, db)
	ctx := context.Background()

	t.Run("query_with_args", func(t *testing.T) {
		mock.ExpectQuery(`SELECT "data" FROM "points" WHERE "id" = \$1`).
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte{1}))
		rows := &Rows{}
		require.NoError(t, drv.Query(ctx, `SELECT "data" FROM "points" WHERE "id" = $1`, []any{1}, rows))
		require.True(t, rows.Next())
		var data []byte
		require.NoError(t, rows.Scan(&data))
		assert.Equal(t, []byte{1}, data)
		require.NoError(t, rows.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exec_result", func(t *testing.T) {
		mock.ExpectExec("DELETE").WillReturnResult(sqlmock.NewResult(0, 3))
		var res Result
		require.NoError(t, drv.Exec(ctx, "DELETE FROM points", []any{}, &res))
		n, err := res.RowsAffected()
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("invalid_args", func(t *testing.T) {
		assert.Error(t, drv.Exec(ctx, "DELETE FROM points", 1, nil))
		assert.Error(t, drv.Exec(ctx, "DELETE FROM points", []any{}, new(int)))
		assert.Error(t, drv.Query(ctx, "SELECT 1", []any{}, new(int)))
	})

	t.Run("errors_wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		mock.ExpectExec("DELETE").WillReturnError(boom)
		err := drv.Exec(ctx, "DELETE FROM points", []any{}, nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestTransaction(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	drv := OpenDB(dialect.MySQL, db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	tx, err := drv.Tx(context.Background())
	require.NoError(t, err)
	require.Error(t, tx.Exec(context.Background(), "INSERT INTO points VALUES (1)", []any{}, nil))
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidIdent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"foo", true},
		{"schema.table", true},
		{"_private", true},
		{"", false},
		{"1foo", false},
		{"foo bar", false},
		{"foo;DROP", false},
		{string(make([]byte, 129)), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, validIdent(tt.in), tt.in)
	}
	assert.Equal(t, `it''s a \\test`, escape(`it's a \test`))
}

// =============================================================================
// Constraint errors
// =============================================================================

func TestConstraintErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		unique  bool
		foreign bool
		check   bool
	}{
		{"pq_unique", &pq.Error{Code: "23505"}, true, false, false},
		{"pq_foreign", &pq.Error{Code: "23503"}, false, true, false},
		{"pq_other", &pq.Error{Code: "42P01"}, false, false, false},
		{"mysql_duplicate", &mysql.MySQLError{Number: 1062}, true, false, false},
		{"mysql_check", fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: 3819}), false, false, true},
		{"sqlite_message", errors.New("constraint failed: UNIQUE constraint failed: points.id"), true, false, false},
		{"plain", errors.New("boom"), false, false, false},
		{"nil", nil, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.unique, IsUniqueConstraintError(tt.err))
			assert.Equal(t, tt.foreign, IsForeignKeyConstraintError(tt.err))
			assert.Equal(t, tt.check, IsCheckConstraintError(tt.err))
			assert.Equal(t, tt.unique || tt.foreign || tt.check, IsConstraintError(tt.err))
		})
	}
}

// =============================================================================
// Stats
// =============================================================================

func TestStatsDriver(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	drv := NewStatsDriver(OpenDB(dialect.SQLite, db), WithLogger(logger), WithSlowThreshold(time.Hour), WithDebug())
	ctx := context.Background()

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("DELETE").WillReturnError(errors.New("boom"))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	rows := &Rows{}
	require.NoError(t, drv.Query(ctx, "SELECT 1", []any{}, rows))
	require.NoError(t, rows.Close())
	require.Error(t, drv.Exec(ctx, "DELETE FROM points", []any{}, nil))
	tx, err := drv.Tx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Exec(ctx, "DELETE FROM points", []any{}, nil))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())

	s := drv.Stats().Snapshot()
	assert.Equal(t, int64(1), s.Queries)
	assert.Equal(t, int64(2), s.Execs)
	assert.Equal(t, int64(1), s.Errors)
	assert.Zero(t, s.Slow)
	assert.Contains(t, s.String(), "queries=1 execs=2")
	assert.Contains(t, buf.String(), "sql statement")

	drv.SetSlowThreshold(-1)
	assert.Equal(t, time.Duration(-1), drv.SlowThreshold())
	mock.ExpectExec("DELETE").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, drv.Exec(ctx, "DELETE FROM points", []any{}, nil))
	assert.Equal(t, int64(1), drv.Stats().Snapshot().Slow)
	assert.Contains(t, buf.String(), "slow query detected")

	drv.Stats().Reset()
	assert.Zero(t, drv.Stats().Snapshot().Avg())
}
