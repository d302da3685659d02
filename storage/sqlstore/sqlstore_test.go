package sqlstore_test

import (
	"context"
	"database/sql"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/dialect"
	entsql "github.com/syssam/entwire/dialect/sql"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/serializer"
	"github.com/syssam/entwire/storage"
	"github.com/syssam/entwire/storage/sqlstore"
	"github.com/syssam/entwire/storage/storagetest"
)

var itemType = reflect.TypeOf(storagetest.Item{})

func openSQLite(t *testing.T) *entsql.Driver {
	t.Helper()
	db, err := sql.Open(dialect.SQLite, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return entsql.OpenDB(dialect.SQLite, db)
}

// =============================================================================
// Conformance
// =============================================================================

func TestStore(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T, m storagetest.Mapper) storage.Storage {
		return sqlstore.New(m, openSQLite(t))
	})
}

func TestStoreWithStats(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T, m storagetest.Mapper) storage.Storage {
		return sqlstore.New(m, entsql.NewStatsDriver(openSQLite(t)), sqlstore.WithCache(entwire.NewMemoryCache(), 0))
	})
}

// =============================================================================
// Statements
// =============================================================================

func TestStatements(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()
	ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))
	st := sqlstore.New(ser, entsql.OpenDB(dialect.Postgres, db))
	ctx := context.Background()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "items" ("id" BIGINT NOT NULL PRIMARY KEY, "_seq" BIGINT NOT NULL, "_data" BYTEA NOT NULL, "name" TEXT, "rank" BIGINT)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "items_name" ON "items" ("name")`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "items_rank" ON "items" ("rank")`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT MAX("_seq") FROM "items"`).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(4))
	mock.ExpectQuery(`SELECT MAX("id") FROM "items"`).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(`INSERT INTO "items" ("id", "name", "rank", "_seq", "_data") VALUES ($1, $2, $3, $4, $5)`).
		WithArgs(int64(1), "a", int64(3), int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	it := &storagetest.Item{Name: "a", Rank: 3}
	_, err = st.Add(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, int64(1), it.ID)

	data, err := ser.Marshal(ctx, it)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT "_data" FROM "items" WHERE "name" = $1 ORDER BY "rank" DESC, "_seq" LIMIT 2 OFFSET 1`).
		WithArgs("a").
		WillReturnRows(sqlmock.NewRows([]string{"_data"}).AddRow(data))
	rows, err := st.Range(ctx, itemType, storage.Query{
		Start: 1, Count: 2, OrderBy: "rank", Direction: storage.Desc,
		Filter: map[string]any{"name": "a"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, it, rows[0])

	mock.ExpectQuery(`SELECT COUNT(*) FROM "items" WHERE "rank" = $1`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	n, err := st.Count(ctx, itemType, map[string]any{"rank": 3})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	mock.ExpectQuery(`SELECT "_data" FROM "items" WHERE "id" IN ($1, $2)`).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"_data"}).AddRow(data))
	out, errs := st.GetMany(ctx, itemType, []any{2, 1})
	assert.True(t, entwire.IsNotFound(errs[0]))
	assert.Equal(t, it, out[1])

	mock.ExpectExec(`DELETE FROM "items" WHERE "id" = $1`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.Remove(ctx, it))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTableNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "items", sqlstore.TableName("storagetest.Item"))
	assert.Equal(t, "blog_posts", sqlstore.TableName("BlogPost"))
	assert.Equal(t, "created_at", sqlstore.ColumnName("createdAt"))
	assert.Equal(t, "audit_version", sqlstore.ColumnName("audit.version"))

	ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))
	drv := openSQLite(t)
	st := sqlstore.New(ser, drv, sqlstore.WithTable(itemType, "things"))
	_, err := st.Add(context.Background(), &storagetest.Item{Name: "a"})
	require.NoError(t, err)

	var n int
	require.NoError(t, drv.DB().QueryRow(`SELECT COUNT(*) FROM "things"`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestReopen(t *testing.T) {
	t.Parallel()

	drv := openSQLite(t)
	ctx := context.Background()
	ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))
	_, err := sqlstore.New(ser, drv).Add(ctx, &storagetest.Item{Name: "a"})
	require.NoError(t, err)

	st := sqlstore.New(ser, drv)
	it := &storagetest.Item{Name: "b"}
	_, err = st.Add(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, int64(2), it.ID, "identities continue from the stored maximum")
	rows, err := st.Range(ctx, itemType, storage.Query{Count: storage.All})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].(*storagetest.Item).Name)
}

func TestCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := entwire.NewMemoryCache()
	ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))
	st := sqlstore.New(ser, openSQLite(t), sqlstore.WithCache(cache, 0))
	key := entwire.CacheKey{Table: "items", Operation: "get", ID: "1"}.String()

	it := &storagetest.Item{Name: "a"}
	_, err := st.Add(ctx, it)
	require.NoError(t, err)
	_, err = st.Get(ctx, itemType, 1)
	require.NoError(t, err)
	cached, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, cached)

	it.Name = "b"
	_, err = st.Update(ctx, it)
	require.NoError(t, err)
	cached, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, cached, "updates invalidate the cached entity")

	got, err := st.Get(ctx, itemType, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", got.(*storagetest.Item).Name)
}

func TestDump(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))
	st := sqlstore.New(ser, openSQLite(t))
	for _, name := range []string{"a", "b"} {
		_, err := st.Add(ctx, &storagetest.Item{Name: name})
		require.NoError(t, err)
	}

	blobs, err := st.Dump(ctx, "items")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	got, err := ser.Unmarshal(ctx, itemType, blobs[1])
	require.NoError(t, err)
	assert.Equal(t, "b", got.(*storagetest.Item).Name)

	_, err = st.Dump(ctx, "missing")
	require.Error(t, err)
}
