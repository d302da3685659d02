package badgerstore_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/serializer"
	"github.com/syssam/entwire/storage"
	"github.com/syssam/entwire/storage/badgerstore"
	"github.com/syssam/entwire/storage/storagetest"
)

func TestStore(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T, m storagetest.Mapper) storage.Storage {
		st, err := badgerstore.Open(m, badgerstore.InMemoryConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestPersistence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	itemType := reflect.TypeOf(storagetest.Item{})
	ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))

	cfg := badgerstore.DefaultConfig(dir)
	cfg.GCInterval = time.Hour
	st, err := badgerstore.Open(ser, cfg)
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c"} {
		_, err := st.Add(ctx, &storagetest.Item{Name: name})
		require.NoError(t, err)
	}
	require.NoError(t, st.Remove(ctx, &storagetest.Item{ID: 3}))
	require.NoError(t, st.Close())

	st, err = badgerstore.Open(ser, badgerstore.DefaultConfig(dir))
	require.NoError(t, err)
	defer st.Close()

	rows, err := st.Range(ctx, itemType, storage.Query{Count: storage.All})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].(*storagetest.Item).Name)

	it := &storagetest.Item{Name: "d"}
	_, err = st.Add(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, int64(4), it.ID, "counters survive a reopen")
	rows, err = st.Range(ctx, itemType, storage.Query{Count: storage.All})
	require.NoError(t, err)
	assert.Equal(t, "d", rows[2].(*storagetest.Item).Name)
}

func TestConfig(t *testing.T) {
	t.Parallel()

	cfg := badgerstore.DefaultConfig("/data")
	assert.Equal(t, "/data", cfg.Path)
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, 5*time.Minute, cfg.GCInterval)
	assert.InDelta(t, 0.5, cfg.GCDiscardRatio, 1e-9)

	mem := badgerstore.InMemoryConfig()
	assert.True(t, mem.InMemory)
	assert.Zero(t, mem.GCInterval)

	_, err := badgerstore.OpenDB(badgerstore.Config{})
	require.Error(t, err)

	bad := badgerstore.DefaultConfig(t.TempDir())
	bad.GCDiscardRatio = 2
	_, err = badgerstore.Open(nil, bad)
	require.Error(t, err)
}

func TestExternalDB(t *testing.T) {
	t.Parallel()

	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))
	st := badgerstore.New(ser, db)
	ctx := context.Background()
	_, err = st.Add(ctx, &storagetest.Item{Name: "a"})
	require.NoError(t, err)

	blobs, err := st.Dump(ctx, ser.TypeName(reflect.TypeOf(storagetest.Item{})))
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	got, err := ser.Unmarshal(ctx, reflect.TypeOf(storagetest.Item{}), blobs[0])
	require.NoError(t, err)
	assert.Equal(t, "a", got.(*storagetest.Item).Name)

	require.NoError(t, st.Close())
	assert.False(t, db.IsClosed(), "a store does not close a database it was given")
	assert.Same(t, db, st.DB())
}
