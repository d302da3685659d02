// Package storagetest is a conformance suite for storage.Storage
// implementations.
//
//	func TestStore(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T, m storagetest.Mapper) storage.Storage {
//			return memstore.New(m)
//		})
//	}
package storagetest

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/serializer"
	"github.com/syssam/entwire/storage"
)

// Item is an entity with an integer identity and two indexed fields.
type Item struct {
	ID   int64
	Name string `entwire:"name,index"`
	Rank int    `entwire:"rank,index"`
	Note string
}

// Doc is an entity with a UUID identity and a unique field.
type Doc struct {
	ID    uuid.UUID
	Title string `entwire:"title,index,unique"`
}

var (
	itemType = reflect.TypeOf(Item{})
	docType  = reflect.TypeOf(Doc{})
)

// Mapper is the serializer handed to store factories.
type Mapper = *serializer.Serializer

// Factory returns an empty store reading entities through m.
type Factory func(t *testing.T, m Mapper) storage.Storage

// Run exercises the store returned by newStore.
func Run(t *testing.T, newStore Factory) {
	setup := func(t *testing.T) (storage.Storage, *recorder) {
		ser := serializer.New(serializer.WithRegistry(schema.NewRegistry()))
		st := newStore(t, ser)
		ser.SetStorage(st)
		rec := &recorder{}
		t.Cleanup(st.Subscribe(rec.record))
		return st, rec
	}
	ctx := context.Background()

	t.Run("AddGet", func(t *testing.T) {
		st, rec := setup(t)
		in := &Item{Name: "a", Rank: 2, Note: "n"}
		out, err := st.Add(ctx, in)
		require.NoError(t, err)
		assert.Same(t, in, out)
		assert.Equal(t, int64(1), in.ID)

		got, err := st.Get(ctx, itemType, 1)
		require.NoError(t, err)
		assert.Equal(t, in, got)
		assert.NotSame(t, in, got)
		assert.Equal(t, []storage.EventKind{storage.Added}, rec.kinds())
	})

	t.Run("ExplicitIdentity", func(t *testing.T) {
		st, _ := setup(t)
		_, err := st.Add(ctx, &Item{ID: 10, Name: "a"})
		require.NoError(t, err)
		next := &Item{Name: "b"}
		_, err = st.Add(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, int64(11), next.ID)

		_, err = st.Add(ctx, &Item{ID: 10, Name: "c"})
		assert.True(t, entwire.IsConstraintError(err), "got %v", err)
	})

	t.Run("UUIDIdentity", func(t *testing.T) {
		st, _ := setup(t)
		d := &Doc{Title: "t"}
		_, err := st.Add(ctx, d)
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, d.ID)

		got, err := st.Get(ctx, docType, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d, got)
		got, err = st.Get(ctx, docType, d.ID.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	})

	t.Run("NotFound", func(t *testing.T) {
		st, _ := setup(t)
		_, err := st.Get(ctx, itemType, 7)
		assert.True(t, entwire.IsNotFound(err))
		_, err = st.Find(ctx, itemType, map[string]any{"name": "x"})
		assert.True(t, entwire.IsNotFound(err))
	})

	t.Run("InvalidEntity", func(t *testing.T) {
		st, _ := setup(t)
		_, err := st.Add(ctx, Item{})
		assert.True(t, entwire.IsInvalidOperation(err))
		_, err = st.Update(ctx, (*Item)(nil))
		assert.True(t, entwire.IsInvalidOperation(err))
	})

	t.Run("GetMany", func(t *testing.T) {
		st, _ := setup(t)
		fill(t, st, "a", "b", "c")
		out, errs := storage.GetMany(ctx, st, itemType, []any{3, 9, 1})
		require.Len(t, out, 3)
		assert.Equal(t, "c", out[0].(*Item).Name)
		assert.Nil(t, out[1])
		assert.True(t, entwire.IsNotFound(errs[1]))
		assert.Equal(t, "a", out[2].(*Item).Name)
		assert.NoError(t, errs[0])
		assert.NoError(t, errs[2])
	})

	t.Run("FindCount", func(t *testing.T) {
		st, _ := setup(t)
		fill(t, st, "a", "b", "b")
		got, err := st.Find(ctx, itemType, map[string]any{"name": "b"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.(*Item).ID)

		n, err := st.Count(ctx, itemType, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = st.Count(ctx, itemType, map[string]any{"name": "b"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = st.Count(ctx, itemType, map[string]any{"note": "b!"})
		require.NoError(t, err)
		assert.Equal(t, 2, n, "filter on an unindexed field")
		n, err = st.Count(ctx, docType, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Range", func(t *testing.T) {
		st, _ := setup(t)
		fill(t, st, "a", "b", "c", "d", "e")

		rows, err := st.Range(ctx, itemType, storage.Query{Count: storage.All})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, itemNames(rows))

		rows, err = st.Range(ctx, itemType, storage.Query{Start: 1, Count: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, itemNames(rows))

		rows, err = st.Range(ctx, itemType, storage.Query{Start: 3, Count: storage.All})
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "e"}, itemNames(rows))

		rows, err = st.Range(ctx, itemType, storage.Query{Count: 2, OrderBy: "rank", Direction: storage.Desc})
		require.NoError(t, err)
		assert.Equal(t, []string{"e", "d"}, itemNames(rows))

		rows, err = st.Range(ctx, itemType, storage.Query{Count: storage.All, OrderBy: "note", Direction: storage.Desc, Filter: map[string]any{"note": "c!"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, itemNames(rows))

		rows, err = st.Range(ctx, itemType, storage.Query{Start: 10, Count: 2})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("Update", func(t *testing.T) {
		st, rec := setup(t)
		it := &Item{Name: "a"}
		_, err := st.Add(ctx, it)
		require.NoError(t, err)
		it.Name = "z"
		_, err = st.Update(ctx, it)
		require.NoError(t, err)
		got, err := st.Find(ctx, itemType, map[string]any{"name": "z"})
		require.NoError(t, err)
		assert.Equal(t, it.ID, got.(*Item).ID)

		fresh := &Item{ID: 5, Name: "new"}
		_, err = st.Update(ctx, fresh)
		require.NoError(t, err)
		rows, err := st.Range(ctx, itemType, storage.Query{Count: storage.All})
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "new"}, itemNames(rows), "updates keep insertion order")
		assert.Equal(t, []storage.EventKind{storage.Added, storage.Updated, storage.Added}, rec.kinds())
	})

	t.Run("Remove", func(t *testing.T) {
		st, rec := setup(t)
		items := fill(t, st, "a", "b")
		require.NoError(t, st.Remove(ctx, items[0]))
		require.NoError(t, st.Remove(ctx, items[0]), "removing twice is not an error")
		_, err := st.Get(ctx, itemType, items[0].ID)
		assert.True(t, entwire.IsNotFound(err))
		n, err := st.Count(ctx, itemType, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []storage.EventKind{storage.Added, storage.Added, storage.Removed}, rec.kinds())
	})

	t.Run("Clear", func(t *testing.T) {
		st, rec := setup(t)
		fill(t, st, "a", "b")
		require.NoError(t, st.Clear(ctx, itemType))
		n, err := st.Count(ctx, itemType, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		it := &Item{Name: "c"}
		_, err = st.Add(ctx, it)
		require.NoError(t, err)
		assert.Equal(t, int64(3), it.ID, "identities are not reused after a clear")
		kinds := rec.kinds()
		assert.Equal(t, storage.Cleared, kinds[2])
	})

	t.Run("Cancelled", func(t *testing.T) {
		st, _ := setup(t)
		fill(t, st, "a")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := st.Range(cctx, itemType, storage.Query{Count: storage.All})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// fill adds one Item per name. Rank follows the position and Note is the
// name followed by "!".
func fill(t *testing.T, st storage.Storage, names ...string) []*Item {
	t.Helper()
	out := make([]*Item, len(names))
	for i, n := range names {
		out[i] = &Item{Name: n, Rank: i, Note: n + "!"}
		_, err := st.Add(context.Background(), out[i])
		require.NoError(t, err)
	}
	return out
}

func itemNames(rows []any) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.(*Item).Name
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []storage.Event
}

func (r *recorder) record(e storage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []storage.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
