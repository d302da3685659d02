package relation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/queue"
	"github.com/syssam/entwire/storage"
)

type item struct {
	ID   int
	Name string
}

// fakeBackend keeps rows in a slice and counts round trips.
type fakeBackend struct {
	mu      sync.Mutex
	rows    []*item
	next    int
	ranges  int
	counts  int
	failAdd error
}

func newFakeBackend(n int) *fakeBackend {
	b := &fakeBackend{}
	for i := 1; i <= n; i++ {
		b.rows = append(b.rows, &item{ID: i, Name: fmt.Sprintf("item%02d", i)})
	}
	b.next = n
	return b
}

type itemFields struct{}

func (itemFields) Field(entity any, name string) (any, error) {
	it := entity.(*item)
	switch name {
	case "id":
		return it.ID, nil
	case "name":
		return it.Name, nil
	}
	return nil, fmt.Errorf("no field %q", name)
}

func (b *fakeBackend) all() []any {
	out := make([]any, len(b.rows))
	for i, r := range b.rows {
		out[i] = r
	}
	return out
}

func (b *fakeBackend) Count(_ context.Context, filter map[string]any) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts++
	rows, err := storage.Apply(itemFields{}, b.all(), storage.Query{Count: storage.All, Filter: filter})
	return len(rows), err
}

func (b *fakeBackend) Range(_ context.Context, q storage.Query) ([]*item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ranges++
	rows, err := storage.Apply(itemFields{}, b.all(), q)
	if err != nil {
		return nil, err
	}
	out := make([]*item, len(rows))
	for i, r := range rows {
		out[i] = r.(*item)
	}
	return out, nil
}

func (b *fakeBackend) Get(_ context.Context, id any) (*item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rows {
		if storage.Key(r.ID) == storage.Key(id) {
			return r, nil
		}
	}
	return nil, entwire.NewNotFoundErrorWithID("item", id)
}

func (b *fakeBackend) Add(_ context.Context, e *item) (*item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAdd != nil {
		return nil, b.failAdd
	}
	if e.ID == 0 {
		b.next++
		e.ID = b.next
	}
	b.rows = append(b.rows, e)
	return e, nil
}

func (b *fakeBackend) Update(_ context.Context, e *item) (*item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.rows {
		if r.ID == e.ID {
			b.rows[i] = e
			return e, nil
		}
	}
	b.rows = append(b.rows, e)
	return e, nil
}

func (b *fakeBackend) Remove(_ context.Context, e *item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.rows {
		if r.ID == e.ID {
			b.rows = append(b.rows[:i], b.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *fakeBackend) Clear(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = nil
	return nil
}

func (b *fakeBackend) ID(e *item) (any, error) { return e.ID, nil }

func (b *fakeBackend) Field(e *item, name string) (any, error) {
	return itemFields{}.Field(e, name)
}

func (b *fakeBackend) stats() (ranges, counts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ranges, b.counts
}

// gatedBackend slows down or holds Add. delay runs before the row is
// stored; when stored is set, Add closes it after storing the row and
// waits for release.
type gatedBackend struct {
	*fakeBackend
	delay   time.Duration
	stored  chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Add(ctx context.Context, e *item) (*item, error) {
	time.Sleep(b.delay)
	out, err := b.fakeBackend.Add(ctx, e)
	if b.stored != nil {
		close(b.stored)
		<-b.release
	}
	return out, err
}

func (b *fakeBackend) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

func names(items []*item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

// =============================================================================
// Storage Required Tests
// =============================================================================

func TestListWithoutStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var l List[*item]

	_, err := l.Count(ctx)
	assert.ErrorIs(t, err, entwire.ErrStorageRequired)
	assert.True(t, entwire.IsInvalidOperation(err))

	assert.ErrorIs(t, l.Add(ctx, &item{}), entwire.ErrStorageRequired)
	assert.ErrorIs(t, l.Clear(ctx), entwire.ErrStorageRequired)

	_, err = l.Range(ctx, storage.Query{Count: 5})
	assert.ErrorIs(t, err, entwire.ErrStorageRequired)

	rows, err := l.Range(ctx, storage.Query{Count: 0})
	require.NoError(t, err, "zero count never needs storage")
	assert.Empty(t, rows)

	require.NoError(t, l.Bind(BindConfig{}))
	_, err = l.Get(ctx, 1)
	assert.ErrorIs(t, err, entwire.ErrStorageRequired)
}

// =============================================================================
// Bulk Tests
// =============================================================================

func TestListBulkLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newFakeBackend(25)
	l := New[*item](b, Options{BulkLoad: true, BufferSize: 10})

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	ranges, counts := b.stats()
	assert.Equal(t, 1, ranges, "first count fetches everything once")
	assert.Zero(t, counts)

	for start, want := range map[int]int{0: 10, 10: 10, 20: 5} {
		rows, err := l.Range(ctx, storage.Query{Start: start, Count: 10})
		require.NoError(t, err)
		assert.Len(t, rows, want, "window at %d", start)
	}
	ranges, _ = b.stats()
	assert.Equal(t, 1, ranges, "later reads are served from memory")

	ok, err := l.Contains(ctx, &item{ID: 7})
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := l.Get(ctx, int64(7))
	require.NoError(t, err)
	assert.Equal(t, "item07", got.Name)
	_, err = l.Get(ctx, 99)
	assert.True(t, entwire.IsNotFound(err))

	t.Run("first range ignores window", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(25)
		l := New[*item](b, Options{BulkLoad: true})
		rows, err := l.Range(ctx, storage.Query{Start: 20, Count: 10})
		require.NoError(t, err)
		assert.Len(t, rows, 5)
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 25, n)
		ranges, _ := b.stats()
		assert.Equal(t, 1, ranges)
	})

	t.Run("ordering and filters in memory", func(t *testing.T) {
		t.Parallel()
		l := New[*item](newFakeBackend(5), Options{BulkLoad: true})
		rows, err := l.Range(ctx, storage.Query{Count: 2, OrderBy: "name", Direction: storage.Desc})
		require.NoError(t, err)
		assert.Equal(t, []string{"item05", "item04"}, names(rows))
		rows, err = l.Range(ctx, storage.Query{Count: storage.All, Filter: map[string]any{"id": 3}})
		require.NoError(t, err)
		assert.Equal(t, []string{"item03"}, names(rows))
	})

	t.Run("mutations update the index", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(3)
		l := New[*item](b, Options{BulkLoad: true})
		require.NoError(t, l.Add(ctx, &item{Name: "new"}))
		require.NoError(t, l.Remove(ctx, &item{ID: 1}))
		require.NoError(t, l.Update(ctx, &item{ID: 50, Name: "upserted"}))
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		rows, err := l.Range(ctx, storage.Query{Count: storage.All})
		require.NoError(t, err)
		assert.Equal(t, []string{"item02", "item03", "new", "upserted"}, names(rows))
		ranges, _ := b.stats()
		assert.Equal(t, 1, ranges)
	})
}

// =============================================================================
// Delayed Write Tests
// =============================================================================

func TestListPendingAdd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("visible before flush and gone after failure", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(3)
		b.failAdd = errors.New("disk full")
		q := queue.NewBatcher()
		var failed []any
		l := New[*item](b, Options{
			Queue:          q,
			OnWriteFailure: func(e any, err error) { failed = append(failed, e) },
		})

		e := &item{Name: "pending"}
		require.NoError(t, l.Add(ctx, e))
		rows, err := l.Range(ctx, storage.Query{Count: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"item01", "item02", "item03", "pending"}, names(rows))
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		err = q.Flush(ctx)
		require.Error(t, err)
		assert.Equal(t, []any{e}, failed)

		rows, err = l.Range(ctx, storage.Query{Count: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"item01", "item02", "item03"}, names(rows))
	})

	t.Run("committed write is not duplicated", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(1)
		q := queue.NewBatcher()
		l := New[*item](b, Options{Queue: q})
		require.NoError(t, l.Add(ctx, &item{Name: "later"}))
		require.NoError(t, q.Flush(ctx))

		rows, err := l.Range(ctx, storage.Query{Count: storage.All})
		require.NoError(t, err)
		assert.Equal(t, []string{"item01", "later"}, names(rows))
		assert.Equal(t, 2, rows[1].ID)
	})

	t.Run("add and update both land", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(0)
		q := queue.NewBatcher()
		l := New[*item](b, Options{Queue: q})
		require.NoError(t, l.Add(ctx, &item{Name: "a"}))
		require.NoError(t, l.Update(ctx, &item{ID: 9, Name: "b"}))
		require.NoError(t, q.Flush(ctx))
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("paging terminates over pending rows", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(3)
		l := New[*item](b, Options{Queue: queue.NewBatcher(), BufferSize: 2})
		require.NoError(t, l.Add(ctx, &item{Name: "p1"}))
		require.NoError(t, l.Add(ctx, &item{Name: "p2"}))

		var got []string
		for e, err := range l.All(ctx) {
			require.NoError(t, err)
			got = append(got, e.Name)
		}
		assert.Equal(t, []string{"item01", "item02", "item03", "p1", "p2"}, got)
	})

	t.Run("immediate queue", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(0)
		b.failAdd = errors.New("rejected")
		var failures int
		l := New[*item](b, Options{
			Queue:          queue.Immediate{},
			OnWriteFailure: func(any, error) { failures++ },
		})
		require.NoError(t, l.Add(ctx, &item{Name: "x"}), "deferred failures never reach the caller")
		assert.Equal(t, 1, failures)
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("rolled back add fires no added hook", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(0)
		b.failAdd = errors.New("rejected")
		l := New[*item](b, Options{Queue: queue.Immediate{}})
		var added []string
		l.SetHooks(Hooks[*item]{Added: func(e *item) { added = append(added, e.Name) }})

		require.NoError(t, l.Add(ctx, &item{Name: "x"}))
		assert.Empty(t, added)

		b.mu.Lock()
		b.failAdd = nil
		b.mu.Unlock()
		require.NoError(t, l.Add(ctx, &item{Name: "y"}))
		assert.Equal(t, []string{"y"}, added)
	})

	t.Run("add then remove reaches storage in order", func(t *testing.T) {
		t.Parallel()
		b := &gatedBackend{fakeBackend: newFakeBackend(0), delay: 5 * time.Millisecond}
		q := queue.NewBatcher()
		l := New[*item](b, Options{Queue: q})

		e := &item{Name: "gone"}
		require.NoError(t, l.Add(ctx, e))
		require.NoError(t, l.Remove(ctx, e))
		require.NoError(t, q.Flush(ctx))

		assert.Zero(t, b.size(), "removed entity must not stay persisted")
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("add then update stores one row", func(t *testing.T) {
		t.Parallel()
		b := &gatedBackend{fakeBackend: newFakeBackend(0), delay: 5 * time.Millisecond}
		q := queue.NewBatcher()
		l := New[*item](b, Options{Queue: q})

		e := &item{ID: 5, Name: "first"}
		require.NoError(t, l.Add(ctx, e))
		require.NoError(t, l.Update(ctx, &item{ID: 5, Name: "second"}))
		require.NoError(t, q.Flush(ctx))

		rows, err := b.Range(ctx, storage.Query{Count: storage.All})
		require.NoError(t, err)
		assert.Equal(t, []string{"second"}, names(rows))
	})

	t.Run("count during commit is not doubled", func(t *testing.T) {
		t.Parallel()
		b := &gatedBackend{
			fakeBackend: newFakeBackend(2),
			stored:      make(chan struct{}),
			release:     make(chan struct{}),
		}
		q := queue.NewBatcher()
		l := New[*item](b, Options{Queue: q})
		require.NoError(t, l.Add(ctx, &item{Name: "slow"}))

		flushed := make(chan error, 1)
		go func() { flushed <- q.Flush(ctx) }()
		<-b.stored

		counted := make(chan int, 1)
		go func() {
			n, err := l.Count(ctx)
			if err != nil {
				n = -1
			}
			counted <- n
		}()

		var got []int
		select {
		case n := <-counted:
			got = append(got, n)
		case <-time.After(20 * time.Millisecond):
		}
		close(b.release)
		require.NoError(t, <-flushed)
		if len(got) == 0 {
			got = append(got, <-counted)
		}
		assert.Equal(t, []int{3}, got)
	})
}

// =============================================================================
// Count Tests
// =============================================================================

func TestListCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("uncached asks every time", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(4)
		l := New[*item](b, DefaultOptions())
		for range 3 {
			n, err := l.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
		}
		_, counts := b.stats()
		assert.Equal(t, 3, counts)
	})

	t.Run("cached count tracks mutations", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(4)
		l := New[*item](b, Options{CacheCount: true})
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		require.NoError(t, l.Add(ctx, &item{Name: "e"}))
		require.NoError(t, l.Remove(ctx, &item{ID: 1}))
		require.NoError(t, l.Remove(ctx, &item{ID: 2}))
		n, err = l.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		_, counts := b.stats()
		assert.Equal(t, 1, counts)

		l.Reset()
		_, err = l.Count(ctx)
		require.NoError(t, err)
		_, counts = b.stats()
		assert.Equal(t, 2, counts)
	})

	t.Run("clear invalidates", func(t *testing.T) {
		t.Parallel()
		b := newFakeBackend(4)
		cleared := false
		l := New[*item](b, Options{CacheCount: true})
		l.SetHooks(Hooks[*item]{Cleared: func() { cleared = true }})
		_, err := l.Count(ctx)
		require.NoError(t, err)
		require.NoError(t, l.Clear(ctx))
		assert.True(t, cleared)
		n, err := l.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

// =============================================================================
// Hook Tests
// =============================================================================

func TestListHooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newFakeBackend(2)
	l := New[*item](b, DefaultOptions())

	var added, removed []string
	l.SetHooks(Hooks[*item]{
		Adding:   func(e *item) bool { return e.Name != "veto" },
		Added:    func(e *item) { added = append(added, e.Name) },
		Removing: func(e *item) bool { return e.ID != 1 },
		Removed:  func(e *item) { removed = append(removed, e.Name) },
	})

	require.NoError(t, l.Add(ctx, &item{Name: "veto"}))
	require.NoError(t, l.Add(ctx, &item{Name: "ok"}))
	require.NoError(t, l.Remove(ctx, b.rows[0]))
	require.NoError(t, l.Remove(ctx, b.rows[1]))

	assert.Equal(t, []string{"ok"}, added)
	assert.Equal(t, []string{"item02"}, removed)
	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// =============================================================================
// Read Tests
// =============================================================================

func TestListReads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newFakeBackend(7)
	l := New[*item](b, Options{BufferSize: 3})

	var got []string
	for e, err := range l.All(ctx) {
		require.NoError(t, err)
		got = append(got, e.Name)
	}
	assert.Len(t, got, 7)
	ranges, _ := b.stats()
	assert.Equal(t, 4, ranges, "three chunks and the terminating empty one")

	for e, err := range l.All(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "item01", e.Name)
		break
	}

	ok, err := l.Contains(ctx, &item{ID: 3})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Contains(ctx, &item{ID: 30})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l.Contains(ctx, &item{})
	require.NoError(t, err)
	assert.False(t, ok)

	it, err := l.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "item02", it.Name)
}
