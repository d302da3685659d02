package storage

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire"
)

type row struct {
	ID   int
	Name string
	Rank int
}

// fields reads row fields by item name.
type fields struct{}

func (fields) Field(entity any, name string) (any, error) {
	r := entity.(*row)
	switch name {
	case "id":
		return r.ID, nil
	case "name":
		return r.Name, nil
	case "rank":
		return r.Rank, nil
	}
	return nil, fmt.Errorf("no field %q", name)
}

// =============================================================================
// OrderByKeys / GroupByKey Tests
// =============================================================================

func TestOrderByKeys(t *testing.T) {
	t.Parallel()

	keyFn := func(r *row) int { return r.ID }

	t.Run("all keys found", func(t *testing.T) {
		t.Parallel()
		rows := []*row{{ID: 3, Name: "c"}, {ID: 1, Name: "a"}, {ID: 2, Name: "b"}}
		result, errs := OrderByKeys([]int{1, 2, 3}, rows, keyFn)
		require.Len(t, result, 3)
		assert.Equal(t, "a", result[0].Name)
		assert.Equal(t, "b", result[1].Name)
		assert.Equal(t, "c", result[2].Name)
		for _, err := range errs {
			assert.NoError(t, err)
		}
	})

	t.Run("some keys missing", func(t *testing.T) {
		t.Parallel()
		result, errs := OrderByKeys([]int{1, 2}, []*row{{ID: 1}}, keyFn)
		assert.NotNil(t, result[0])
		assert.Nil(t, result[1])
		assert.NoError(t, errs[0])
		assert.True(t, entwire.IsNotFound(errs[1]))
	})
}

func TestGroupByKey(t *testing.T) {
	t.Parallel()

	rows := []*row{{ID: 1, Rank: 1}, {ID: 2, Rank: 2}, {ID: 3, Rank: 1}}
	grouped := GroupByKey(rows, func(r *row) int { return r.Rank })
	require.Len(t, grouped, 2)
	assert.Equal(t, []*row{rows[0], rows[2]}, grouped[1])
	assert.Equal(t, []*row{rows[1]}, grouped[2])
}

// =============================================================================
// Query Tests
// =============================================================================

func TestWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		q      Query
		n      int
		lo, hi int
	}{
		{name: "all", q: Query{Count: All}, n: 5, lo: 0, hi: 5},
		{name: "first page", q: Query{Count: 2}, n: 5, lo: 0, hi: 2},
		{name: "last page short", q: Query{Start: 4, Count: 2}, n: 5, lo: 4, hi: 5},
		{name: "past end", q: Query{Start: 9, Count: 2}, n: 5, lo: 5, hi: 5},
		{name: "negative start", q: Query{Start: -3, Count: 1}, n: 5, lo: 0, hi: 1},
		{name: "zero count", q: Query{Start: 1}, n: 5, lo: 1, hi: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lo, hi := Window(tt.q, tt.n)
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	all := []any{
		&row{ID: 1, Name: "b", Rank: 2},
		&row{ID: 2, Name: "a", Rank: 1},
		&row{ID: 3, Name: "c", Rank: 2},
	}
	ids := func(rows []any) []int {
		out := make([]int, len(rows))
		for i, r := range rows {
			out[i] = r.(*row).ID
		}
		return out
	}

	got, err := Apply(fields{}, all, Query{Count: All})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids(got))

	got, err = Apply(fields{}, all, Query{Count: All, OrderBy: "name"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 3}, ids(got))

	got, err = Apply(fields{}, all, Query{Count: 2, OrderBy: "rank", Direction: Desc})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, ids(got), "stable for equal keys")

	got, err = Apply(fields{}, all, Query{Count: All, Filter: map[string]any{"rank": int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, ids(got))

	_, err = Apply(fields{}, all, Query{Count: All, OrderBy: "missing"})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	assert.Equal(t, Key(1), Key(int64(1)))
	assert.Equal(t, Key(id), Key(id.String()))
	assert.Equal(t, "ab", Key([]byte("ab")))
}

func TestSequence(t *testing.T) {
	t.Parallel()

	var s Sequence
	assert.Equal(t, int64(1), s.Next())
	s.Observe(10)
	assert.Equal(t, int64(11), s.Next())
	s.Observe(3)
	s.Observe("x")
	assert.Equal(t, int64(12), s.Next())
}

// =============================================================================
// Event Tests
// =============================================================================

func TestHub(t *testing.T) {
	t.Parallel()

	var h Hub
	var got []EventKind
	cancel := h.Subscribe(func(e Event) { got = append(got, e.Kind) })
	h.Publish(Event{Kind: Added})
	h.Publish(Event{Kind: Removed})
	cancel()
	h.Publish(Event{Kind: Cleared})
	assert.Equal(t, []EventKind{Added, Removed}, got)
	assert.Equal(t, "removed", Removed.String())
	assert.Equal(t, "desc", Desc.String())
}
