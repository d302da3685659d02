package storage

import (
	"reflect"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/syssam/entwire/internal/coerce"
)

// Key normalizes an identity value into a comparable map key, so that
// int(1) and int64(1), or a uuid.UUID and its string form, collide.
func Key(id any) any {
	switch v := coerce.Canonical(id).(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}

// Sequence generates integer identities.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next identity, starting at 1.
func (s *Sequence) Next() int64 { return s.n.Add(1) }

// Last returns the most recent identity handed out or observed.
func (s *Sequence) Last() int64 { return s.n.Load() }

// Observe advances the sequence past an explicitly assigned identity.
func (s *Sequence) Observe(id any) {
	n, ok := coerce.Canonical(id).(int64)
	if !ok {
		return
	}
	for {
		cur := s.n.Load()
		if n <= cur || s.n.CompareAndSwap(cur, n) {
			return
		}
	}
}

// AssignID gives entity an identity when it has the zero one: a random
// UUID for uuid.UUID and string identities, the next sequence value for
// integers. It returns the (possibly new) identity.
func AssignID(m Mapper, entity any, seq *Sequence) (any, error) {
	id, err := m.ID(entity)
	if err != nil {
		return nil, err
	}
	if !coerce.IsNil(id) && !reflect.ValueOf(id).IsZero() {
		if seq != nil {
			seq.Observe(id)
		}
		return id, nil
	}
	var next any
	switch id.(type) {
	case uuid.UUID, *uuid.UUID:
		next = uuid.New()
	case string, *string:
		next = uuid.NewString()
	default:
		if seq == nil {
			return id, nil
		}
		next = seq.Next()
	}
	if err := m.SetID(entity, next); err != nil {
		return nil, err
	}
	return m.ID(entity)
}

// Match reports whether every filter field of entity equals the filter
// value.
func Match(m FieldGetter, entity any, filter map[string]any) (bool, error) {
	for name, want := range filter {
		got, err := m.Field(entity, name)
		if err != nil {
			return false, err
		}
		if !coerce.Equal(got, want) {
			return false, nil
		}
	}
	return true, nil
}

// Apply evaluates q over entities held in memory: filter, stable sort,
// then window. entities is not modified.
func Apply(m FieldGetter, entities []any, q Query) ([]any, error) {
	out := make([]any, 0, len(entities))
	for _, e := range entities {
		ok, err := Match(m, e, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	if q.OrderBy != "" {
		keys := make(map[int]any, len(out))
		for i, e := range out {
			v, err := m.Field(e, q.OrderBy)
			if err != nil {
				return nil, err
			}
			keys[i] = v
		}
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			c := coerce.Compare(keys[a], keys[b])
			if q.Direction == Desc {
				return -c
			}
			return c
		})
		sorted := make([]any, len(out))
		for i, j := range idx {
			sorted[i] = out[j]
		}
		out = sorted
	}
	lo, hi := Window(q, len(out))
	return out[lo:hi], nil
}
