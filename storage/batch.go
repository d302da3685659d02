package storage

import (
	"github.com/syssam/entwire"
)

// KeyFunc extracts a key from an entity.
type KeyFunc[K comparable, V any] func(V) K

// OrderByKeys reorders values to match the order of keys. The result has
// the same length as keys; missing values are zero with a NotFoundError.
//
//	rows, _ := queryByIDs(ctx, ids)
//	ordered, errs := storage.OrderByKeys(ids, rows, func(r *row) string { return r.id })
func OrderByKeys[K comparable, V any](keys []K, values []V, keyFn KeyFunc[K, V]) ([]V, []error) {
	lookup := make(map[K]V, len(values))
	for _, v := range values {
		lookup[keyFn(v)] = v
	}
	result := make([]V, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		if v, ok := lookup[key]; ok {
			result[i] = v
		} else {
			errs[i] = entwire.NewNotFoundErrorWithID("entity", key)
		}
	}
	return result, errs
}

// GroupByKey groups values by key, keeping their relative order.
//
//	posts, _ := st.Range(ctx, postType, storage.Query{Count: storage.All})
//	byAuthor := storage.GroupByKey(posts, func(p any) any { return p.(*Post).Author })
func GroupByKey[K comparable, V any](values []V, keyFn KeyFunc[K, V]) map[K][]V {
	result := make(map[K][]V)
	for _, v := range values {
		key := keyFn(v)
		result[key] = append(result[key], v)
	}
	return result
}
