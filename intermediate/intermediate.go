// Package intermediate provides the flat, field-addressable value bag that
// sits between the serializer, field factories and stream codecs.
//
// A Collection is an ordered list of named items. Item values are scalars,
// nested *Collection values, sequences ([]any) or the Void sentinel:
//
//	c := intermediate.New()
//	c.Add("x", int64(3))
//	c.Add("y", int64(4))
//	v, ok := c.Get("x") // 3, true
package intermediate

import (
	"reflect"
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// Void is the source value of fields that carry no data, such as
// one-to-many relations. Codecs never persist Void items.
type Void struct{}

// VoidType is the reflect.Type of Void.
var VoidType = reflect.TypeOf(Void{})

// IsVoid reports whether v is the Void sentinel.
func IsVoid(v any) bool {
	_, ok := v.(Void)
	return ok
}

// Item is a single named value.
type Item struct {
	Name  string
	Value any
}

// Collection is an ordered list of items addressable by name.
// Duplicate names are allowed; lookups return the first match.
// A Collection is not safe for concurrent mutation.
type Collection struct {
	items []Item
}

// New returns a collection holding the given items.
func New(items ...Item) *Collection {
	return &Collection{items: items}
}

// Add appends an item.
func (c *Collection) Add(name string, value any) {
	c.items = append(c.items, Item{Name: name, Value: value})
}

// Set replaces the value of the first item with the given name, or appends
// a new item when none exists.
func (c *Collection) Set(name string, value any) {
	for i := range c.items {
		if c.items[i].Name == name {
			c.items[i].Value = value
			return
		}
	}
	c.Add(name, value)
}

// Get returns the value of the first item with the given name.
func (c *Collection) Get(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	for _, it := range c.items {
		if it.Name == name {
			return it.Value, true
		}
	}
	return nil, false
}

// GetFold is like Get but compares names under Unicode case folding.
func (c *Collection) GetFold(name string) (any, bool) {
	if v, ok := c.Get(name); ok {
		return v, true
	}
	if c == nil {
		return nil, false
	}
	// A Caser is stateful, so each lookup gets its own.
	folder := cases.Fold()
	want := folder.String(name)
	for _, it := range c.items {
		if folder.String(it.Name) == want {
			return it.Value, true
		}
	}
	return nil, false
}

// Remove deletes every item with the given name and reports whether any
// item was removed.
func (c *Collection) Remove(name string) bool {
	n := len(c.items)
	c.items = slices.DeleteFunc(c.items, func(it Item) bool { return it.Name == name })
	return len(c.items) != n
}

// Items returns the items in order. The returned slice must not be modified.
func (c *Collection) Items() []Item {
	if c == nil {
		return nil
	}
	return c.items
}

// Len returns the number of items.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Names returns the item names in order.
func (c *Collection) Names() []string {
	names := make([]string, len(c.items))
	for i, it := range c.items {
		names[i] = it.Name
	}
	return names
}

// SortByName orders items alphabetically by name. The sort is stable, so
// duplicates keep their relative order.
func (c *Collection) SortByName() {
	slices.SortStableFunc(c.items, func(a, b Item) int {
		return strings.Compare(a.Name, b.Name)
	})
}

// Clone returns a deep copy; nested collections and sequences are copied,
// scalar values are shared.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	out := &Collection{items: make([]Item, len(c.items))}
	for i, it := range c.items {
		out.items[i] = Item{Name: it.Name, Value: cloneValue(it.Value)}
	}
	return out
}

// Empty reports whether every item value is nil, Void or the zero value of
// its type. Nested collections are empty when they are recursively empty.
func (c *Collection) Empty() bool {
	for _, it := range c.items {
		if !IsEmptyValue(it.Value) {
			return false
		}
	}
	return true
}

// IsEmptyValue reports whether v carries no information.
func IsEmptyValue(v any) bool {
	switch v := v.(type) {
	case nil, Void:
		return true
	case *Collection:
		return v == nil || v.Empty()
	case []any:
		return len(v) == 0
	}
	rv := reflect.ValueOf(v)
	return rv.IsZero()
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case *Collection:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}
