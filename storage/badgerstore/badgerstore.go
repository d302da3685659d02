// Package badgerstore implements storage.Storage on an embedded badger
// key-value database.
//
// Every entity type owns a key range named after its type:
//
//	e/<type>/d/<id>   insertion sequence (8 bytes) followed by the encoded entity
//	e/<type>/o/<seq>  identity key, ordering rows by insertion
//	e/<type>/n        last identity and sequence handed out
//
// Queries load the rows of a type and are evaluated in process.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/storage"
)

// Store is a badger backed storage.
type Store struct {
	m      storage.Mapper
	db     *badger.DB
	gc     *gcRunner
	owned  bool
	logger *slog.Logger
	hub    storage.Hub

	// mu guards tables and serializes write transactions so counters
	// are persisted in order. Entities are encoded before it is taken.
	mu     sync.Mutex
	tables map[reflect.Type]*table
}

type table struct {
	prefix []byte
	seq    storage.Sequence
	order  int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns a store over an open database. The caller keeps ownership
// of db.
func New(m storage.Mapper, db *badger.DB, opts ...Option) *Store {
	s := &Store{m: m, db: db, logger: slog.Default(), tables: make(map[reflect.Type]*table)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database described by cfg and returns a store owning it.
func Open(m storage.Mapper, cfg Config, opts ...Option) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	s := New(m, db, opts...)
	s.owned = true
	if cfg.GCInterval > 0 && !cfg.InMemory {
		if s.gc, err = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close stops garbage collection and closes the database if the store
// opened it.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.Stop()
		s.gc = nil
	}
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database.
func (s *Store) DB() *badger.DB { return s.db }

func (tb *table) key(kind byte, rest []byte) []byte {
	k := make([]byte, 0, len(tb.prefix)+2+len(rest))
	k = append(k, tb.prefix...)
	k = append(k, kind, '/')
	return append(k, rest...)
}

func (tb *table) dataKey(id any) []byte {
	return tb.key('d', []byte(fmt.Sprint(storage.Key(id))))
}

func (tb *table) orderKey(seq int64) []byte {
	return tb.key('o', binary.BigEndian.AppendUint64(nil, uint64(seq)))
}

func (tb *table) counterKey() []byte {
	return tb.key('n', nil)
}

// table returns the key range of t, loading its counters on first use.
func (s *Store) table(t reflect.Type) (*table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tableLocked(t)
}

func (s *Store) tableLocked(t reflect.Type) (*table, error) {
	if tb := s.tables[t]; tb != nil {
		return tb, nil
	}
	tb := &table{prefix: []byte("e/" + s.m.TypeName(t) + "/")}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tb.counterKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) != 16 {
				return fmt.Errorf("corrupt counters of %s", tb.prefix)
			}
			tb.seq.Observe(int64(binary.BigEndian.Uint64(v)))
			tb.order = int64(binary.BigEndian.Uint64(v[8:]))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("entwire: badgerstore: load counters: %w", err)
	}
	s.tables[t] = tb
	return tb, nil
}

// write stores entity under a fresh sequence number, or in place when
// seq is non-zero, and persists the counters.
func (tb *table) write(txn *badger.Txn, id any, seq int64, data []byte) error {
	if seq == 0 {
		tb.order++
		seq = tb.order
		if err := txn.Set(tb.orderKey(seq), []byte(fmt.Sprint(storage.Key(id)))); err != nil {
			return err
		}
	}
	val := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(data)), uint64(seq))
	if err := txn.Set(tb.dataKey(id), append(val, data...)); err != nil {
		return err
	}
	last, _ := coerce.Canonical(id).(int64)
	tb.seq.Observe(last)
	counters := binary.BigEndian.AppendUint64(nil, uint64(tb.seq.Last()))
	return txn.Set(tb.counterKey(), binary.BigEndian.AppendUint64(counters, uint64(tb.order)))
}

// stored returns the sequence number of the row holding id, or zero.
func (tb *table) stored(txn *badger.Txn, id any) (int64, error) {
	item, err := txn.Get(tb.dataKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq int64
	err = item.Value(func(v []byte) error {
		seq = int64(binary.BigEndian.Uint64(v[:8]))
		return nil
	})
	return seq, err
}

func (tb *table) get(txn *badger.Txn, id any) ([]byte, error) {
	item, err := txn.Get(tb.dataKey(id))
	if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return v[8:], nil
}

// Add implements storage.Storage.
func (s *Store) Add(ctx context.Context, entity any) (any, error) {
	t, err := entityType(entity)
	if err != nil {
		return nil, err
	}
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	id, err := storage.AssignID(s.m, entity, &tb.seq)
	if err != nil {
		return nil, err
	}
	data, err := s.m.Marshal(ctx, entity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order := tb.order
	err = s.db.Update(func(txn *badger.Txn) error {
		seq, err := tb.stored(txn, id)
		if err != nil {
			return err
		}
		if seq != 0 {
			return entwire.NewConstraintError(fmt.Sprintf("%s %v already exists", s.m.TypeName(t), id), nil)
		}
		return tb.write(txn, id, 0, data)
	})
	if err != nil {
		tb.order = order
		return nil, wrap("add", err)
	}
	s.hub.Publish(storage.Event{Kind: storage.Added, Type: t, ID: id, Entity: entity})
	return entity, nil
}

// Get implements storage.Storage.
func (s *Store) Get(ctx context.Context, t reflect.Type, id any) (any, error) {
	t = schema.Indirect(t)
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		data, err = tb.get(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, entwire.NewNotFoundErrorWithID(s.m.TypeName(t), id)
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return s.m.Unmarshal(ctx, t, data)
}

// GetMany implements storage.ManyGetter in one read transaction.
func (s *Store) GetMany(ctx context.Context, t reflect.Type, ids []any) ([]any, []error) {
	t = schema.Indirect(t)
	out := make([]any, len(ids))
	errs := make([]error, len(ids))
	tb, err := s.table(t)
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return out, errs
	}
	blobs := make([][]byte, len(ids))
	err = s.db.View(func(txn *badger.Txn) error {
		for i, id := range ids {
			data, err := tb.get(txn, id)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				errs[i] = entwire.NewNotFoundErrorWithID(s.m.TypeName(t), id)
			case err != nil:
				return err
			default:
				blobs[i] = data
			}
		}
		return nil
	})
	for i, data := range blobs {
		switch {
		case err != nil:
			errs[i] = wrap("get", err)
		case data != nil:
			out[i], errs[i] = s.m.Unmarshal(ctx, t, data)
		}
	}
	return out, errs
}

// Find implements storage.Storage.
func (s *Store) Find(ctx context.Context, t reflect.Type, criteria map[string]any) (any, error) {
	rows, err := s.Range(ctx, t, storage.Query{Count: 1, Filter: criteria})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, entwire.NewNotFoundError(s.m.TypeName(t))
	}
	return rows[0], nil
}

// Count implements storage.Storage. Without a filter only keys are read.
func (s *Store) Count(ctx context.Context, t reflect.Type, filter map[string]any) (int, error) {
	t = schema.Indirect(t)
	if len(filter) > 0 {
		rows, err := s.Range(ctx, t, storage.Query{Count: storage.All, Filter: filter})
		return len(rows), err
	}
	tb, err := s.table(t)
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = tb.key('o', nil)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// Range implements storage.Storage.
func (s *Store) Range(ctx context.Context, t reflect.Type, q storage.Query) ([]any, error) {
	t = schema.Indirect(t)
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	blobs, err := s.scan(ctx, tb)
	if err != nil {
		return nil, err
	}
	all := make([]any, 0, len(blobs))
	for _, data := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := s.m.Unmarshal(ctx, t, data)
		if err != nil {
			return nil, err
		}
		all = append(all, e)
	}
	return storage.Apply(s.m, all, q)
}

// scan returns the encoded entities of tb in insertion order.
func (s *Store) scan(ctx context.Context, tb *table) ([][]byte, error) {
	var blobs [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tb.key('o', nil)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			data, err := tb.get(txn, key)
			if err != nil {
				return err
			}
			blobs = append(blobs, data)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("range", err)
	}
	return blobs, nil
}

// Dump returns the encoded entities stored under a type name, in insertion
// order and without decoding them.
func (s *Store) Dump(ctx context.Context, typeName string) ([][]byte, error) {
	return s.scan(ctx, &table{prefix: []byte("e/" + typeName + "/")})
}

// Update implements storage.Storage.
func (s *Store) Update(ctx context.Context, entity any) (any, error) {
	t, err := entityType(entity)
	if err != nil {
		return nil, err
	}
	tb, err := s.table(t)
	if err != nil {
		return nil, err
	}
	id, err := storage.AssignID(s.m, entity, &tb.seq)
	if err != nil {
		return nil, err
	}
	data, err := s.m.Marshal(ctx, entity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := storage.Updated
	order := tb.order
	err = s.db.Update(func(txn *badger.Txn) error {
		seq, err := tb.stored(txn, id)
		if err != nil {
			return err
		}
		if seq == 0 {
			kind = storage.Added
		}
		return tb.write(txn, id, seq, data)
	})
	if err != nil {
		tb.order = order
		return nil, wrap("update", err)
	}
	s.hub.Publish(storage.Event{Kind: kind, Type: t, ID: id, Entity: entity})
	return entity, nil
}

// Remove implements storage.Storage.
func (s *Store) Remove(_ context.Context, entity any) error {
	t, err := entityType(entity)
	if err != nil {
		return err
	}
	id, err := s.m.ID(entity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, err := s.tableLocked(t)
	if err != nil {
		return err
	}
	var removed bool
	err = s.db.Update(func(txn *badger.Txn) error {
		seq, err := tb.stored(txn, id)
		if err != nil || seq == 0 {
			return err
		}
		removed = true
		if err := txn.Delete(tb.orderKey(seq)); err != nil {
			return err
		}
		return txn.Delete(tb.dataKey(id))
	})
	if err != nil {
		return wrap("remove", err)
	}
	if removed {
		s.hub.Publish(storage.Event{Kind: storage.Removed, Type: t, ID: id, Entity: entity})
	}
	return nil
}

// Clear implements storage.Storage. Counters survive, so identities are
// not reused.
func (s *Store) Clear(_ context.Context, t reflect.Type) error {
	t = schema.Indirect(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, err := s.tableLocked(t)
	if err != nil {
		return err
	}
	if err := s.db.DropPrefix(tb.key('d', nil), tb.key('o', nil)); err != nil {
		return wrap("clear", err)
	}
	s.hub.Publish(storage.Event{Kind: storage.Cleared, Type: t})
	return nil
}

// Subscribe implements storage.Storage.
func (s *Store) Subscribe(fn func(storage.Event)) (cancel func()) {
	return s.hub.Subscribe(fn)
}

func wrap(op string, err error) error {
	if entwire.IsConstraintError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("entwire: badgerstore: %s: %w", op, err)
}

func entityType(entity any) (reflect.Type, error) {
	rv := reflect.ValueOf(entity)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return nil, entwire.NewInvalidOperationError("store", fmt.Sprintf("entity %T is not a non-nil pointer", entity))
	}
	return schema.Indirect(rv.Type()), nil
}

var (
	_ storage.Storage    = (*Store)(nil)
	_ storage.ManyGetter = (*Store)(nil)
)
