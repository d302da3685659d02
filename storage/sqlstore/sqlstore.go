// Package sqlstore implements storage.Storage on a SQL database. Each
// entity type gets one table holding the encoded entity, an insertion
// sequence and one column per indexed field:
//
//	drv, err := sql.Open(dialect.SQLite, "file:app.db")
//	ser := serializer.New()
//	st := sqlstore.New(ser, drv)
//	ser.SetStorage(st)
//
// Tables are created on first use. Filters and sort orders on indexed
// fields run in the database; any other query loads the table and is
// evaluated in process.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/dialect"
	"github.com/syssam/entwire/dialect/sql"
	"github.com/syssam/entwire/internal/coerce"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/storage"
)

// Reserved column names.
const (
	SeqColumn  = "_seq"
	DataColumn = "_data"
)

// Mapper is the storage.Mapper sqlstore needs, with schema access for
// column types.
type Mapper interface {
	storage.Mapper
	Schema(t reflect.Type) (*schema.Schema, error)
}

// Store is a SQL backed storage.
type Store struct {
	m      Mapper
	drv    dialect.Driver
	logger *slog.Logger
	cache  entwire.Cache
	ttl    time.Duration
	names  map[reflect.Type]string
	hub    storage.Hub

	mu     sync.Mutex
	tables map[reflect.Type]*table
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCache puts c in front of lookups by identity. Cached entries expire
// after ttl, or never when ttl is zero.
func WithCache(c entwire.Cache, ttl time.Duration) Option {
	return func(s *Store) { s.cache, s.ttl = c, ttl }
}

// WithTable overrides the table name of the entities of t.
func WithTable(t reflect.Type, name string) Option {
	return func(s *Store) { s.names[schema.Indirect(t)] = name }
}

// New returns a store issuing statements through drv.
func New(m Mapper, drv dialect.Driver, opts ...Option) *Store {
	s := &Store{
		m:      m,
		drv:    drv,
		logger: slog.Default(),
		names:  make(map[reflect.Type]string),
		tables: make(map[reflect.Type]*table),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type table struct {
	name string
	// columns maps indexed field names to column names. The identity is
	// not included.
	columns map[string]string
	fields  []string
	id      string
	seq     storage.Sequence
	order   atomic.Int64
}

// TableName returns the default table name for a type name: the plural
// snake case of its last segment.
func TableName(typeName string) string {
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		typeName = typeName[i+1:]
	}
	return inflect.Underscore(inflect.Pluralize(typeName))
}

// ColumnName returns the column name of a field.
func ColumnName(field string) string {
	return inflect.Underscore(strings.ReplaceAll(field, ".", "_"))
}

// table returns the table of t, creating it on first use.
func (s *Store) table(ctx context.Context, t reflect.Type) (*table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tb := s.tables[t]; tb != nil {
		return tb, nil
	}
	sch, err := s.m.Schema(t)
	if err != nil {
		return nil, err
	}
	idf := sch.Identity()
	if idf == nil {
		return nil, entwire.NewMissingIdentityError(t)
	}
	name := s.names[t]
	if name == "" {
		name = TableName(s.m.TypeName(t))
	}
	d := s.drv.Dialect()
	tb := &table{name: name, id: ColumnName(idf.Name), columns: make(map[string]string)}
	cols := []sql.Column{
		{Name: tb.id, Type: columnType(d, idf.Type), PrimaryKey: true},
		{Name: SeqColumn, Type: columnType(d, reflect.TypeOf(int64(0)))},
		{Name: DataColumn, Type: blobType(d)},
	}
	for _, f := range sch.Fields {
		if !f.Index || f == idf || !coerce.IsScalar(schema.Indirect(f.Type)) {
			continue
		}
		col := ColumnName(f.Name)
		tb.columns[f.Name] = col
		tb.fields = append(tb.fields, f.Name)
		cols = append(cols, sql.Column{
			Name:     col,
			Type:     columnType(d, f.Type),
			Unique:   f.Unique,
			Index:    true,
			Nullable: true,
		})
	}
	for _, stmt := range sql.CreateTable(d, name, cols) {
		if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			return nil, fmt.Errorf("entwire: sqlstore: create %s: %w", name, err)
		}
	}
	seq, err := s.max(ctx, name, SeqColumn)
	if err != nil {
		return nil, err
	}
	tb.order.Store(seq)
	if k := schema.Indirect(idf.Type).Kind(); k >= reflect.Int && k <= reflect.Uint64 {
		last, err := s.max(ctx, name, tb.id)
		if err != nil {
			return nil, err
		}
		tb.seq.Observe(last)
	}
	s.tables[t] = tb
	s.logger.DebugContext(ctx, "sqlstore: table ready", "table", name, "indexes", tb.fields)
	return tb, nil
}

func (s *Store) max(ctx context.Context, tbl, col string) (int64, error) {
	q, args := sql.SelectMax(s.drv.Dialect(), col).From(tbl).Query()
	var n sql.NullInt64
	err := s.query(ctx, s.drv, q, args, func(rows *sql.Rows) error { return rows.Scan(&n) })
	if err != nil {
		return 0, fmt.Errorf("entwire: sqlstore: max %s.%s: %w", tbl, col, err)
	}
	return n.Int64, nil
}

func (s *Store) query(ctx context.Context, ex dialect.ExecQuerier, q string, args []any, each func(*sql.Rows) error) error {
	rows := &sql.Rows{}
	if err := ex.Query(ctx, q, args, rows); err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// blobs returns the encoded entities selected by q.
func (s *Store) blobs(ctx context.Context, ex dialect.ExecQuerier, q string, args []any) ([][]byte, error) {
	var out [][]byte
	err := s.query(ctx, ex, q, args, func(rows *sql.Rows) error {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		out = append(out, data)
		return nil
	})
	return out, err
}

func (s *Store) decode(ctx context.Context, t reflect.Type, blobs [][]byte) ([]any, error) {
	out := make([]any, 0, len(blobs))
	for _, data := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := s.m.Unmarshal(ctx, t, data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// row returns the column values of entity, identity first.
func (s *Store) row(tb *table, entity any, id any) ([]string, []any, error) {
	cols := []string{tb.id}
	vals := []any{value(id)}
	for _, f := range tb.fields {
		v, err := s.m.Field(entity, f)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, tb.columns[f])
		vals = append(vals, value(v))
	}
	return cols, vals, nil
}

// Add implements storage.Storage.
func (s *Store) Add(ctx context.Context, entity any) (any, error) {
	t, err := entityType(entity)
	if err != nil {
		return nil, err
	}
	tb, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	id, err := storage.AssignID(s.m, entity, &tb.seq)
	if err != nil {
		return nil, err
	}
	if err := s.insert(ctx, s.drv, tb, entity, id); err != nil {
		if sql.IsConstraintError(err) {
			return nil, entwire.NewConstraintError(fmt.Sprintf("%s %v already exists", s.m.TypeName(t), id), err)
		}
		return nil, err
	}
	s.forget(ctx, tb, id)
	s.hub.Publish(storage.Event{Kind: storage.Added, Type: t, ID: id, Entity: entity})
	return entity, nil
}

func (s *Store) insert(ctx context.Context, ex dialect.ExecQuerier, tb *table, entity, id any) error {
	data, err := s.m.Marshal(ctx, entity)
	if err != nil {
		return err
	}
	cols, vals, err := s.row(tb, entity, id)
	if err != nil {
		return err
	}
	ins := sql.Insert(s.drv.Dialect(), tb.name)
	for i, c := range cols {
		ins.Set(c, vals[i])
	}
	q, args := ins.Set(SeqColumn, tb.order.Add(1)).Set(DataColumn, data).Query()
	return ex.Exec(ctx, q, args, nil)
}

// Get implements storage.Storage.
func (s *Store) Get(ctx context.Context, t reflect.Type, id any) (any, error) {
	t = schema.Indirect(t)
	tb, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	key := s.cacheKey(tb, id)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && data != nil {
			return s.m.Unmarshal(ctx, t, data)
		}
	}
	q, args := sql.Select(s.drv.Dialect(), DataColumn).From(tb.name).Where(sql.EQ(tb.id, value(id))).Query()
	blobs, err := s.blobs(ctx, s.drv, q, args)
	if err != nil {
		return nil, fmt.Errorf("entwire: sqlstore: get %s: %w", tb.name, err)
	}
	if len(blobs) == 0 {
		return nil, entwire.NewNotFoundErrorWithID(s.m.TypeName(t), id)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, blobs[0], s.ttl); err != nil {
			s.logger.WarnContext(ctx, "sqlstore: cache set failed", "key", key, "error", err)
		}
	}
	return s.m.Unmarshal(ctx, t, blobs[0])
}

// GetMany implements storage.ManyGetter with one IN query.
func (s *Store) GetMany(ctx context.Context, t reflect.Type, ids []any) ([]any, []error) {
	t = schema.Indirect(t)
	fail := func(err error) ([]any, []error) {
		errs := make([]error, len(ids))
		for i := range errs {
			errs[i] = err
		}
		return make([]any, len(ids)), errs
	}
	tb, err := s.table(ctx, t)
	if err != nil {
		return fail(err)
	}
	vals := make([]any, len(ids))
	keys := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = value(id)
		keys[i] = storage.Key(id)
	}
	q, args := sql.Select(s.drv.Dialect(), DataColumn).From(tb.name).Where(sql.In(tb.id, vals...)).Query()
	blobs, err := s.blobs(ctx, s.drv, q, args)
	if err != nil {
		return fail(fmt.Errorf("entwire: sqlstore: get %s: %w", tb.name, err))
	}
	found, err := s.decode(ctx, t, blobs)
	if err != nil {
		return fail(err)
	}
	out, errs := storage.OrderByKeys(keys, found, func(e any) any {
		id, _ := s.m.ID(e)
		return storage.Key(id)
	})
	for i, err := range errs {
		if err != nil {
			errs[i] = entwire.NewNotFoundErrorWithID(s.m.TypeName(t), ids[i])
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

// Count implements storage.Storage.
func (s *Store) Count(ctx context.Context, t reflect.Type, filter map[string]any) (int, error) {
	t = schema.Indirect(t)
	tb, err := s.table(ctx, t)
	if err != nil {
		return 0, err
	}
	preds, ok := tb.predicates(filter)
	if !ok {
		rows, err := s.Range(ctx, t, storage.Query{Count: storage.All, Filter: filter})
		return len(rows), err
	}
	q, args := sql.SelectCount(s.drv.Dialect()).From(tb.name).Where(preds...).Query()
	var n int
	if err := s.query(ctx, s.drv, q, args, func(rows *sql.Rows) error { return rows.Scan(&n) }); err != nil {
		return 0, fmt.Errorf("entwire: sqlstore: count %s: %w", tb.name, err)
	}
	return n, nil
}

// Range implements storage.Storage.
func (s *Store) Range(ctx context.Context, t reflect.Type, q storage.Query) ([]any, error) {
	t = schema.Indirect(t)
	tb, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	sel := sql.Select(s.drv.Dialect(), DataColumn).From(tb.name)
	preds, ok := tb.predicates(q.Filter)
	col, sortable := tb.column(q.OrderBy)
	if !ok || (q.OrderBy != "" && !sortable) {
		query, args := orderBySeq(sel).Query()
		blobs, err := s.blobs(ctx, s.drv, query, args)
		if err != nil {
			return nil, fmt.Errorf("entwire: sqlstore: range %s: %w", tb.name, err)
		}
		all, err := s.decode(ctx, t, blobs)
		if err != nil {
			return nil, err
		}
		return storage.Apply(s.m, all, q)
	}
	sel.Where(preds...)
	if q.OrderBy != "" {
		sel.OrderBy(sql.Order{Column: col, Desc: q.Direction == storage.Desc})
	}
	orderBySeq(sel).Offset(max(q.Start, 0))
	if q.Count >= 0 {
		sel.Limit(q.Count)
	}
	query, args := sel.Query()
	blobs, err := s.blobs(ctx, s.drv, query, args)
	if err != nil {
		return nil, fmt.Errorf("entwire: sqlstore: range %s: %w", tb.name, err)
	}
	return s.decode(ctx, t, blobs)
}

// Dump returns the encoded entities stored in table in insertion order,
// without decoding them.
func (s *Store) Dump(ctx context.Context, table string) ([][]byte, error) {
	query, args := orderBySeq(sql.Select(s.drv.Dialect(), DataColumn).From(table)).Query()
	blobs, err := s.blobs(ctx, s.drv, query, args)
	if err != nil {
		return nil, fmt.Errorf("entwire: sqlstore: dump %s: %w", table, err)
	}
	return blobs, nil
}

func orderBySeq(sel *sql.Selector) *sql.Selector {
	return sel.OrderBy(sql.Order{Column: SeqColumn})
}

// predicates translates filter into column conditions. It reports false
// when a filtered field has no column.
func (tb *table) predicates(filter map[string]any) ([]sql.Predicate, bool) {
	preds := make([]sql.Predicate, 0, len(filter))
	for name, v := range filter {
		col, ok := tb.column(name)
		if !ok {
			return nil, false
		}
		preds = append(preds, sql.EQ(col, value(v)))
	}
	return preds, true
}

func (tb *table) column(field string) (string, bool) {
	if col, ok := tb.columns[field]; ok {
		return col, true
	}
	if ColumnName(field) == tb.id {
		return tb.id, true
	}
	return "", false
}

// Update implements storage.Storage. The row keeps its place in insertion
// order.
func (s *Store) Update(ctx context.Context, entity any) (any, error) {
	t, err := entityType(entity)
	if err != nil {
		return nil, err
	}
	tb, err := s.table(ctx, t)
	if err != nil {
		return nil, err
	}
	id, err := storage.AssignID(s.m, entity, &tb.seq)
	if err != nil {
		return nil, err
	}
	kind, err := s.upsert(ctx, tb, entity, id)
	s.forget(ctx, tb, id)
	if err != nil {
		if sql.IsConstraintError(err) {
			return nil, entwire.NewConstraintError(fmt.Sprintf("update %s %v", s.m.TypeName(t), id), err)
		}
		return nil, err
	}
	s.hub.Publish(storage.Event{Kind: kind, Type: t, ID: id, Entity: entity})
	return entity, nil
}

func (s *Store) upsert(ctx context.Context, tb *table, entity, id any) (kind storage.EventKind, err error) {
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	d := s.drv.Dialect()
	q, args := sql.SelectCount(d).From(tb.name).Where(sql.EQ(tb.id, value(id))).Query()
	var n int
	if err := s.query(ctx, tx, q, args, func(rows *sql.Rows) error { return rows.Scan(&n) }); err != nil {
		return 0, err
	}
	if n == 0 {
		if err := s.insert(ctx, tx, tb, entity, id); err != nil {
			return 0, err
		}
		return storage.Added, tx.Commit()
	}
	data, err := s.m.Marshal(ctx, entity)
	if err != nil {
		return 0, err
	}
	cols, vals, err := s.row(tb, entity, id)
	if err != nil {
		return 0, err
	}
	up := sql.Update(d, tb.name).Set(DataColumn, data)
	for i := 1; i < len(cols); i++ {
		up.Set(cols[i], vals[i])
	}
	q, args = up.Where(sql.EQ(tb.id, vals[0])).Query()
	if err := tx.Exec(ctx, q, args, nil); err != nil {
		return 0, err
	}
	return storage.Updated, tx.Commit()
}

// Remove implements storage.Storage.
func (s *Store) Remove(ctx context.Context, entity any) error {
	t, err := entityType(entity)
	if err != nil {
		return err
	}
	tb, err := s.table(ctx, t)
	if err != nil {
		return err
	}
	id, err := s.m.ID(entity)
	if err != nil {
		return err
	}
	q, args := sql.Delete(s.drv.Dialect(), tb.name).Where(sql.EQ(tb.id, value(id))).Query()
	var res sql.Result
	err = s.drv.Exec(ctx, q, args, &res)
	s.forget(ctx, tb, id)
	if err != nil {
		return fmt.Errorf("entwire: sqlstore: remove %s: %w", tb.name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	s.hub.Publish(storage.Event{Kind: storage.Removed, Type: t, ID: id, Entity: entity})
	return nil
}

// Clear implements storage.Storage. Identities keep counting from where
// they were.
func (s *Store) Clear(ctx context.Context, t reflect.Type) error {
	t = schema.Indirect(t)
	tb, err := s.table(ctx, t)
	if err != nil {
		return err
	}
	q, args := sql.Delete(s.drv.Dialect(), tb.name).Query()
	if err := s.drv.Exec(ctx, q, args, nil); err != nil {
		return fmt.Errorf("entwire: sqlstore: clear %s: %w", tb.name, err)
	}
	if s.cache != nil {
		if err := s.cache.DeletePrefix(ctx, entwire.CacheKey{Table: tb.name}.Prefix()); err != nil {
			s.logger.WarnContext(ctx, "sqlstore: cache clear failed", "table", tb.name, "error", err)
		}
	}
	s.hub.Publish(storage.Event{Kind: storage.Cleared, Type: t})
	return nil
}

// Subscribe implements storage.Storage.
func (s *Store) Subscribe(fn func(storage.Event)) (cancel func()) {
	return s.hub.Subscribe(fn)
}

func (s *Store) cacheKey(tb *table, id any) string {
	return entwire.CacheKey{Table: tb.name, Operation: "get", ID: fmt.Sprint(storage.Key(id))}.String()
}

func (s *Store) forget(ctx context.Context, tb *table, id any) {
	if s.cache == nil {
		return
	}
	key := s.cacheKey(tb, id)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "sqlstore: cache delete failed", "key", key, "error", err)
	}
}

// value converts a field value into a column argument.
func value(v any) any {
	switch c := coerce.Canonical(v).(type) {
	case uint64:
		if c <= math.MaxInt64 {
			return int64(c)
		}
		return fmt.Sprint(c)
	default:
		return c
	}
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
)

// columnType returns the column type holding values of t. MySQL strings
// are bounded so they can be indexed.
func columnType(d string, t reflect.Type) string {
	t = schema.Indirect(t)
	switch {
	case t == timeType:
		switch d {
		case dialect.Postgres:
			return "TIMESTAMPTZ"
		case dialect.MySQL:
			return "DATETIME(6)"
		}
		return "TIMESTAMP"
	case t == uuidType:
		if d == dialect.Postgres {
			return "TEXT"
		}
		return "VARCHAR(36)"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if d == dialect.SQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case reflect.Float32, reflect.Float64:
		switch d {
		case dialect.Postgres:
			return "DOUBLE PRECISION"
		case dialect.MySQL:
			return "DOUBLE"
		}
		return "REAL"
	case reflect.Slice:
		return blobType(d)
	}
	if d == dialect.MySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

func blobType(d string) string {
	switch d {
	case dialect.Postgres:
		return "BYTEA"
	case dialect.MySQL:
		return "LONGBLOB"
	}
	return "BLOB"
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
