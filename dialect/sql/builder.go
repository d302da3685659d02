package sql

import (
	"strconv"
	"strings"

	"github.com/syssam/entwire/dialect"
)

// Builder accumulates one statement and its arguments, writing
// placeholders and quoted identifiers in the syntax of its dialect.
type Builder struct {
	dialect string
	sb      strings.Builder
	args    []any
}

// Dialect returns an empty Builder for the named dialect.
func Dialect(name string) *Builder {
	return &Builder{dialect: name}
}

// WriteString appends raw SQL.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Ident appends a quoted identifier.
func (b *Builder) Ident(name string) *Builder {
	q := `"`
	if b.dialect == dialect.MySQL {
		q = "`"
	}
	b.sb.WriteString(q)
	b.sb.WriteString(strings.ReplaceAll(name, q, q+q))
	b.sb.WriteString(q)
	return b
}

// Idents appends a comma separated list of quoted identifiers.
func (b *Builder) Idents(names ...string) *Builder {
	for i, n := range names {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Ident(n)
	}
	return b
}

// Arg appends a placeholder bound to v.
func (b *Builder) Arg(v any) *Builder {
	b.args = append(b.args, v)
	if b.dialect == dialect.Postgres {
		b.sb.WriteString("$" + strconv.Itoa(len(b.args)))
	} else {
		b.sb.WriteString("?")
	}
	return b
}

// Args appends a comma separated list of placeholders.
func (b *Builder) Args(vs ...any) *Builder {
	for i, v := range vs {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Arg(v)
	}
	return b
}

// Query returns the statement and its arguments.
func (b *Builder) Query() (string, []any) {
	args := b.args
	if args == nil {
		args = []any{}
	}
	return b.sb.String(), args
}

// Predicate writes one WHERE condition.
type Predicate func(*Builder)

// EQ matches rows whose column equals v. A nil v matches NULL.
func EQ(col string, v any) Predicate {
	return func(b *Builder) {
		b.Ident(col)
		if v == nil {
			b.WriteString(" IS NULL")
			return
		}
		b.WriteString(" = ").Arg(v)
	}
}

// In matches rows whose column is one of vs.
func In(col string, vs ...any) Predicate {
	return func(b *Builder) {
		if len(vs) == 0 {
			b.WriteString("1 = 0")
			return
		}
		b.Ident(col).WriteString(" IN (").Args(vs...).WriteString(")")
	}
}

// And joins predicates.
func And(ps ...Predicate) Predicate {
	return func(b *Builder) {
		for i, p := range ps {
			if i > 0 {
				b.WriteString(" AND ")
			}
			p(b)
		}
	}
}

func where(b *Builder, ps []Predicate) {
	if len(ps) > 0 {
		b.WriteString(" WHERE ")
		And(ps...)(b)
	}
}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Selector builds a SELECT statement.
type Selector struct {
	dialect string
	table   string
	columns []string
	count   bool
	max     string
	where   []Predicate
	order   []Order
	limit   int
	offset  int
}

// Select starts a SELECT of columns.
func Select(name string, columns ...string) *Selector {
	return &Selector{dialect: name, columns: columns, limit: -1}
}

// SelectCount starts a SELECT COUNT(*).
func SelectCount(name string) *Selector {
	return &Selector{dialect: name, count: true, limit: -1}
}

// SelectMax starts a SELECT of the largest value of col.
func SelectMax(name, col string) *Selector {
	return &Selector{dialect: name, max: col, limit: -1}
}

// From sets the table.
func (s *Selector) From(table string) *Selector {
	s.table = table
	return s
}

// Where adds conditions joined with AND.
func (s *Selector) Where(ps ...Predicate) *Selector {
	s.where = append(s.where, ps...)
	return s
}

// OrderBy appends sort terms.
func (s *Selector) OrderBy(terms ...Order) *Selector {
	s.order = append(s.order, terms...)
	return s
}

// Limit caps the number of rows. A negative n removes the cap.
func (s *Selector) Limit(n int) *Selector {
	s.limit = n
	return s
}

// Offset skips n rows.
func (s *Selector) Offset(n int) *Selector {
	s.offset = n
	return s
}

// Query implements the statement interface.
func (s *Selector) Query() (string, []any) {
	b := Dialect(s.dialect).WriteString("SELECT ")
	switch {
	case s.count:
		b.WriteString("COUNT(*)")
	case s.max != "":
		b.WriteString("MAX(").Ident(s.max).WriteString(")")
	default:
		b.Idents(s.columns...)
	}
	b.WriteString(" FROM ").Ident(s.table)
	where(b, s.where)
	for i, o := range s.order {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.Ident(o.Column)
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	switch {
	case s.limit >= 0:
		b.WriteString(" LIMIT " + strconv.Itoa(s.limit))
	case s.offset > 0 && s.dialect == dialect.SQLite:
		b.WriteString(" LIMIT -1")
	case s.offset > 0 && s.dialect == dialect.MySQL:
		b.WriteString(" LIMIT 18446744073709551615")
	}
	if s.offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(s.offset))
	}
	return b.Query()
}

// InsertBuilder builds an INSERT statement.
type InsertBuilder struct {
	dialect string
	table   string
	columns []string
	values  []any
}

// Insert starts an INSERT into table.
func Insert(name, table string) *InsertBuilder {
	return &InsertBuilder{dialect: name, table: table}
}

// Set adds a column value.
func (i *InsertBuilder) Set(col string, v any) *InsertBuilder {
	i.columns = append(i.columns, col)
	i.values = append(i.values, v)
	return i
}

// Query implements the statement interface.
func (i *InsertBuilder) Query() (string, []any) {
	b := Dialect(i.dialect).WriteString("INSERT INTO ").Ident(i.table)
	b.WriteString(" (").Idents(i.columns...).WriteString(") VALUES (").Args(i.values...).WriteString(")")
	return b.Query()
}

// UpdateBuilder builds an UPDATE statement.
type UpdateBuilder struct {
	dialect string
	table   string
	columns []string
	values  []any
	where   []Predicate
}

// Update starts an UPDATE of table.
func Update(name, table string) *UpdateBuilder {
	return &UpdateBuilder{dialect: name, table: table}
}

// Set adds a column assignment.
func (u *UpdateBuilder) Set(col string, v any) *UpdateBuilder {
	u.columns = append(u.columns, col)
	u.values = append(u.values, v)
	return u
}

// Where adds conditions joined with AND.
func (u *UpdateBuilder) Where(ps ...Predicate) *UpdateBuilder {
	u.where = append(u.where, ps...)
	return u
}

// Query implements the statement interface.
func (u *UpdateBuilder) Query() (string, []any) {
	b := Dialect(u.dialect).WriteString("UPDATE ").Ident(u.table).WriteString(" SET ")
	for i, c := range u.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c).WriteString(" = ").Arg(u.values[i])
	}
	where(b, u.where)
	return b.Query()
}

// DeleteBuilder builds a DELETE statement.
type DeleteBuilder struct {
	dialect string
	table   string
	where   []Predicate
}

// Delete starts a DELETE from table.
func Delete(name, table string) *DeleteBuilder {
	return &DeleteBuilder{dialect: name, table: table}
}

// Where adds conditions joined with AND.
func (d *DeleteBuilder) Where(ps ...Predicate) *DeleteBuilder {
	d.where = append(d.where, ps...)
	return d
}

// Query implements the statement interface.
func (d *DeleteBuilder) Query() (string, []any) {
	b := Dialect(d.dialect).WriteString("DELETE FROM ").Ident(d.table)
	where(b, d.where)
	return b.Query()
}

// Column describes a table column.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	Unique     bool
	Index      bool
	Nullable   bool
}

// CreateTable returns the statements creating table and the indexes of its
// columns, skipping objects that already exist.
func CreateTable(name, table string, cols []Column) []string {
	b := Dialect(name).WriteString("CREATE TABLE IF NOT EXISTS ").Ident(table).WriteString(" (")
	var indexes, after []string
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(c.Name).WriteString(" " + c.Type)
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		switch {
		case c.PrimaryKey:
			b.WriteString(" PRIMARY KEY")
		case c.Unique:
			b.WriteString(" UNIQUE")
		case c.Index && name == dialect.MySQL:
			indexes = append(indexes, c.Name)
		case c.Index:
			ib := Dialect(name).WriteString("CREATE INDEX IF NOT EXISTS ").Ident(table + "_" + c.Name)
			ib.WriteString(" ON ").Ident(table).WriteString(" (").Ident(c.Name).WriteString(")")
			q, _ := ib.Query()
			after = append(after, q)
		}
	}
	for _, col := range indexes {
		b.WriteString(", INDEX ").Ident(table + "_" + col).WriteString(" (").Ident(col).WriteString(")")
	}
	b.WriteString(")")
	q, _ := b.Query()
	return append([]string{q}, after...)
}
