package serializer_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/codec/yaml"
	"github.com/syssam/entwire/factory"
	"github.com/syssam/entwire/intermediate"
	"github.com/syssam/entwire/metrics"
	"github.com/syssam/entwire/relation"
	"github.com/syssam/entwire/schema"
	"github.com/syssam/entwire/secret"
	"github.com/syssam/entwire/serializer"
	"github.com/syssam/entwire/storage"
	"github.com/syssam/entwire/storage/memstore"
)

type point struct {
	X, Y int
}

type address struct {
	Street string
	City   string
}

type shape interface{ Area() float64 }

type circle struct{ R float64 }

func (c *circle) Area() float64 { return math.Pi * c.R * c.R }

type person struct {
	ID     int
	Name   string `entwire:"name,index"`
	Home   address
	Work   *address
	Tags   []string
	Scores map[string]int
	Extra  any
	Shape  shape
	Label  string `entwire:",readonly"`
}

func newSerializer(opts ...serializer.Option) *serializer.Serializer {
	opts = append([]serializer.Option{serializer.WithRegistry(schema.NewRegistry())}, opts...)
	return serializer.New(opts...)
}

func names(c *intermediate.Collection) []string { return c.Names() }

// =============================================================================
// Serialize / Deserialize
// =============================================================================

func TestSerializePoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()
	c, err := ser.Serialize(ctx, point{X: 3, Y: 4})
	require.NoError(t, err)
	assert.Equal(t, []intermediate.Item{{Name: "x", Value: int64(3)}, {Name: "y", Value: int64(4)}}, c.Items())

	v, err := ser.Deserialize(ctx, reflect.TypeOf(point{}), c)
	require.NoError(t, err)
	assert.Equal(t, point{X: 3, Y: 4}, v)

	p, err := ser.Deserialize(ctx, reflect.TypeOf(&point{}), c)
	require.NoError(t, err)
	assert.Equal(t, &point{X: 3, Y: 4}, p)

	t.Run("pointer input", func(t *testing.T) {
		t.Parallel()
		c, err := ser.Serialize(ctx, &point{X: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"x", "y"}, names(c))
	})

	t.Run("missing items keep defaults", func(t *testing.T) {
		t.Parallel()
		c := intermediate.New(intermediate.Item{Name: "x", Value: int64(1)})
		v, err := serializer.DeserializeAs[point](ctx, ser, c)
		require.NoError(t, err)
		assert.Equal(t, point{X: 1}, v)
	})

	t.Run("loose source types", func(t *testing.T) {
		t.Parallel()
		c := intermediate.New(
			intermediate.Item{Name: "x", Value: "7"},
			intermediate.Item{Name: "y", Value: 2.0},
		)
		v, err := serializer.DeserializeAs[point](ctx, ser, c)
		require.NoError(t, err)
		assert.Equal(t, point{X: 7, Y: 2}, v)
	})
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()
	in := &person{
		ID:     9,
		Name:   "ada",
		Home:   address{Street: "main", City: "london"},
		Tags:   []string{"math", "engines"},
		Scores: map[string]int{"b": 2, "a": 1},
		Extra:  42,
		Shape:  &circle{R: 2},
		Label:  "computed",
	}
	c, err := ser.Serialize(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "home", "work", "tags", "scores", "extra", "shape", "label"}, names(c))
	work, _ := c.Get("work")
	assert.Nil(t, work)

	out, err := ser.Deserialize(ctx, reflect.TypeOf(&person{}), c)
	require.NoError(t, err)
	got := out.(*person)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, in.Home, got.Home)
	assert.Nil(t, got.Work)
	assert.Equal(t, in.Tags, got.Tags)
	assert.Equal(t, in.Scores, got.Scores)
	assert.Equal(t, 42, got.Extra)
	assert.Equal(t, &circle{R: 2}, got.Shape)
	assert.Empty(t, got.Label, "read-only fields are not set")

	t.Run("bytes", func(t *testing.T) {
		t.Parallel()
		data, err := ser.Marshal(ctx, in)
		require.NoError(t, err)
		got, err := serializer.Unmarshal[person](ctx, ser, data)
		require.NoError(t, err)
		assert.Equal(t, in.Scores, got.Scores)
		assert.Equal(t, &circle{R: 2}, got.Shape)
	})

	t.Run("stream", func(t *testing.T) {
		t.Parallel()
		ys := newSerializer(serializer.WithCodec(yaml.New()))
		var buf bytes.Buffer
		require.NoError(t, ys.Encode(ctx, &buf, in))
		assert.Contains(t, buf.String(), "name: ada")
		v, err := ys.Decode(ctx, &buf, reflect.TypeOf(person{}))
		require.NoError(t, err)
		assert.Equal(t, in.Home, v.(person).Home)
	})
}

type audit struct {
	CreatedBy string
	Version   int
}

type document struct {
	ID      int
	Title   string
	Version int
	Audit   audit `entwire:",inline"`
}

func TestInline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()
	in := document{ID: 1, Title: "t", Version: 3, Audit: audit{CreatedBy: "ada", Version: 7}}
	c, err := ser.Serialize(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "version", "createdBy", "audit.version"}, names(c))
	v, _ := c.Get("audit.version")
	assert.Equal(t, int64(7), v)

	out, err := serializer.DeserializeAs[document](ctx, ser, c)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFieldSets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()
	p := point{X: 1, Y: 2}

	c, err := ser.Serialize(ctx, p, serializer.Only("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names(c))

	c, err = ser.Serialize(ctx, p, serializer.Ignore("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, names(c))

	c, err = ser.Serialize(ctx, p, serializer.Only("x", "y"), serializer.Ignore("y"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names(c))

	full, err := ser.Serialize(ctx, point{X: 5, Y: 6})
	require.NoError(t, err)
	v, err := ser.Deserialize(ctx, reflect.TypeOf(point{}), full, serializer.Only("y"))
	require.NoError(t, err)
	assert.Equal(t, point{Y: 6}, v)
}

func TestPopulate(t *testing.T) {
	t.Parallel()

	ser := newSerializer()
	p := point{X: 1, Y: 2}
	c := intermediate.New(intermediate.Item{Name: "y", Value: int64(5)})
	require.NoError(t, ser.Populate(context.Background(), &p, c))
	assert.Equal(t, point{X: 1, Y: 5}, p)

	err := ser.Populate(context.Background(), p, c)
	assert.ErrorIs(t, err, entwire.ErrArgumentNull)
}

func TestFoldedNames(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := intermediate.New(intermediate.Item{Name: "X", Value: int64(4)})

	strict, err := serializer.DeserializeAs[point](ctx, newSerializer(), c)
	require.NoError(t, err)
	assert.Equal(t, point{}, strict)

	folded, err := serializer.DeserializeAs[point](ctx, newSerializer(serializer.WithFoldedNames()), c)
	require.NoError(t, err)
	assert.Equal(t, point{X: 4}, folded)
}

// =============================================================================
// Contracts
// =============================================================================

type hooked struct {
	Name  string
	trail []string
}

func (h *hooked) BeforeSerialize(context.Context) error {
	h.Name = strings.ToUpper(h.Name)
	return nil
}

func (h *hooked) AfterSerialize(_ context.Context, c *intermediate.Collection) error {
	c.Add("checksum", int64(len(h.Name)))
	return nil
}

func (h *hooked) BeforeDeserialize(_ context.Context, c *intermediate.Collection) error {
	h.trail = append(h.trail, "before")
	if _, ok := c.Get("name"); !ok {
		return errors.New("name is missing")
	}
	return nil
}

func (h *hooked) AfterDeserialize(context.Context) error {
	h.trail = append(h.trail, "after:"+h.Name)
	return nil
}

func TestHooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()
	h := &hooked{Name: "ada"}
	c, err := ser.Serialize(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "checksum"}, names(c))
	assert.Equal(t, "ADA", h.Name)

	v, err := ser.Deserialize(ctx, reflect.TypeOf(&hooked{}), c)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "after:ADA"}, v.(*hooked).trail)

	_, err = ser.Deserialize(ctx, reflect.TypeOf(&hooked{}), intermediate.New())
	assert.EqualError(t, err, "name is missing")
}

type celsius struct {
	deg float64
}

func (c *celsius) MarshalEntity(context.Context) (*intermediate.Collection, error) {
	return intermediate.New(
		intermediate.Item{Name: "unit", Value: "C"},
		intermediate.Item{Name: "deg", Value: c.deg},
	), nil
}

func (c *celsius) UnmarshalEntity(_ context.Context, src *intermediate.Collection) error {
	v, _ := src.Get("deg")
	c.deg, _ = v.(float64)
	return nil
}

func TestSelfSerializing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()
	c, err := ser.Serialize(ctx, celsius{deg: 21.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"deg", "unit"}, names(c), "items are sorted by name")

	v, err := serializer.DeserializeAs[*celsius](ctx, ser, c)
	require.NoError(t, err)
	assert.Equal(t, 21.5, v.deg)
}

type money struct {
	cents int64
}

func TestFullInitEntity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := schema.NewRegistry()
	int64Type := reflect.TypeOf(int64(0))
	reg.Register(reflect.TypeOf(money{}), schema.SchemaFactoryFunc(func(b *schema.BuildContext, t reflect.Type) (*schema.Schema, error) {
		f := &schema.Field{
			Name:    "cents",
			Type:    int64Type,
			Factory: factory.Primitive(int64Type),
			Accessor: schema.FuncAccessor{GetFunc: func(e reflect.Value) (any, error) {
				return e.Interface().(money).cents, nil
			}},
		}
		full := schema.FullInit(func(_ *schema.Scope, c *intermediate.Collection) (any, error) {
			v, _ := c.Get("cents")
			return money{cents: v.(int64)}, nil
		})
		return schema.New(t, "money", full, f), nil
	}))
	ser := serializer.New(serializer.WithRegistry(reg))

	c, err := ser.Serialize(ctx, money{cents: 250})
	require.NoError(t, err)
	v, err := serializer.DeserializeAs[money](ctx, ser, c)
	require.NoError(t, err)
	assert.Equal(t, money{cents: 250}, v)
}

// =============================================================================
// Identity
// =============================================================================

func TestIdentity(t *testing.T) {
	t.Parallel()

	ser := newSerializer()
	p := &person{ID: 3, Name: "ada"}

	id, err := ser.ID(p)
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	require.NoError(t, ser.SetID(p, "11"))
	assert.Equal(t, 11, p.ID)

	name, err := ser.Field(*p, "name")
	require.NoError(t, err)
	assert.Equal(t, "ada", name)
	require.NoError(t, ser.SetField(p, "name", "grace"))
	assert.Equal(t, "grace", p.Name)

	idx, err := ser.Indexes(reflect.TypeOf(person{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, idx)

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		_, err := ser.ID(point{})
		assert.ErrorIs(t, err, entwire.ErrMissingIdentity)
		err = ser.SetID(&point{}, 1)
		assert.ErrorIs(t, err, entwire.ErrMissingIdentity)
		err = ser.SetID(person{}, 1)
		assert.ErrorIs(t, err, entwire.ErrInvalidOperation)
		_, err = ser.Field(&person{}, "nope")
		assert.ErrorIs(t, err, entwire.ErrInvalidOperation)
		_, err = ser.ID(nil)
		assert.ErrorIs(t, err, entwire.ErrArgumentNull)
	})
}

// =============================================================================
// Errors
// =============================================================================

type ticket struct {
	ID    int
	Owner *person `entwire:",relation"`
}

type broken struct {
	Ch chan int
}

func TestErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()

	_, err := ser.Serialize(ctx, nil)
	assert.ErrorIs(t, err, entwire.ErrArgumentNull)
	var np *point
	_, err = ser.Serialize(ctx, np)
	assert.ErrorIs(t, err, entwire.ErrArgumentNull)
	_, err = ser.Deserialize(ctx, reflect.TypeOf(point{}), nil)
	assert.ErrorIs(t, err, entwire.ErrArgumentNull)

	_, err = ser.Serialize(ctx, ticket{ID: 1})
	assert.ErrorIs(t, err, entwire.ErrArgumentNull, "required relation is nil")

	_, err = ser.Serialize(ctx, broken{})
	assert.ErrorIs(t, err, entwire.ErrSchemaConfiguration)

	_, err = ser.Deserialize(ctx, reflect.TypeOf((*shape)(nil)).Elem(), intermediate.New())
	assert.ErrorIs(t, err, entwire.ErrInvalidOperation)

	c := intermediate.New(intermediate.Item{Name: "x", Value: "not a number"})
	_, err = ser.Deserialize(ctx, reflect.TypeOf(point{}), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ser.Serialize(cancelled, point{})
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Relations and secure fields
// =============================================================================

type author struct {
	ID    int
	Name  string
	Posts *relation.List[*post] `entwire:",fk=author"`
}

type post struct {
	ID     int
	Author int `entwire:",index"`
	Title  string
}

type review struct {
	ID   int
	Post *post `entwire:",relation"`
	Body string
}

func TestRelations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer()
	st := memstore.New(ser)
	ser.SetStorage(st)
	authorType := reflect.TypeOf(author{})

	_, err := st.Add(ctx, &author{Name: "ada"})
	require.NoError(t, err)
	_, err = st.Add(ctx, &author{Name: "grace"})
	require.NoError(t, err)

	a1, err := st.Get(ctx, authorType, 1)
	require.NoError(t, err)
	ada := a1.(*author)
	require.NotNil(t, ada.Posts)
	require.NoError(t, ada.Posts.Add(ctx, &post{Title: "engines"}))
	require.NoError(t, ada.Posts.Add(ctx, &post{Title: "notes"}))

	a2, err := st.Get(ctx, authorType, 2)
	require.NoError(t, err)
	grace := a2.(*author)
	require.NoError(t, grace.Posts.Add(ctx, &post{Title: "cobol"}))

	n, err := ada.Posts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rows, err := grace.Posts.Range(ctx, storage.Query{Count: storage.All})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cobol", rows[0].Title)
	assert.Equal(t, 2, rows[0].Author)

	t.Run("list carries no data", func(t *testing.T) {
		t.Parallel()
		c, err := ser.Serialize(ctx, ada)
		require.NoError(t, err)
		v, _ := c.Get("posts")
		assert.True(t, intermediate.IsVoid(v))
	})

	t.Run("single relation", func(t *testing.T) {
		t.Parallel()
		p, err := st.Get(ctx, reflect.TypeOf(post{}), 1)
		require.NoError(t, err)
		c, err := ser.Serialize(ctx, review{ID: 1, Post: p.(*post), Body: "great"})
		require.NoError(t, err)
		ref, _ := c.Get("post")
		assert.Equal(t, int64(1), ref)

		v, err := serializer.DeserializeAs[review](ctx, ser, c)
		require.NoError(t, err)
		assert.Equal(t, "engines", v.Post.Title)

		c.Set("post", int64(99))
		_, err = serializer.DeserializeAs[review](ctx, ser, c)
		assert.ErrorIs(t, err, entwire.ErrNotFound)
	})

	t.Run("single relation without storage", func(t *testing.T) {
		t.Parallel()
		bare := newSerializer()
		c := intermediate.New(intermediate.Item{Name: "post", Value: int64(1)})
		_, err := serializer.DeserializeAs[review](ctx, bare, c)
		assert.ErrorIs(t, err, entwire.ErrStorageRequired)
	})
}

type account struct {
	ID       int
	Password string         `entwire:",secure"`
	Token    *secret.Value  `entwire:",secure"`
	Notes    map[string]any `entwire:",dynamic"`
}

func TestSecure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ser := newSerializer(serializer.WithCipher(secret.RandomCipher()))
	in := account{ID: 1, Password: "hunter2", Token: secret.NewString("tok"), Notes: map[string]any{"n": int64(1)}}
	c, err := ser.Serialize(ctx, in)
	require.NoError(t, err)
	raw, _ := c.Get("password")
	require.IsType(t, []byte(nil), raw)
	assert.NotContains(t, string(raw.([]byte)), "hunter2")

	out, err := serializer.DeserializeAs[account](ctx, ser, c)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", out.Password)
	tok, err := out.Token.Reveal()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	_, err = newSerializer().Serialize(ctx, in)
	assert.ErrorIs(t, err, entwire.ErrSchemaConfiguration, "secure fields need a cipher")
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	ser := newSerializer(serializer.WithMetrics(m))
	ctx := context.Background()
	c, err := ser.Serialize(ctx, point{X: 1})
	require.NoError(t, err)
	_, err = ser.Deserialize(ctx, reflect.TypeOf(point{}), c)
	require.NoError(t, err)
	_, err = ser.Serialize(ctx, broken{})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conversions.WithLabelValues("serializer_test.point", "serialize", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conversions.WithLabelValues("serializer_test.point", "deserialize", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conversions.WithLabelValues("serializer_test.broken", "serialize", "error")))
}
