package schema

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// panicking is a converter whose body must never run.
type panicking struct{}

func (panicking) InstanceType() reflect.Type { return reflect.TypeOf("") }
func (panicking) SourceType() reflect.Type   { return reflect.TypeOf("") }
func (panicking) ToInstance(*Scope, any) (any, error) {
	panic("converter invoked with nil source")
}
func (panicking) ToSource(*Scope, any) (any, error) {
	panic("converter invoked with nil instance")
}

// TestFieldFactoryNull tests that nil values never reach the converter.
func TestFieldFactoryNull(t *testing.T) {
	t.Parallel()

	s := NewScope(context.Background(), nil)
	ff := NewFieldFactory(panicking{})

	var nilPtr *int
	var nilSlice []string
	for _, v := range []any{nil, nilPtr, nilSlice} {
		assert.NotPanics(t, func() {
			got, err := ff.CreateInstance(s, v)
			require.NoError(t, err)
			assert.Nil(t, got)
			got, err = ff.CreateSource(s, v)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}

	chained := Chain(ff.WithOrder(1), NewFieldFactory(panicking{}).WithOrder(0))
	assert.NotPanics(t, func() {
		got, err := chained.CreateInstance(s, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

// recorder appends its tag to a trace on every conversion.
type recorder struct {
	tag   string
	trace *[]string
	nilAt string
}

func (r recorder) InstanceType() reflect.Type { return reflect.TypeOf("") }
func (r recorder) SourceType() reflect.Type   { return reflect.TypeOf("") }

func (r recorder) ToInstance(_ *Scope, source any) (any, error) {
	*r.trace = append(*r.trace, "in"+r.tag)
	if r.nilAt == r.tag {
		return nil, nil
	}
	return source.(string) + r.tag, nil
}

func (r recorder) ToSource(_ *Scope, instance any) (any, error) {
	*r.trace = append(*r.trace, "out"+r.tag)
	if r.nilAt == r.tag {
		return nil, nil
	}
	return instance.(string) + r.tag, nil
}

// TestChain tests stage ordering and short-circuiting of factory chains.
func TestChain(t *testing.T) {
	t.Parallel()

	s := NewScope(context.Background(), nil)
	build := func(trace *[]string, nilAt string) *FieldFactory {
		stage := func(order int) *FieldFactory {
			tag := string(rune('0' + order))
			return NewFieldFactory(recorder{tag: tag, trace: trace, nilAt: nilAt}).WithOrder(order)
		}
		return Chain(stage(2), stage(0), stage(1))
	}

	t.Run("instance ascending", func(t *testing.T) {
		t.Parallel()
		var trace []string
		got, err := build(&trace, "").CreateInstance(s, "v")
		require.NoError(t, err)
		assert.Equal(t, "v012", got)
		assert.Equal(t, []string{"in0", "in1", "in2"}, trace)
	})

	t.Run("source descending", func(t *testing.T) {
		t.Parallel()
		var trace []string
		got, err := build(&trace, "").CreateSource(s, "v")
		require.NoError(t, err)
		assert.Equal(t, "v210", got)
		assert.Equal(t, []string{"out2", "out1", "out0"}, trace)
	})

	t.Run("short circuit on nil", func(t *testing.T) {
		t.Parallel()
		var trace []string
		got, err := build(&trace, "1").CreateInstance(s, "v")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, []string{"in0", "in1"}, trace)
	})

	t.Run("errors stop the chain", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		failing := NewFieldFactory(FuncConverter{
			Instance: reflect.TypeOf(""),
			Source:   reflect.TypeOf(""),
			In:       func(*Scope, any) (any, error) { return nil, boom },
			Out:      func(*Scope, any) (any, error) { return nil, boom },
		})
		var trace []string
		c := Chain(failing.WithOrder(0), NewFieldFactory(recorder{tag: "1", trace: &trace}).WithOrder(1))
		_, err := c.CreateInstance(s, "v")
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, trace)
	})

	t.Run("types", func(t *testing.T) {
		t.Parallel()
		var trace []string
		c := build(&trace, "")
		assert.Equal(t, reflect.TypeOf(""), c.InstanceType())
		assert.Equal(t, reflect.TypeOf(""), c.SourceType())
	})

	t.Run("empty chain is identity", func(t *testing.T) {
		t.Parallel()
		c := Chain()
		assert.Equal(t, reflect.TypeFor[any](), c.InstanceType())
		assert.Equal(t, reflect.TypeFor[any](), c.SourceType())
		in, err := c.CreateInstance(s, "v")
		require.NoError(t, err)
		assert.Equal(t, "v", in)
		out, err := c.CreateSource(s, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, out)
	})
}
