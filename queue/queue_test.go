package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/metrics"
)

func TestImmediate(t *testing.T) {
	t.Parallel()

	var ran bool
	Immediate{}.Enqueue(func(context.Context) error { ran = true; return nil }, nil)
	assert.True(t, ran)

	var got error
	boom := errors.New("boom")
	Immediate{}.Enqueue(func(context.Context) error { return boom }, func(err error) { got = err })
	assert.ErrorIs(t, got, boom)

	Immediate{}.Enqueue(func(context.Context) error { panic("bad") }, func(err error) { got = err })
	assert.ErrorContains(t, got, "panicked")

	var order []int
	for i := range 3 {
		EnqueueKeyed(Immediate{}, "k", func(context.Context) error { order = append(order, i); return nil }, nil)
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestBatcherFlush(t *testing.T) {
	t.Parallel()

	t.Run("failure isolation", func(t *testing.T) {
		t.Parallel()
		b := NewBatcher(WithWorkers(2))
		var (
			ok       atomic.Int32
			mu       sync.Mutex
			failures []error
		)
		boom := errors.New("boom")
		for i := range 5 {
			b.Enqueue(func(context.Context) error {
				if i == 2 {
					return boom
				}
				ok.Add(1)
				return nil
			}, func(err error) {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			})
		}
		assert.Equal(t, 5, b.Len())

		err := b.Flush(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(4), ok.Load())
		assert.Equal(t, []error{boom}, failures)
		assert.Equal(t, 0, b.Len())
	})

	t.Run("aggregate", func(t *testing.T) {
		t.Parallel()
		b := NewBatcher()
		e1, e2 := errors.New("one"), errors.New("two")
		b.Enqueue(func(context.Context) error { return e1 }, nil)
		b.Enqueue(func(context.Context) error { return e2 }, nil)
		err := b.Flush(context.Background())
		var agg *entwire.AggregateError
		require.ErrorAs(t, err, &agg)
		assert.Len(t, agg.Errors, 2)
		assert.ErrorIs(t, err, e1)
		assert.ErrorIs(t, err, e2)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, NewBatcher().Flush(context.Background()))
	})

	t.Run("bounded concurrency", func(t *testing.T) {
		t.Parallel()
		b := NewBatcher(WithWorkers(3))
		var cur, peak atomic.Int32
		for range 12 {
			b.Enqueue(func(context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				cur.Add(-1)
				return nil
			}, nil)
		}
		require.NoError(t, b.Flush(context.Background()))
		assert.LessOrEqual(t, peak.Load(), int32(3))
	})

	t.Run("keyed actions keep enqueue order", func(t *testing.T) {
		t.Parallel()
		b := NewBatcher(WithWorkers(4))
		var (
			mu    sync.Mutex
			trace []string
		)
		record := func(s string, delay time.Duration) Action {
			return func(context.Context) error {
				time.Sleep(delay)
				mu.Lock()
				trace = append(trace, s)
				mu.Unlock()
				return nil
			}
		}
		boom := errors.New("boom")
		b.EnqueueKeyed("a", record("a1", 5*time.Millisecond), nil)
		b.EnqueueKeyed("b", record("b1", 0), nil)
		b.EnqueueKeyed("a", func(context.Context) error { return boom }, nil)
		b.EnqueueKeyed("a", record("a3", 0), nil)
		b.Enqueue(record("u", 0), nil)

		err := b.Flush(context.Background())
		assert.ErrorIs(t, err, boom)

		var lane []string
		for _, s := range trace {
			if s[0] == 'a' {
				lane = append(lane, s)
			}
		}
		assert.Equal(t, []string{"a1", "a3"}, lane)
		assert.Len(t, trace, 4)
	})

	t.Run("lanes", func(t *testing.T) {
		t.Parallel()
		items := []item{{key: "x"}, {}, {key: "y"}, {key: "x"}, {}}
		assert.Equal(t, [][]int{{0, 3}, {1}, {2}, {4}}, lanes(items))
	})

	t.Run("metrics", func(t *testing.T) {
		t.Parallel()
		m := metrics.New(prometheus.NewRegistry())
		b := NewBatcher(WithMetrics(m))
		b.Enqueue(func(context.Context) error { return nil }, nil)
		b.Enqueue(func(context.Context) error { return errors.New("x") }, nil)
		assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueDepth))
		_ = b.Flush(context.Background())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueActions.WithLabelValues("ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueActions.WithLabelValues("failed")))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth))
	})
}

func TestBatcherBackground(t *testing.T) {
	t.Parallel()

	t.Run("capacity triggers flush", func(t *testing.T) {
		t.Parallel()
		b := NewBatcher(WithCapacity(2))
		b.Start(context.Background(), time.Hour)
		done := make(chan struct{}, 2)
		for range 2 {
			b.Enqueue(func(context.Context) error { done <- struct{}{}; return nil }, nil)
		}
		for range 2 {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("capacity flush did not run")
			}
		}
		require.NoError(t, b.Close(context.Background()))
	})

	t.Run("close drains and rejects", func(t *testing.T) {
		t.Parallel()
		b := NewBatcher()
		b.Start(context.Background(), time.Hour)
		var ran atomic.Bool
		b.Enqueue(func(context.Context) error { ran.Store(true); return nil }, nil)
		require.NoError(t, b.Close(context.Background()))
		assert.True(t, ran.Load())

		var got error
		b.Enqueue(func(context.Context) error { return nil }, func(err error) { got = err })
		assert.True(t, entwire.IsInvalidOperation(got))
	})
}
