// Package queue defers durable writes.
//
// Producers hand a write to an Enqueuer together with an optional failure
// callback; the queue decides when the write runs. A failed write is
// reported to its own callback only, it never aborts sibling writes and is
// never returned to the producer. Writes enqueued under the same key run
// one after another in enqueue order:
//
//	b := queue.NewBatcher(queue.WithWorkers(4))
//	b.Enqueue(func(ctx context.Context) error {
//		_, err := st.Add(ctx, post)
//		return err
//	}, func(err error) { log.Printf("write failed: %v", err) })
//	err := b.Flush(ctx) // runs buffered writes, returns a summary
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syssam/entwire"
	"github.com/syssam/entwire/metrics"
)

// Action is a deferred write.
type Action func(ctx context.Context) error

// Enqueuer accepts deferred writes.
type Enqueuer interface {
	// Enqueue schedules action. onFailure, when not nil, receives the
	// action's error.
	Enqueue(action Action, onFailure func(error))
}

// KeyedEnqueuer is an Enqueuer that orders actions sharing a key. Actions
// with equal keys run sequentially in enqueue order; key must be
// comparable.
type KeyedEnqueuer interface {
	Enqueuer
	EnqueueKeyed(key any, action Action, onFailure func(error))
}

// EnqueueKeyed schedules action on q under key. Queues that do not
// implement KeyedEnqueuer get a plain Enqueue.
func EnqueueKeyed(q Enqueuer, key any, action Action, onFailure func(error)) {
	if kq, ok := q.(KeyedEnqueuer); ok {
		kq.EnqueueKeyed(key, action, onFailure)
		return
	}
	q.Enqueue(action, onFailure)
}

// Immediate runs every action synchronously inside Enqueue.
type Immediate struct {
	// Ctx is passed to actions; context.Background() when nil.
	Ctx context.Context
}

// Enqueue implements Enqueuer.
func (q Immediate) Enqueue(action Action, onFailure func(error)) {
	ctx := q.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := run(ctx, action); err != nil && onFailure != nil {
		onFailure(err)
	}
}

// EnqueueKeyed implements KeyedEnqueuer. Immediate actions are always in
// order.
func (q Immediate) EnqueueKeyed(_ any, action Action, onFailure func(error)) {
	q.Enqueue(action, onFailure)
}

type item struct {
	key       any
	action    Action
	onFailure func(error)
}

// Batcher buffers actions and executes them concurrently on Flush, on a
// timer after Start, or when the buffer reaches its capacity. Keyed
// actions form lanes: one lane per key, run serially.
type Batcher struct {
	workers  int
	capacity int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	items   []item
	closed  bool
	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	flushMu sync.Mutex // one flush at a time
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithWorkers bounds the number of actions running concurrently.
func WithWorkers(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithCapacity makes a started Batcher flush as soon as n actions are
// buffered.
func WithCapacity(n int) Option {
	return func(b *Batcher) { b.capacity = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

// WithMetrics records action outcomes and buffer depth.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Batcher) { b.metrics = m }
}

// NewBatcher returns an idle Batcher.
func NewBatcher(opts ...Option) *Batcher {
	b := &Batcher{
		workers: 8,
		logger:  slog.Default(),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue implements Enqueuer. Actions enqueued after Close fail
// immediately with an InvalidOperationError.
func (b *Batcher) Enqueue(action Action, onFailure func(error)) {
	b.enqueue(item{action: action, onFailure: onFailure})
}

// EnqueueKeyed implements KeyedEnqueuer. A nil key behaves like Enqueue.
func (b *Batcher) EnqueueKeyed(key any, action Action, onFailure func(error)) {
	b.enqueue(item{key: key, action: action, onFailure: onFailure})
}

func (b *Batcher) enqueue(it item) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if it.onFailure != nil {
			it.onFailure(entwire.NewInvalidOperationError("enqueue", "queue is closed"))
		}
		return
	}
	b.items = append(b.items, it)
	n := len(b.items)
	b.mu.Unlock()

	b.metrics.SetQueueDepth(n)
	if b.capacity > 0 && n >= b.capacity {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered actions.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush runs every buffered action, at most workers lanes at a time, and
// waits for them. Each failure goes to its action's callback and does not
// stop later actions of its lane; the returned error aggregates them.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	b.metrics.SetQueueDepth(0)
	if len(items) == 0 {
		return nil
	}

	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(b.workers)
	for _, lane := range lanes(items) {
		g.Go(func() error {
			for _, i := range lane {
				it := items[i]
				err := run(ctx, it.action)
				b.metrics.QueueAction(err)
				if err != nil {
					errs[i] = err
					if it.onFailure != nil {
						it.onFailure(err)
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	err := entwire.NewAggregateError(errs...)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	b.logger.Debug("queue flushed", "actions", len(items), "failed", failed)
	return err
}

// lanes groups item indexes by key, keeping enqueue order within a lane.
// Unkeyed items get a lane each.
func lanes(items []item) [][]int {
	out := make([][]int, 0, len(items))
	byKey := make(map[any]int)
	for i, it := range items {
		if it.key == nil {
			out = append(out, []int{i})
			continue
		}
		if n, ok := byKey[it.key]; ok {
			out[n] = append(out[n], i)
			continue
		}
		byKey[it.key] = len(out)
		out = append(out, []int{i})
	}
	return out
}

// Start flushes in the background every interval (and on reaching
// capacity) until ctx is done or Close is called.
func (b *Batcher) Start(ctx context.Context, interval time.Duration) {
	b.mu.Lock()
	if b.stop != nil || b.closed {
		b.mu.Unlock()
		return
	}
	b.stop = make(chan struct{})
	b.stopped = make(chan struct{})
	stop, stopped := b.stop, b.stopped
	b.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
			case <-b.kick:
			}
			if err := b.Flush(ctx); err != nil {
				b.logger.Warn("background flush", "error", err)
			}
		}
	}()
}

// Close stops background flushing, rejects further actions and drains the
// buffer.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	stop, stopped := b.stop, b.stopped
	b.stop = nil
	b.mu.Unlock()
	if stop != nil {
		close(stop)
		<-stopped
	}
	return b.Flush(ctx)
}

// run executes action, turning a panic into an error.
func run(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: action panicked: %v", r)
		}
	}()
	return action(ctx)
}
