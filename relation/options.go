package relation

import (
	"log/slog"

	"github.com/syssam/entwire/metrics"
	"github.com/syssam/entwire/queue"
)

// DefaultBufferSize is the chunk size of forward-only enumeration.
const DefaultBufferSize = 20

// Options configures a List.
type Options struct {
	// BulkLoad makes the first read fetch the whole relation and serve
	// every later read from memory.
	BulkLoad bool
	// CacheCount keeps the count in memory between calls.
	CacheCount bool
	// BufferSize is the number of entities All fetches per round trip.
	BufferSize int
	// Queue defers durable writes. Writes run synchronously when nil.
	Queue queue.Enqueuer
	// Watch subscribes the list to storage change events; any event for
	// the list's entity type drops the in-memory state.
	Watch bool
	// OnWriteFailure receives entities whose deferred write failed, after
	// their speculative visibility was rolled back.
	OnWriteFailure func(entity any, err error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns the options of a plain non-bulk list.
func DefaultOptions() Options {
	return Options{BufferSize: DefaultBufferSize}
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Hooks observe and veto list mutations. Adding and Removing return false
// to cancel the operation.
type Hooks[E any] struct {
	Adding   func(E) bool
	Added    func(E)
	Removing func(E) bool
	Removed  func(E)
	Cleared  func()
}
