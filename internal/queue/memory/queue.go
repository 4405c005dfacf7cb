// Package memory provides the in-process dedup work queue fed by the
// frontier producers and drained by the discovery loop.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Queue is an unbounded FIFO that never holds the same key twice.
// Put is safe from any number of goroutines; Get is meant for a single consumer.
type Queue struct {
	mu      sync.Mutex
	items   []graph.EntityRef
	pending map[graph.Key]struct{}
	ready   chan struct{}
	closed  bool
	onDepth func(int)
}

// Option customises a Queue.
type Option func(*Queue)

// WithDepthObserver reports the queue depth after every mutation.
func WithDepthObserver(fn func(int)) Option {
	return func(q *Queue) {
		q.onDepth = fn
	}
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		pending: make(map[graph.Key]struct{}),
		ready:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Put appends ref unless its key is already pending. It reports whether the
// ref was added; a duplicate or a put after Close is a silent no-op.
func (q *Queue) Put(ref graph.EntityRef) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	key := ref.Key()
	if _, ok := q.pending[key]; ok {
		q.mu.Unlock()
		return false
	}
	q.pending[key] = struct{}{}
	q.items = append(q.items, ref)
	depth := len(q.items)
	q.mu.Unlock()

	q.signal()
	q.observe(depth)
	return true
}

// Get blocks until an item is available, the context ends or the queue is
// closed. The returned key leaves the pending set.
func (q *Queue) Get(ctx context.Context) (graph.EntityRef, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ref := q.items[0]
			q.items[0] = graph.EntityRef{}
			q.items = q.items[1:]
			delete(q.pending, ref.Key())
			depth := len(q.items)
			q.mu.Unlock()
			if depth > 0 {
				q.signal()
			}
			q.observe(depth)
			return ref, nil
		}
		if q.closed {
			q.mu.Unlock()
			return graph.EntityRef{}, graph.ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return graph.EntityRef{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// Size returns the number of pending items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether nothing is pending.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Clear drops every pending item.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.pending = make(map[graph.Key]struct{})
	q.mu.Unlock()
	q.observe(0)
}

// Snapshot copies up to limit pending refs in FIFO order. A limit <= 0
// returns everything.
func (q *Queue) Snapshot(limit int) []graph.EntityRef {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]graph.EntityRef, n)
	copy(out, q.items[:n])
	return out
}

// Close wakes blocked consumers. Remaining items can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ready)
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) observe(depth int) {
	if q.onDepth != nil {
		q.onDepth(depth)
	}
}
