// Package workqueue implements the single-worker task queues adapter
// hosts own: the private queue for deferred recovery tasks and the
// optional dedicated queue a transport can request.
package workqueue

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Work is one unit of deferred work. A Work may be pending on at most one
// queue at a time; submitting it again while pending is a no-op.
type Work struct {
	fn      func()
	pending atomic.Bool
}

// NewWork wraps fn as a submittable unit of work.
func NewWork(fn func()) *Work {
	return &Work{fn: fn}
}

// Pending reports whether the work is queued and not yet started.
func (w *Work) Pending() bool {
	return w.pending.Load()
}

type item struct {
	work    *Work
	barrier chan struct{}
}

// Queue runs submitted work on a single worker goroutine in submission
// order.
type Queue struct {
	name string
	log  *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	items    []item
	stopping bool

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a queue and starts its worker.
func New(name string, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		name: name,
		log:  log.Named("workqueue").With(zap.String("queue", name)),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Queue submits w for execution. It reports whether the work was newly
// queued; false means it was already pending or the queue is shutting
// down.
func (q *Queue) Queue(w *Work) bool {
	if !w.pending.CompareAndSwap(false, true) {
		return false
	}

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		w.pending.Store(false)
		return false
	}
	q.items = append(q.items, item{work: w})
	q.cond.Signal()
	q.mu.Unlock()
	return true
}

// Flush blocks until every piece of work queued before the call has
// completed. Flushing a destroyed queue returns immediately.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return
	}
	barrier := make(chan struct{})
	q.items = append(q.items, item{barrier: barrier})
	q.cond.Signal()
	q.mu.Unlock()

	<-barrier
}

// Destroy drains remaining work and joins the worker. Idempotent.
func (q *Queue) Destroy() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopping = true
		q.cond.Signal()
		q.mu.Unlock()
		q.log.Debug("workqueue destroyed")
	})
	<-q.done
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			// stopping and drained
			q.mu.Unlock()
			close(q.done)
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		// clear pending before running so the work can requeue itself
		it.work.pending.Store(false)
		it.work.fn()
	}
}
