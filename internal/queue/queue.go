// Package queue provides the priority-ordered admission structure that feeds
// the executor's worker pool while enforcing a global concurrency ceiling.
//
// Within a priority bucket dequeue order is strict FIFO. Across buckets there
// is no starvation guarantee: sustained URGENT traffic can starve LOW forever.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
	"golang.org/x/sync/semaphore"
)

// ErrQueueClosed is returned by Dequeue after Close
var ErrQueueClosed = errors.New("queue closed")

// Stats is a point-in-time snapshot of the queue
type Stats struct {
	Running       int
	MaxConcurrent int
	Buckets       map[execution.Priority]int
	TotalQueued   int
}

// Map flattens the stats for JSON payloads
func (s Stats) Map() map[string]any {
	buckets := make(map[string]int, len(s.Buckets))
	for p, n := range s.Buckets {
		buckets[p.String()] = n
	}
	return map[string]any{
		"running":        s.Running,
		"max_concurrent": s.MaxConcurrent,
		"queue_sizes":    buckets,
		"total_queued":   s.TotalQueued,
	}
}

// Queue holds pending executions in four priority buckets
type Queue struct {
	maxConcurrent int
	slots         *semaphore.Weighted

	mu             sync.Mutex
	buckets        map[execution.Priority][]*execution.CommandExecution
	queued         map[string]execution.Priority
	running        map[string]struct{}
	changed        chan struct{} // closed and replaced whenever an item is added
	closed         bool
	onSlotsChanged func(available int)
}

// New creates a queue admitting at most maxConcurrent executions at a time
func New(maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	q := &Queue{
		maxConcurrent: maxConcurrent,
		slots:         semaphore.NewWeighted(int64(maxConcurrent)),
		buckets:       make(map[execution.Priority][]*execution.CommandExecution, len(execution.Priorities)),
		queued:        make(map[string]execution.Priority),
		running:       make(map[string]struct{}),
		changed:       make(chan struct{}),
	}
	return q
}

// SetOnSlotsChanged sets a callback invoked after a slot is taken or freed
func (q *Queue) SetOnSlotsChanged(callback func(available int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSlotsChanged = callback
}

// Enqueue appends e to the bucket for its priority
func (q *Queue) Enqueue(e *execution.CommandExecution) error {
	id := e.ID()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.queued[id]; ok {
		return execution.NewError(execution.ErrDuplicateExecution, "enqueue", errors.New(id))
	}
	if _, ok := q.running[id]; ok {
		return execution.NewError(execution.ErrDuplicateExecution, "enqueue", errors.New(id))
	}

	p := e.Options.Priority
	if !p.Valid() {
		p = execution.PriorityNormal
	}
	q.buckets[p] = append(q.buckets[p], e)
	q.queued[id] = p

	close(q.changed)
	q.changed = make(chan struct{})
	return nil
}

// Dequeue blocks until a slot is free and an execution is queued, then
// returns the head of the highest non-empty bucket. The caller must call
// Done with the execution id once it has finished with it.
func (q *Queue) Dequeue(ctx context.Context) (*execution.CommandExecution, error) {
	if err := q.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			q.slots.Release(1)
			return nil, ErrQueueClosed
		}
		if e := q.popLocked(); e != nil {
			q.running[e.ID()] = struct{}{}
			available := q.maxConcurrent - len(q.running)
			callback := q.onSlotsChanged
			q.mu.Unlock()

			if callback != nil {
				callback(available)
			}
			return e, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			q.slots.Release(1)
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) popLocked() *execution.CommandExecution {
	for _, p := range execution.Priorities {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		e := bucket[0]
		bucket[0] = nil
		q.buckets[p] = bucket[1:]
		delete(q.queued, e.ID())
		return e
	}
	return nil
}

// Done reports that a dequeued execution finished (success, failure or
// cancellation) and frees its slot. Unknown ids are ignored.
func (q *Queue) Done(id string) {
	q.mu.Lock()
	if _, ok := q.running[id]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.running, id)
	available := q.maxConcurrent - len(q.running)
	callback := q.onSlotsChanged
	q.mu.Unlock()

	q.slots.Release(1)

	if callback != nil {
		callback(available)
	}
}

// Remove takes a still-queued execution out of its bucket. It returns false
// if the id is not queued (already dequeued or never submitted).
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.queued[id]
	if !ok {
		return false
	}
	bucket := q.buckets[p]
	for i, e := range bucket {
		if e.ID() == id {
			q.buckets[p] = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	delete(q.queued, id)
	return true
}

// Drain removes and returns every queued execution, highest priority first
func (q *Queue) Drain() []*execution.CommandExecution {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*execution.CommandExecution
	for e := q.popLocked(); e != nil; e = q.popLocked() {
		drained = append(drained, e)
	}
	return drained
}

// Close wakes all waiting Dequeue calls with ErrQueueClosed
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.changed)
}

// Len returns the number of queued executions
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Stats returns a consistent snapshot taken under the queue lock
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	buckets := make(map[execution.Priority]int, len(execution.Priorities))
	for _, p := range execution.Priorities {
		buckets[p] = len(q.buckets[p])
	}
	return Stats{
		Running:       len(q.running),
		MaxConcurrent: q.maxConcurrent,
		Buckets:       buckets,
		TotalQueued:   len(q.queued),
	}
}

// MaxConcurrent returns the concurrency ceiling
func (q *Queue) MaxConcurrent() int {
	return q.maxConcurrent
}
