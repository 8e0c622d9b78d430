package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
)

func newExec(command string, p execution.Priority) *execution.CommandExecution {
	opts := execution.DefaultOptions()
	opts.Priority = p
	return execution.New(execution.NewContext("dev"), command, opts)
}

func dequeueNow(t *testing.T, q *Queue) *execution.CommandExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return e
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New(10)

	for _, e := range []*execution.CommandExecution{
		newExec("low", execution.PriorityLow),
		newExec("urgent", execution.PriorityUrgent),
		newExec("normal", execution.PriorityNormal),
	} {
		if err := q.Enqueue(e); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"urgent", "normal", "low"}
	for i, w := range want {
		got := dequeueNow(t, q)
		if got.Command != w {
			t.Errorf("dequeue[%d] = %q, want %q", i, got.Command, w)
		}
	}
}

func TestQueue_FIFOWithinBucket(t *testing.T) {
	q := New(10)
	for _, c := range []string{"a", "b", "c"} {
		q.Enqueue(newExec(c, execution.PriorityHigh))
	}
	q.Enqueue(newExec("n", execution.PriorityNormal))

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, dequeueNow(t, q).Command)
	}

	want := []string{"a", "b", "c", "n"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueue_DuplicateRejected(t *testing.T) {
	q := New(2)
	e := newExec("ls", execution.PriorityNormal)

	if err := q.Enqueue(e); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(e)
	if !errors.Is(err, execution.ErrDuplicateExecution) {
		t.Fatalf("got %v, want ErrDuplicateExecution", err)
	}

	// Still a duplicate while running
	dequeueNow(t, q)
	if err := q.Enqueue(e); !errors.Is(err, execution.ErrDuplicateExecution) {
		t.Fatalf("running: got %v, want ErrDuplicateExecution", err)
	}

	// Allowed again after Done
	q.Done(e.ID())
	if err := q.Enqueue(e); err != nil {
		t.Fatalf("after done: %v", err)
	}
}

func TestQueue_ConcurrencyCeiling(t *testing.T) {
	q := New(2)
	for i := 0; i < 3; i++ {
		q.Enqueue(newExec("cmd", execution.PriorityNormal))
	}

	first := dequeueNow(t, q)
	dequeueNow(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third dequeue: got %v, want deadline exceeded", err)
	}

	q.Done(first.ID())
	dequeueNow(t, q)

	stats := q.Stats()
	if stats.Running != 2 {
		t.Errorf("Running = %d, want 2", stats.Running)
	}
}

func TestQueue_DequeueWaitsForEnqueue(t *testing.T) {
	q := New(1)

	got := make(chan *execution.CommandExecution, 1)
	go func() {
		e, err := q.Dequeue(context.Background())
		if err == nil {
			got <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(newExec("late", execution.PriorityLow))

	select {
	case e := <-got:
		if e.Command != "late" {
			t.Errorf("got %q", e.Command)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestQueue_Remove(t *testing.T) {
	q := New(1)
	a := newExec("a", execution.PriorityNormal)
	b := newExec("b", execution.PriorityNormal)
	q.Enqueue(a)
	q.Enqueue(b)

	if !q.Remove(a.ID()) {
		t.Fatal("Remove should find queued execution")
	}
	if q.Remove(a.ID()) {
		t.Error("second Remove should report false")
	}

	if got := dequeueNow(t, q); got.Command != "b" {
		t.Errorf("got %q, want b", got.Command)
	}
	if q.Remove(b.ID()) {
		t.Error("Remove of running execution should report false")
	}
}

func TestQueue_Stats(t *testing.T) {
	q := New(3)
	q.Enqueue(newExec("u", execution.PriorityUrgent))
	q.Enqueue(newExec("l1", execution.PriorityLow))
	q.Enqueue(newExec("l2", execution.PriorityLow))
	dequeueNow(t, q)

	stats := q.Stats()
	if stats.Running != 1 {
		t.Errorf("Running = %d, want 1", stats.Running)
	}
	if stats.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", stats.MaxConcurrent)
	}
	if stats.TotalQueued != 2 {
		t.Errorf("TotalQueued = %d, want 2", stats.TotalQueued)
	}
	if stats.Buckets[execution.PriorityLow] != 2 || stats.Buckets[execution.PriorityUrgent] != 0 {
		t.Errorf("Buckets = %v", stats.Buckets)
	}
}

func TestQueue_CloseWakesWaiters(t *testing.T) {
	q := New(2)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("got %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake dequeue")
	}

	if err := q.Enqueue(newExec("x", execution.PriorityNormal)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("enqueue after close: got %v", err)
	}
}

func TestQueue_Drain(t *testing.T) {
	q := New(1)
	q.Enqueue(newExec("l", execution.PriorityLow))
	q.Enqueue(newExec("h", execution.PriorityHigh))

	drained := q.Drain()
	if len(drained) != 2 || drained[0].Command != "h" {
		t.Fatalf("Drain() = %v", drained)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drain", q.Len())
	}
}

func TestQueue_OnSlotsChanged(t *testing.T) {
	q := New(2)

	var mu sync.Mutex
	var notifications []int
	q.SetOnSlotsChanged(func(available int) {
		mu.Lock()
		notifications = append(notifications, available)
		mu.Unlock()
	})

	a := newExec("a", execution.PriorityNormal)
	q.Enqueue(a)
	q.Enqueue(newExec("b", execution.PriorityNormal))
	dequeueNow(t, q)
	dequeueNow(t, q)
	q.Done(a.ID())

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 0, 1}
	if len(notifications) != len(want) {
		t.Fatalf("got %v, want %v", notifications, want)
	}
	for i := range want {
		if notifications[i] != want[i] {
			t.Errorf("notification[%d] = %d, want %d", i, notifications[i], want[i])
		}
	}
}

func TestQueue_ConcurrentEnqueueDequeue(t *testing.T) {
	q := New(4)
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(newExec("cmd", execution.Priorities[i%4]))
		}(i)
	}

	seen := make(chan string, n)
	for w := 0; w < 4; w++ {
		go func() {
			for {
				e, err := q.Dequeue(context.Background())
				if err != nil {
					return
				}
				seen <- e.ID()
				q.Done(e.ID())
			}
		}()
	}

	wg.Wait()
	ids := make(map[string]bool)
	timeout := time.After(5 * time.Second)
	for len(ids) < n {
		select {
		case id := <-seen:
			if ids[id] {
				t.Fatalf("execution %s dequeued twice", id)
			}
			ids[id] = true
		case <-timeout:
			t.Fatalf("only %d of %d dequeued", len(ids), n)
		}
	}
	q.Close()

	if stats := q.Stats(); stats.TotalQueued != 0 {
		t.Errorf("TotalQueued = %d, want 0", stats.TotalQueued)
	}
}
