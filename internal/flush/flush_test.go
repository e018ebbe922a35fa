package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestDebounceCoalescesBurst(t *testing.T) {
	q := New(quietLogger(), WithDelay(30*time.Millisecond))
	defer q.Close()

	var runs atomic.Int64
	for i := 0; i < 10; i++ {
		err := q.Enqueue(Job{
			ID:   TaskJobID("t1"),
			Kind: KindUpsert,
			Run: func(ctx context.Context) error {
				runs.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
	time.Sleep(60 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("10 enqueues within the delay ran %d times, want 1", got)
	}
	if s := q.Stats(); s.Coalesced != 9 {
		t.Errorf("coalesced = %d, want 9", s.Coalesced)
	}
}

func TestLaterEnqueueSupersedesPending(t *testing.T) {
	q := New(quietLogger(), WithDelay(30*time.Millisecond))
	defer q.Close()

	var got atomic.Value
	enqueue := func(kind Kind) {
		_ = q.Enqueue(Job{
			ID:   TaskJobID("t1"),
			Kind: kind,
			Run: func(ctx context.Context) error {
				got.Store(kind)
				return nil
			},
		})
	}

	// A delete enqueued after an upsert wins the shared slot.
	enqueue(KindUpsert)
	enqueue(KindDelete)

	waitFor(t, time.Second, func() bool { return got.Load() != nil })
	if kind := got.Load().(Kind); kind != KindDelete {
		t.Errorf("executed kind = %s, want %s", kind, KindDelete)
	}
}

func TestDistinctIDsRunIndependently(t *testing.T) {
	q := New(quietLogger(), WithDelay(10*time.Millisecond))
	defer q.Close()

	var mu sync.Mutex
	seen := make(map[string]int)
	for _, id := range []string{"task_a", "task_b", "rebalance_todo"} {
		id := id
		_ = q.Enqueue(Job{
			ID:   id,
			Kind: KindUpsert,
			Run: func(ctx context.Context) error {
				mu.Lock()
				seen[id]++
				mu.Unlock()
				return nil
			},
		})
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s ran %d times, want 1", id, n)
		}
	}
}

func TestEnqueueDuringExecutionRunsAfter(t *testing.T) {
	q := New(quietLogger(), WithDelay(10*time.Millisecond))
	defer q.Close()

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(tag string) {
		mu.Lock()
		order = append(order, tag)
		mu.Unlock()
	}

	_ = q.Enqueue(Job{
		ID:   TaskJobID("t1"),
		Kind: KindUpsert,
		Run: func(ctx context.Context) error {
			record("first")
			<-release
			return nil
		},
	})

	// Wait until the first execution holds the id, then enqueue again.
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	})
	_ = q.Enqueue(Job{
		ID:   TaskJobID("t1"),
		Kind: KindUpsert,
		Run: func(ctx context.Context) error {
			record("second")
			return nil
		},
	})
	time.Sleep(30 * time.Millisecond)
	close(release)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("execution order = %v, want [first second]", order)
	}
}

func TestStaleTimerCannotFireSuccessorEarly(t *testing.T) {
	q := New(quietLogger(), WithDelay(time.Hour))
	defer q.Close()

	var runs atomic.Int64
	enqueue := func() {
		_ = q.Enqueue(Job{
			ID:   TaskJobID("t1"),
			Kind: KindUpsert,
			Run: func(ctx context.Context) error {
				runs.Add(1)
				return nil
			},
		})
	}

	enqueue()
	q.mu.Lock()
	stale := q.pendings[TaskJobID("t1")]
	q.mu.Unlock()

	// Supersede, then deliver the old timer's callback as if Stop had
	// lost the race with a timer that already fired. The successor must
	// wait out its own delay, not run now.
	enqueue()
	q.fire(TaskJobID("t1"), stale)

	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Errorf("stale timer executed %d jobs, want 0", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestPendingKind(t *testing.T) {
	q := New(quietLogger(), WithDelay(time.Hour))
	defer q.Close()

	_ = q.Enqueue(Job{
		ID:   TaskJobID("t1"),
		Kind: KindDelete,
		Run:  func(ctx context.Context) error { return nil },
	})

	kind, ok := q.PendingKind(TaskJobID("t1"))
	if !ok || kind != KindDelete {
		t.Errorf("PendingKind = %s/%v, want %s/true", kind, ok, KindDelete)
	}
	if _, ok := q.PendingKind(TaskJobID("other")); ok {
		t.Error("PendingKind reported work for an idle id")
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	q := New(quietLogger(), WithDelay(time.Millisecond))
	defer q.Close()

	var attempts atomic.Int64
	_ = q.Enqueue(Job{
		ID:   TaskJobID("t1"),
		Kind: KindUpsert,
		Run: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})

	waitFor(t, 10*time.Second, func() bool { return attempts.Load() >= 3 })
	waitFor(t, 10*time.Second, func() bool { return q.Stats().Executed == 1 })
	s := q.Stats()
	if s.Failed != 0 {
		t.Errorf("failed = %d, want 0", s.Failed)
	}
	if s.Retried != 2 {
		t.Errorf("retried = %d, want 2", s.Retried)
	}
}

func TestFlushDrainsPendingImmediately(t *testing.T) {
	q := New(quietLogger(), WithDelay(time.Hour))
	defer q.Close()

	var runs atomic.Int64
	_ = q.Enqueue(Job{
		ID:   TaskJobID("t1"),
		Kind: KindUpsert,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestCloseRejectsNewJobs(t *testing.T) {
	q := New(quietLogger())
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err := q.Enqueue(Job{ID: "task_x", Kind: KindUpsert, Run: func(ctx context.Context) error { return nil }})
	if err != ErrClosed {
		t.Errorf("Enqueue after close = %v, want ErrClosed", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
