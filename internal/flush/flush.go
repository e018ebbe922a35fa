// Package flush implements the debounced write-behind queue between the
// authoritative cache and durable storage.
//
// Every cache mutation enqueues a job keyed by a deterministic id. A
// burst of enqueues under one id collapses to a single execution no
// sooner than the debounce delay after the last enqueue, so a drag
// gesture that emits dozens of moves costs one durable write. A small
// fixed worker pool runs non-colliding jobs in parallel; jobs sharing an
// id serialize naturally. Callers never wait on durability.
package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// DefaultDelay is how long a job waits after its last enqueue before
// executing. Durable storage lags the cache by at most this plus retry
// backoff.
const DefaultDelay = 500 * time.Millisecond

// DefaultWorkers bounds how many jobs execute concurrently.
const DefaultWorkers = 5

// maxAttempts bounds retries per execution before the failure is
// declared permanent and logged.
const maxAttempts = 5

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("flush queue is closed")

// Kind labels a job for logging and stats.
type Kind string

const (
	KindUpsert    Kind = "upsert"
	KindDelete    Kind = "delete"
	KindRebalance Kind = "rebalance"
)

// Job is one unit of write-behind work. Jobs with equal IDs coalesce:
// an enqueue while a job with the same ID is pending supersedes it, so
// Run closures must read current state at execution time, never an
// enqueue-time snapshot.
type Job struct {
	ID   string
	Kind Kind
	Run  func(ctx context.Context) error
}

// TaskJobID keys upserts and deletes for one task. They share the slot
// deliberately: whichever is enqueued later wins.
func TaskJobID(taskID string) string {
	return "task_" + taskID
}

// RebalanceJobID keys the rebalance job for one column.
func RebalanceJobID(columnID string) string {
	return "rebalance_" + columnID
}

type pending struct {
	job   Job
	timer *time.Timer
}

// Queue is the debounced, de-duplicated write-behind executor.
type Queue struct {
	mu       sync.Mutex
	pendings map[string]*pending
	running  map[string]Kind
	deferred map[string]Job // timer fired while the same id was executing
	closed   bool

	delay time.Duration
	sem   chan struct{}
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	log *logrus.Logger

	executed  atomic.Int64
	coalesced atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithDelay overrides the debounce delay.
func WithDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.delay = d
		}
	}
}

// WithWorkers overrides the worker pool size.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.sem = make(chan struct{}, n)
		}
	}
}

// New creates a flush queue. Close must be called to drain it.
func New(log *logrus.Logger, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pendings: make(map[string]*pending),
		running:  make(map[string]Kind),
		deferred: make(map[string]Job),
		delay:    DefaultDelay,
		sem:      make(chan struct{}, DefaultWorkers),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules a job to run after the debounce delay. A pending job
// with the same ID is superseded; its timer restarts from now.
func (q *Queue) Enqueue(job Job) error {
	if job.ID == "" || job.Run == nil {
		return errors.New("flush job needs an id and a body")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if prev, ok := q.pendings[job.ID]; ok {
		prev.timer.Stop()
		q.coalesced.Add(1)
	}

	id := job.ID
	p := &pending{job: job}
	p.timer = time.AfterFunc(q.delay, func() { q.fire(id, p) })
	q.pendings[id] = p
	return nil
}

// fire moves a pending job into execution, or parks it when a job with
// the same id is still running. The pending identity check defuses a
// superseded timer whose callback was already in flight when Stop
// returned false: it must not execute the successor early.
func (q *Queue) fire(id string, p *pending) {
	q.mu.Lock()
	cur, ok := q.pendings[id]
	if !ok || cur != p {
		q.mu.Unlock()
		return
	}
	delete(q.pendings, id)

	if _, busy := q.running[id]; busy {
		q.deferred[id] = p.job
		q.mu.Unlock()
		return
	}
	q.startLocked(p.job)
	q.mu.Unlock()
}

// startLocked marks the job running and hands it to a worker slot.
// Caller holds mu.
func (q *Queue) startLocked(job Job) {
	q.running[job.ID] = job.Kind
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case q.sem <- struct{}{}:
			defer func() { <-q.sem }()
		case <-q.ctx.Done():
			q.finish(job.ID)
			return
		}
		q.execute(job)
		q.finish(job.ID)
	}()
}

// execute runs a job with exponential-backoff retries. Failures never
// surface to clients; a permanent failure is logged and the cache stays
// authoritative until reconciliation.
func (q *Queue) execute(job Job) {
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1),
		q.ctx,
	)
	err := backoff.Retry(func() error {
		attempt++
		if err := job.Run(q.ctx); err != nil {
			if attempt < maxAttempts {
				q.retried.Add(1)
				q.log.WithFields(logrus.Fields{
					"job":     job.ID,
					"kind":    job.Kind,
					"attempt": attempt,
					"error":   err,
				}).Warn("flush job failed, retrying")
			}
			return err
		}
		return nil
	}, policy)

	if err != nil {
		q.failed.Add(1)
		q.log.WithFields(logrus.Fields{
			"job":      job.ID,
			"kind":     job.Kind,
			"attempts": attempt,
			"error":    err,
		}).Error("flush job failed permanently")
		return
	}
	q.executed.Add(1)
}

// finish clears the running mark and re-arms any job that was deferred
// behind this id.
func (q *Queue) finish(id string) {
	q.mu.Lock()
	delete(q.running, id)
	if job, ok := q.deferred[id]; ok {
		delete(q.deferred, id)
		q.startLocked(job)
	}
	q.mu.Unlock()
}

// Flush short-circuits every pending debounce timer and waits for all
// in-flight work to complete or ctx to expire. Used on shutdown so the
// bounded write-loss window closes cleanly.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	due := make(map[string]*pending, len(q.pendings))
	for id, p := range q.pendings {
		p.timer.Stop()
		due[id] = p
	}
	q.mu.Unlock()

	for id, p := range due {
		q.fire(id, p)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, drains pending and in-flight work, then
// releases the workers. Safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := q.Flush(ctx)
	q.cancel()
	return err
}

// PendingKind reports whether any work is queued, parked, or running
// under id, and which kind it is. The hydration path uses it to keep a
// not-yet-flushed delete from being re-read out of durable storage.
func (q *Queue) PendingKind(id string) (Kind, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pendings[id]; ok {
		return p.job.Kind, true
	}
	if job, ok := q.deferred[id]; ok {
		return job.Kind, true
	}
	if kind, ok := q.running[id]; ok {
		return kind, true
	}
	return "", false
}

// Stats is a point-in-time view of queue activity for /metrics.
type Stats struct {
	Pending   int   `json:"pending"`
	Running   int   `json:"running"`
	Executed  int64 `json:"executed"`
	Coalesced int64 `json:"coalesced"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}

// Stats snapshots the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pendings) + len(q.deferred)
	running := len(q.running)
	q.mu.Unlock()
	return Stats{
		Pending:   pending,
		Running:   running,
		Executed:  q.executed.Load(),
		Coalesced: q.coalesced.Load(),
		Retried:   q.retried.Load(),
		Failed:    q.failed.Load(),
	}
}
