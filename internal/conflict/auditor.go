package conflict

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/types"
)

// auditBuffer bounds how many unwritten audit entries can queue before
// new ones are dropped. Audit is observability, not correctness; a full
// buffer must never stall the move path.
const auditBuffer = 256

// Entry is one contested-move outcome headed for the audit log.
type Entry struct {
	TaskID        string
	WinnerEvent   string
	LoserEvent    string
	WinnerUserID  string
	LoserUserID   string
	ResolvedState *types.Task
	Message       string
	At            time.Time
}

// Auditor writes conflict audit records to durable storage off the
// critical path. Record hands the entry to a single background worker
// and returns immediately; write failures are logged and forgotten.
//
// mu serializes sends against Close: a Record that observed an open
// auditor holds the read lock through its send, so the channel can
// never close underneath it. Websocket handlers keep running after the
// HTTP listener stops, which makes that overlap reachable at shutdown.
type Auditor struct {
	store   storage.Storage
	log     *logrus.Logger
	mu      sync.RWMutex
	entries chan Entry
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewAuditor starts the background writer.
func NewAuditor(store storage.Storage, log *logrus.Logger) *Auditor {
	a := &Auditor{
		store:   store,
		log:     log,
		entries: make(chan Entry, auditBuffer),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record queues one audit entry, fire-and-forget. Entries arriving
// after Close or while the buffer is full are dropped with a warning.
func (a *Auditor) Record(e Entry) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.entries <- e:
	default:
		a.dropped.Add(1)
		a.log.WithFields(logrus.Fields{
			"task":    e.TaskID,
			"dropped": a.dropped.Load(),
		}).Warn("audit buffer full, dropping conflict record")
	}
}

// Dropped reports how many entries were discarded because the buffer
// was full.
func (a *Auditor) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting entries and drains the buffer.
func (a *Auditor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.entries)
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *Auditor) run() {
	defer a.wg.Done()
	for e := range a.entries {
		a.write(e)
	}
}

func (a *Auditor) write(e Entry) {
	resolved, err := json.Marshal(e.ResolvedState)
	if err != nil {
		a.log.WithField("task", e.TaskID).WithError(err).Warn("failed to marshal audit state")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &storage.ConflictAudit{
		TaskID:        e.TaskID,
		WinnerEvent:   e.WinnerEvent,
		LoserEvent:    e.LoserEvent,
		WinnerUserID:  e.WinnerUserID,
		LoserUserID:   e.LoserUserID,
		ResolvedState: resolved,
		Message:       e.Message,
		ConflictAt:    e.At,
	}
	if err := a.store.AppendConflictAudit(ctx, rec); err != nil {
		a.log.WithField("task", e.TaskID).WithError(err).Warn("failed to write conflict audit record")
	}
}
