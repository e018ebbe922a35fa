package router

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds the hand-rolled counters behind the JSON /metrics
// endpoint. OTEL export is a separate, opt-in layer; these are always
// on and cost a map increment per event.
type Metrics struct {
	mu     sync.Mutex
	events map[string]int64
	errors map[string]int64

	broadcasts atomic.Int64
	conflicts  atomic.Int64

	startTime time.Time
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		events:    make(map[string]int64),
		errors:    make(map[string]int64),
		startTime: time.Now(),
	}
}

// RecordEvent counts one dispatched inbound event.
func (m *Metrics) RecordEvent(event string) {
	m.mu.Lock()
	m.events[event]++
	m.mu.Unlock()
}

// RecordError counts one error reply by code.
func (m *Metrics) RecordError(code string) {
	m.mu.Lock()
	m.errors[code]++
	m.mu.Unlock()
}

// RecordBroadcast counts one board-wide fan-out.
func (m *Metrics) RecordBroadcast() {
	m.broadcasts.Add(1)
}

// RecordConflict counts one contested move resolved against the caller.
func (m *Metrics) RecordConflict() {
	m.conflicts.Add(1)
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	Timestamp         time.Time        `json:"timestamp"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
	Events            map[string]int64 `json:"events"`
	Errors            map[string]int64 `json:"errors"`
	Broadcasts        int64            `json:"broadcasts"`
	Conflicts         int64            `json:"conflicts"`
	VersionMismatches int64            `json:"version_mismatches"`
	ActiveConns       int              `json:"active_connections"`
	Flush             interface{}      `json:"flush,omitempty"`
	AuditDropped      int64            `json:"audit_dropped"`
	GoroutineCount    int              `json:"goroutine_count"`
	MemoryAllocMB     uint64           `json:"memory_alloc_mb"`
}

// Snapshot copies the counters under a short critical section and fills
// in the process stats.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	events := make(map[string]int64, len(m.events))
	for k, v := range m.events {
		events[k] = v
	}
	errs := make(map[string]int64, len(m.errors))
	for k, v := range m.errors {
		errs[k] = v
	}
	m.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		Timestamp:      time.Now(),
		UptimeSeconds:  time.Since(m.startTime).Seconds(),
		Events:         events,
		Errors:         errs,
		Broadcasts:     m.broadcasts.Load(),
		Conflicts:      m.conflicts.Load(),
		GoroutineCount: runtime.NumGoroutine(),
		MemoryAllocMB:  memStats.Alloc / 1024 / 1024,
	}
}
