package conflict

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/types"
)

func baseTask() *types.Task {
	return &types.Task{
		ID:          "t1",
		ColumnID:    types.ColumnTodo,
		Title:       "write the report",
		Description: "quarterly numbers",
		Order:       0.5,
		Version:     3,
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMergeFieldsAppliesOnlyEditFields(t *testing.T) {
	current := baseTask()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	title := "write the annual report"

	merged := MergeFields(current, &title, nil, "Bea", "#3cb44b", now)

	assert.Equal(t, "write the annual report", merged.Title)
	assert.Equal(t, "quarterly numbers", merged.Description, "nil description leaves current value")
	assert.Equal(t, types.ColumnTodo, merged.ColumnID, "merge never touches position")
	assert.Equal(t, 0.5, merged.Order)
	assert.Equal(t, int64(4), merged.Version)
	assert.Equal(t, "Bea", merged.UpdatedByName)
	assert.Equal(t, now, merged.UpdatedAt)

	// The input is untouched; callers hold it across goroutines.
	assert.Equal(t, "write the report", current.Title)
	assert.Equal(t, int64(3), current.Version)
}

func TestMergeFieldsCommutesWithMove(t *testing.T) {
	now := time.Now().UTC()
	title := "new title"

	applyMove := func(task *types.Task) *types.Task {
		moved := task.Clone()
		moved.ColumnID = types.ColumnDone
		moved.Order = 2.5
		moved.Version++
		return moved
	}

	// edit then move
	a := applyMove(MergeFields(baseTask(), &title, nil, "Bea", "#3cb44b", now))
	// move then edit
	b := MergeFields(applyMove(baseTask()), &title, nil, "Bea", "#3cb44b", now)

	assert.Equal(t, a.Title, b.Title)
	assert.Equal(t, a.ColumnID, b.ColumnID)
	assert.Equal(t, a.Order, b.Order)
	assert.Equal(t, a.Version, b.Version, "two mutations advance the version by two in either order")
	assert.Equal(t, int64(5), a.Version)
}

func TestNewNotice(t *testing.T) {
	resolved := baseTask()
	n := NewNotice("t1", resolved)
	assert.Equal(t, "t1", n.TaskID)
	assert.Same(t, resolved, n.ResolvedState)
	assert.Equal(t, LoserMessage, n.Message)
}

// auditSink records AppendConflictAudit calls; the rest of the storage
// interface is unused by the auditor.
type auditSink struct {
	storage.Storage
	mu   sync.Mutex
	recs []*storage.ConflictAudit
}

func (s *auditSink) AppendConflictAudit(ctx context.Context, rec *storage.ConflictAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *auditSink) records() []*storage.ConflictAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*storage.ConflictAudit(nil), s.recs...)
}

func TestAuditorWritesEntry(t *testing.T) {
	sink := &auditSink{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	a := NewAuditor(sink, log)

	resolved := baseTask()
	a.Record(Entry{
		TaskID:        "t1",
		WinnerEvent:   "TASK_MOVE",
		LoserEvent:    "TASK_MOVE",
		WinnerUserID:  "conn-a",
		LoserUserID:   "conn-b",
		ResolvedState: resolved,
		Message:       LoserMessage,
		At:            time.Now().UTC(),
	})
	require.NoError(t, a.Close())

	recs := sink.records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, "conn-a", rec.WinnerUserID)
	assert.Equal(t, "conn-b", rec.LoserUserID)

	var state types.Task
	require.NoError(t, json.Unmarshal(rec.ResolvedState, &state))
	assert.Equal(t, resolved.Version, state.Version)
}

func TestAuditorRecordDuringCloseDoesNotPanic(t *testing.T) {
	sink := &auditSink{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	a := NewAuditor(sink, log)

	// Move handlers can still be recording conflicts while shutdown
	// closes the auditor; none of these sends may hit a closed channel.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				a.Record(Entry{TaskID: "t1", ResolvedState: baseTask(), At: time.Now().UTC()})
			}
		}()
	}
	close(start)
	require.NoError(t, a.Close())
	wg.Wait()

	assert.LessOrEqual(t, len(sink.records()), 8*200)
}

func TestAuditorRecordAfterCloseIsDropped(t *testing.T) {
	sink := &auditSink{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	a := NewAuditor(sink, log)
	require.NoError(t, a.Close())

	a.Record(Entry{TaskID: "t1", ResolvedState: baseTask()})
	assert.Empty(t, sink.records())
}
