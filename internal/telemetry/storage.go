package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/corkboard/corkboard/internal/storage"
	"github.com/corkboard/corkboard/internal/types"
)

const storageScopeName = "github.com/corkboard/corkboard/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in cork.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("cork.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("cork.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("cork.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStorage) UpsertTask(ctx context.Context, task *types.Task) error {
	attrs := []attribute.KeyValue{attribute.String("cork.task.id", task.ID)}
	ctx, span, t := s.op(ctx, "UpsertTask", attrs...)
	err := s.inner.UpsertTask(ctx, task)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) UpsertTasks(ctx context.Context, tasks []*types.Task) error {
	attrs := []attribute.KeyValue{attribute.Int("cork.task.count", len(tasks))}
	ctx, span, t := s.op(ctx, "UpsertTasks", attrs...)
	err := s.inner.UpsertTasks(ctx, tasks)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetTask(ctx context.Context, id string) (*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("cork.task.id", id)}
	ctx, span, t := s.op(ctx, "GetTask", attrs...)
	v, err := s.inner.GetTask(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListTasks(ctx context.Context) ([]*types.Task, error) {
	ctx, span, t := s.op(ctx, "ListTasks")
	v, err := s.inner.ListTasks(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListColumn(ctx context.Context, column types.ColumnID) ([]*types.Task, error) {
	attrs := []attribute.KeyValue{attribute.String("cork.column", string(column))}
	ctx, span, t := s.op(ctx, "ListColumn", attrs...)
	v, err := s.inner.ListColumn(ctx, column)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) DeleteTask(ctx context.Context, id string) error {
	attrs := []attribute.KeyValue{attribute.String("cork.task.id", id)}
	ctx, span, t := s.op(ctx, "DeleteTask", attrs...)
	err := s.inner.DeleteTask(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) AppendConflictAudit(ctx context.Context, rec *storage.ConflictAudit) error {
	attrs := []attribute.KeyValue{attribute.String("cork.task.id", rec.TaskID)}
	ctx, span, t := s.op(ctx, "AppendConflictAudit", attrs...)
	err := s.inner.AppendConflictAudit(ctx, rec)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListConflictAudits(ctx context.Context, taskID string, limit int) ([]*storage.ConflictAudit, error) {
	attrs := []attribute.KeyValue{attribute.String("cork.task.id", taskID)}
	ctx, span, t := s.op(ctx, "ListConflictAudits", attrs...)
	v, err := s.inner.ListConflictAudits(ctx, taskID, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
