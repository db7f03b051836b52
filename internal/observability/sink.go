// Package observability receives finished executions and exposes process
// diagnostics. Sinks never influence scheduling: a failing sink is logged and
// ignored.
package observability

import (
	"context"
	"runtime/debug"
	"time"

	"cronbot/internal/eventbus"
	"cronbot/internal/jobs"
	"cronbot/pkg/logx"
)

// Sink receives every finished execution.
type Sink interface {
	Observe(ctx context.Context, ev jobs.ExecutionEvent)
}

// Multi fans an event out to every sink in order. A panicking sink is
// recovered and logged; the remaining sinks still run.
type Multi struct {
	sinks []Sink
	log   logx.Logger
}

func NewMulti(log logx.Logger, sinks ...Sink) *Multi {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Multi{log: log.With(logx.String("comp", "observability"))}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Observe(ctx context.Context, ev jobs.ExecutionEvent) {
	for _, s := range m.sinks {
		m.observeOne(ctx, s, ev)
	}
}

func (m *Multi) observeOne(ctx context.Context, s Sink, ev jobs.ExecutionEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("observability sink panicked",
				logx.String("job_id", ev.JobID),
				logx.String("execution_id", ev.ExecutionID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	s.Observe(ctx, ev)
}

// LogSink writes one audit line per execution. Failures are logged at warn so
// an operator sees them without a metrics stack.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log.With(logx.String("comp", "audit"))}
}

func (s *LogSink) Observe(_ context.Context, ev jobs.ExecutionEvent) {
	fields := []logx.Field{
		logx.String("job_id", ev.JobID),
		logx.String("name", ev.JobName),
		logx.String("kind", string(ev.JobKind)),
		logx.String("execution_id", ev.ExecutionID),
		logx.String("outcome", string(ev.Outcome)),
		logx.Time("scheduled_at", ev.ScheduledAt),
		logx.Int64("duration_ms", ev.DurationMS),
		logx.Float64("memory_peak_mb", ev.MemoryPeakMB),
		logx.Int("stdout_bytes", len(ev.Stdout)),
		logx.Int("stderr_bytes", len(ev.Stderr)),
	}
	if ev.Outcome == jobs.OutcomeSuccess {
		s.log.Info("execution finished", fields...)
		return
	}
	fields = append(fields, logx.String("error", ev.Error))
	s.log.Warn("execution finished", fields...)
}

// BusSink republishes executions on the in-memory bus.
type BusSink struct {
	bus eventbus.Bus
	now func() time.Time
}

func NewBusSink(bus eventbus.Bus) *BusSink {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &BusSink{bus: bus, now: time.Now}
}

func (s *BusSink) Observe(_ context.Context, ev jobs.ExecutionEvent) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionFinished, Time: s.now(), Data: ev})
}
