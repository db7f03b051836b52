package scheduler

import (
	"context"
	"time"

	"cronbot/internal/clock"
	"cronbot/internal/eventbus"
	"cronbot/internal/jobs"
	"cronbot/internal/task/queue"
	"cronbot/pkg/logx"
)

// Config controls the scheduling loop.
type Config struct {
	Enabled      bool
	TickInterval time.Duration
	// Timezone is used only to display next-run times; cron evaluation is UTC.
	Timezone      string
	MaxConcurrent int
}

const defaultTickInterval = 60 * time.Second

// Store is the subset of storage.Store the scheduler reads and writes.
type Store interface {
	LoadJobs(ctx context.Context) ([]jobs.Job, error)
	GetJob(ctx context.Context, id string) (jobs.Job, error)
	MarkRun(ctx context.Context, id string, at time.Time) error
	AppendHistory(ctx context.Context, rec jobs.ExecutionRecord) error
}

type Executor interface {
	Check(j jobs.Job) error
	Execute(ctx context.Context, j jobs.Job, trigger time.Time) (jobs.ExecutionRecord, error)
}

type Lifecycle interface {
	Quarantine(ctx context.Context, id, cause string) (jobs.Job, error)
	RegisterSystem(ctx context.Context, def jobs.Job) (jobs.Job, error)
}

// Sink receives every finished execution.
type Sink interface {
	Observe(ctx context.Context, ev jobs.ExecutionEvent)
}

// Notifier reaches the operator for user-visible job problems.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

type Deps struct {
	Store     Store
	Executor  Executor
	Lifecycle Lifecycle
	Sink      Sink
	Notifier  Notifier
	Bus       eventbus.Bus
	Clock     clock.Clock
	Log       logx.Logger
}

// StoreError is published on the bus when a runner cannot persist.
type StoreError struct {
	Op    string `json:"op"`
	JobID string `json:"job_id"`
	Err   string `json:"err"`
}

type JobInfo struct {
	ID       string
	Name     string
	Kind     jobs.Kind
	Status   jobs.Status
	Schedule string

	NextRun     time.Time
	LastRun     time.Time
	LastOutcome jobs.Outcome
	Error       string

	Queue queue.JobState
}

type Snapshot struct {
	Enabled      bool
	Running      bool
	Timezone     string
	TickInterval time.Duration

	LastTick       time.Time
	LastTickErr    string
	LastDispatched int
	Ticks          uint64

	Queue queue.Snapshot
	Jobs  []JobInfo
}
