package queue

import (
	"context"
	"errors"
	"time"

	"cronbot/internal/jobs"
)

var (
	ErrStopped  = errors.New("job queue stopped")
	ErrStopping = errors.New("job queue stopping")
)

// Runner executes one dispatched run. It is called on a supervised
// goroutine; the queue state advances when it returns or panics.
type Runner func(ctx context.Context, job jobs.Job, trigger time.Time)

// Config controls the queue manager.
type Config struct {
	// MaxConcurrent bounds runs in flight across all jobs. 0 means no bound.
	// Per-job serialization holds regardless of this value.
	MaxConcurrent int
}

// EnqueueResult says what Enqueue did with a trigger.
type EnqueueResult int

const (
	// Started means the job was idle and a run began.
	Started EnqueueResult = iota
	// Queued means a run was in flight and the trigger took the follow-up slot.
	Queued
	// Coalesced means the follow-up slot was already taken; the slot now
	// carries the newer job snapshot and trigger.
	Coalesced
	// Rejected means the manager is not accepting work.
	Rejected
)

func (r EnqueueResult) String() string {
	switch r {
	case Started:
		return "started"
	case Queued:
		return "queued"
	case Coalesced:
		return "coalesced"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// State of one job's queue.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateRunningQueued
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRunningQueued:
		return "running+queued"
	}
	return "unknown"
}

// JobState is a point-in-time view of one job's queue.
type JobState struct {
	JobID       string
	State       State
	Runs        uint64
	Coalesced   uint64
	LastTrigger time.Time
	RunningFor  time.Duration
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running       bool
	MaxConcurrent int
	InFlight      int

	Started   uint64
	Queued    uint64
	Coalesced uint64
	Rejected  uint64
	Panics    uint64

	Jobs []JobState
}
