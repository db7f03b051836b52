package jobs

import "time"

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailure          Outcome = "failure"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeResourceExceeded Outcome = "resource_exceeded"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeResourceExceeded:
		return true
	}
	return false
}

// ExecutionRecord is one immutable run outcome.
type ExecutionRecord struct {
	ExecutionID  string    `json:"execution_id"`
	JobID        string    `json:"job_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Outcome      Outcome   `json:"status"`
	CodeSnapshot string    `json:"code_snapshot"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	DurationMS   int64     `json:"duration_ms"`
	MemoryPeakMB float64   `json:"memory_peak_mb"`

	// ScheduledAt is the trigger instant the run was dispatched for.
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// ExecutionEvent is what observability sinks receive: the record plus the
// job identity it ran under.
type ExecutionEvent struct {
	ExecutionRecord
	JobName string `json:"job_name"`
	JobKind Kind   `json:"job_kind"`
}

func NewExecutionEvent(j Job, rec ExecutionRecord) ExecutionEvent {
	return ExecutionEvent{ExecutionRecord: rec, JobName: j.Name, JobKind: j.Kind}
}
