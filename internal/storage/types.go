package storage

import (
	"context"
	"errors"
	"time"

	"cronbot/internal/jobs"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path (default)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the single writer gate for jobs, execution history, audit
// entries and per-job key-value data. Implementations serialize writers
// internally; any I/O error is returned to the caller unchanged in meaning.
type Store interface {
	// LoadJobs returns every readable job. Corrupt entries are skipped with a warning.
	LoadJobs(ctx context.Context) ([]jobs.Job, error)
	GetJob(ctx context.Context, id string) (jobs.Job, error)
	// SaveJob upserts one job atomically.
	SaveJob(ctx context.Context, j jobs.Job) error
	// UpdateJob applies fn to the stored job under the writer lock and saves
	// the result. If fn returns an error nothing is written.
	UpdateJob(ctx context.Context, id string, fn func(*jobs.Job) error) (jobs.Job, error)
	UpdateStatus(ctx context.Context, id string, status jobs.Status, errMsg string) error
	// MarkRun advances last_run to at (never backwards) and touches nothing else.
	MarkRun(ctx context.Context, id string, at time.Time) error

	AppendHistory(ctx context.Context, rec jobs.ExecutionRecord) error
	// ListHistory returns records most-recent-first; limit <= 0 means all.
	ListHistory(ctx context.Context, jobID string, limit int) ([]jobs.ExecutionRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, jobID string, limit int) ([]AuditEntry, error)

	KVGet(ctx context.Context, jobID, key string) (string, bool, error)
	KVPut(ctx context.Context, jobID, key, value string) error
	KVDelete(ctx context.Context, jobID, key string) error

	// Notifier dedup state, so dedup windows survive restarts.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// AuditEntry records one lifecycle transition or operator action.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	ActorKind string    `json:"actor_kind"`
	Action    string    `json:"action"`
	JobID     string    `json:"job_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
