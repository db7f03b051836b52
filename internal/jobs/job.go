// Package jobs holds the data model shared by the store, executor, queue,
// scheduler and lifecycle packages.
package jobs

import (
	"strings"
	"time"
)

type Kind string

const (
	KindSystem Kind = "system"
	KindUser   Kind = "user"
)

func (k Kind) Valid() bool { return k == KindSystem || k == KindUser }

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusActive   Status = "active"
	StatusBroken   Status = "broken"
	StatusRejected Status = "rejected"
	StatusRetired  Status = "retired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusActive, StatusBroken, StatusRejected, StatusRetired:
		return true
	}
	return false
}

// Schedulable reports whether the scheduler may run jobs in this status.
func (s Status) Schedulable() bool { return s == StatusActive }

// Terminal statuses never transition again.
func (s Status) Terminal() bool { return s == StatusRejected || s == StatusRetired }

// Job is a recurring task definition. Schedule is a 5-field cron expression
// evaluated in UTC. Code is Starlark source defining run(ctx).
type Job struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schedule    string         `json:"cron"`
	Code        string         `json:"code"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	Limits      ResourceLimits `json:"limits"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	SubmittedBy string `json:"submitted_by,omitempty"`
	// SubmitterKind is the actor kind that submitted the job ("user", "agent", ...).
	SubmitterKind string `json:"submitter_kind,omitempty"`
	ApprovedBy    string `json:"approved_by,omitempty"`
}

// Clone returns a deep copy; the scheduler hands clones to workers so the
// cached read view is never shared.
func (j Job) Clone() Job {
	cp := j
	if j.LastRun != nil {
		t := *j.LastRun
		cp.LastRun = &t
	}
	return cp
}

// Label is a short human identifier for logs.
func (j Job) Label() string {
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return j.ID
	}
	return name + " (" + j.ID + ")"
}

// Draft is the submitter-provided part of a job.
type Draft struct {
	Name        string
	Description string
	Schedule    string
	Code        string
	Limits      ResourceLimits
}

// Edit is a partial update applied by resubmission. Nil fields are unchanged.
type Edit struct {
	Name        *string
	Description *string
	Schedule    *string
	Code        *string
	Limits      *ResourceLimits
}

func (e Edit) Empty() bool {
	return e.Name == nil && e.Description == nil && e.Schedule == nil && e.Code == nil && e.Limits == nil
}
