// Package lifecycle owns job status transitions. Approval is the only path
// into active for user jobs, and it accepts only user actors acting outside
// any job execution.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronbot/internal/clock"
	"cronbot/internal/cronexpr"
	"cronbot/internal/eventbus"
	"cronbot/internal/executor"
	"cronbot/internal/jobs"
	"cronbot/internal/storage"
	"cronbot/pkg/logx"
)

// Store is the subset of storage.Store the lifecycle writes through.
type Store interface {
	GetJob(ctx context.Context, id string) (jobs.Job, error)
	SaveJob(ctx context.Context, j jobs.Job) error
	UpdateJob(ctx context.Context, id string, fn func(*jobs.Job) error) (jobs.Job, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Checker compiles job code without evaluating any of it.
type Checker interface {
	Check(j jobs.Job) error
}

type Options struct {
	Clock    clock.Clock
	IDs      func() string
	Defaults jobs.ResourceLimits
	Maxima   jobs.Maxima
	// Checker, when set, rejects submissions whose code does not compile.
	Checker Checker
	Bus     eventbus.Bus
	Log     logx.Logger
}

type Service struct {
	store Store
	opts  Options
	log   logx.Logger
}

func New(store Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.NewString
	}
	if opts.Defaults == (jobs.ResourceLimits{}) {
		opts.Defaults = jobs.DefaultLimits()
	}
	if opts.Maxima == (jobs.Maxima{}) {
		opts.Maxima = jobs.DefaultMaxima()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, opts: opts, log: log.With(logx.String("comp", "lifecycle"))}
}

func (s *Service) now() time.Time { return s.opts.Clock.Now().UTC() }

func validateSchedule(expr string, now time.Time) error {
	if _, err := cronexpr.Parse(expr); err != nil {
		return &jobs.ValidationError{Field: "cron", Reason: err.Error()}
	}
	if _, err := cronexpr.NextRun(expr, now, time.UTC); err != nil {
		return &jobs.ValidationError{Field: "cron", Reason: err.Error()}
	}
	return nil
}

func (s *Service) validate(j jobs.Job) error {
	d := jobs.Draft{Name: j.Name, Description: j.Description, Schedule: j.Schedule, Code: j.Code, Limits: j.Limits}
	if err := jobs.ValidateDraft(d, s.opts.Maxima); err != nil {
		return err
	}
	if err := validateSchedule(j.Schedule, s.now()); err != nil {
		return err
	}
	if s.opts.Checker != nil {
		if err := s.opts.Checker.Check(j); err != nil {
			var le *executor.LoadError
			if errors.As(err, &le) {
				return &jobs.ValidationError{Field: "code", Reason: le.Cause}
			}
			return &jobs.ValidationError{Field: "code", Reason: err.Error()}
		}
	}
	return nil
}

// Submit validates a draft and stores it as a pending user job.
func (s *Service) Submit(ctx context.Context, actor Actor, d jobs.Draft) (jobs.Job, error) {
	if actor.Kind != ActorUser && actor.Kind != ActorAgent {
		return jobs.Job{}, fmt.Errorf("%w: %s actors cannot submit jobs", ErrForbidden, actor.Kind)
	}
	if executor.InJob(ctx) {
		return jobs.Job{}, fmt.Errorf("%w: job code cannot submit jobs", ErrForbidden)
	}

	now := s.now()
	j := jobs.Job{
		ID:            s.opts.IDs(),
		Name:          strings.TrimSpace(d.Name),
		Description:   d.Description,
		Schedule:      strings.TrimSpace(d.Schedule),
		Code:          d.Code,
		Kind:          jobs.KindUser,
		Status:        jobs.StatusPending,
		Limits:        d.Limits.Normalize(s.opts.Defaults),
		CreatedAt:     now,
		UpdatedAt:     now,
		SubmittedBy:   actor.ID,
		SubmitterKind: string(actor.Kind),
	}
	if err := s.validate(j); err != nil {
		return jobs.Job{}, err
	}
	if err := s.store.SaveJob(ctx, j); err != nil {
		return jobs.Job{}, fmt.Errorf("save job: %w", err)
	}
	s.record(ctx, actor, "submit", j.ID, "", jobs.StatusPending, "")
	s.log.Info("job submitted", logx.String("job_id", j.ID), logx.String("name", j.Name), logx.String("actor", actor.String()))
	return j, nil
}

// guardApprover enforces the approval rules: a named user, outside any job
// execution, who is not the non-user submitter of the job.
func guardApprover(ctx context.Context, actor Actor, j *jobs.Job) error {
	if actor.Kind != ActorUser {
		return fmt.Errorf("%w: only a user can approve jobs (actor is %s)", ErrForbidden, actor.Kind)
	}
	if strings.TrimSpace(actor.ID) == "" {
		return fmt.Errorf("%w: approving user must be identified", ErrForbidden)
	}
	if executor.InJob(ctx) {
		return fmt.Errorf("%w: approval cannot originate from job execution", ErrForbidden)
	}
	if j.SubmitterKind != "" && j.SubmitterKind != string(ActorUser) && j.SubmittedBy == actor.ID {
		return fmt.Errorf("%w: %s submitted job %s and cannot approve it", ErrForbidden, actor.ID, j.ID)
	}
	return nil
}

// Approve moves a pending or approved job to active. It is the user-only
// entry point into active.
func (s *Service) Approve(ctx context.Context, actor Actor, id string) (jobs.Job, error) {
	var from jobs.Status
	now := s.now()
	j, err := s.store.UpdateJob(ctx, id, func(j *jobs.Job) error {
		if err := guardApprover(ctx, actor, j); err != nil {
			return err
		}
		from = j.Status
		path := []jobs.Status{jobs.StatusActive}
		if j.Status == jobs.StatusPending {
			path = []jobs.Status{jobs.StatusApproved, jobs.StatusActive}
		}
		if err := checkTransition(j, path...); err != nil {
			return err
		}
		j.Status = jobs.StatusActive
		j.ApprovedBy = actor.ID
		j.ErrorMessage = ""
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	if from == jobs.StatusPending {
		s.record(ctx, actor, "approve", id, jobs.StatusPending, jobs.StatusApproved, "")
		from = jobs.StatusApproved
	}
	s.record(ctx, actor, "activate", id, from, jobs.StatusActive, "")
	s.log.Info("job approved", logx.String("job_id", id), logx.String("actor", actor.String()))
	return j, nil
}

// Activate moves an approved job to active under the same guard as Approve.
func (s *Service) Activate(ctx context.Context, actor Actor, id string) (jobs.Job, error) {
	now := s.now()
	j, err := s.store.UpdateJob(ctx, id, func(j *jobs.Job) error {
		if err := guardApprover(ctx, actor, j); err != nil {
			return err
		}
		if j.Status != jobs.StatusApproved {
			return fmt.Errorf("%w: job %s is %s, only approved jobs can be activated", ErrInvalidTransition, j.ID, j.Status)
		}
		j.Status = jobs.StatusActive
		if j.ApprovedBy == "" {
			j.ApprovedBy = actor.ID
		}
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	s.record(ctx, actor, "activate", id, jobs.StatusApproved, jobs.StatusActive, "")
	return j, nil
}

// Reject discards a job awaiting review.
func (s *Service) Reject(ctx context.Context, actor Actor, id, reason string) (jobs.Job, error) {
	return s.userTransition(ctx, actor, id, "reject", jobs.StatusRejected, reason)
}

// Retire permanently removes a job from scheduling.
func (s *Service) Retire(ctx context.Context, actor Actor, id string) (jobs.Job, error) {
	return s.userTransition(ctx, actor, id, "retire", jobs.StatusRetired, "")
}

func (s *Service) userTransition(ctx context.Context, actor Actor, id, action string, to jobs.Status, detail string) (jobs.Job, error) {
	if actor.Kind != ActorUser {
		return jobs.Job{}, fmt.Errorf("%w: only a user can %s jobs", ErrForbidden, action)
	}
	if executor.InJob(ctx) {
		return jobs.Job{}, fmt.Errorf("%w: %s cannot originate from job execution", ErrForbidden, action)
	}
	var from jobs.Status
	now := s.now()
	j, err := s.store.UpdateJob(ctx, id, func(j *jobs.Job) error {
		if err := checkTransition(j, to); err != nil {
			return err
		}
		from = j.Status
		j.Status = to
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	s.record(ctx, actor, action, id, from, to, detail)
	s.log.Info("job status changed", logx.String("job_id", id), logx.String("action", action), logx.String("to", string(to)), logx.String("actor", actor.String()))
	return j, nil
}

// Quarantine marks an active job broken with a human-readable cause. A job
// that is already broken is returned unchanged.
func (s *Service) Quarantine(ctx context.Context, id, cause string) (jobs.Job, error) {
	var from jobs.Status
	now := s.now()
	j, err := s.store.UpdateJob(ctx, id, func(j *jobs.Job) error {
		from = j.Status
		if j.Status == jobs.StatusBroken {
			return nil
		}
		if err := checkTransition(j, jobs.StatusBroken); err != nil {
			return err
		}
		j.Status = jobs.StatusBroken
		j.ErrorMessage = cause
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	if from == jobs.StatusBroken {
		return j, nil
	}
	s.record(ctx, System(), "quarantine", id, from, jobs.StatusBroken, cause)
	s.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeJobQuarantined, Time: now, Data: j})
	s.log.Warn("job quarantined", logx.String("job_id", id), logx.String("name", j.Name), logx.String("cause", cause))
	return j, nil
}

// Resubmit applies a user's edit to an active or broken job and sends it back
// to review. Agents submit new jobs instead; they cannot pull a running job
// out of service.
func (s *Service) Resubmit(ctx context.Context, actor Actor, id string, edit jobs.Edit) (jobs.Job, error) {
	if actor.Kind != ActorUser {
		return jobs.Job{}, fmt.Errorf("%w: only a user can resubmit jobs (actor is %s)", ErrForbidden, actor.Kind)
	}
	if executor.InJob(ctx) {
		return jobs.Job{}, fmt.Errorf("%w: job code cannot resubmit jobs", ErrForbidden)
	}
	if edit.Empty() {
		return jobs.Job{}, &jobs.ValidationError{Field: "edit", Reason: "nothing to change"}
	}

	var from jobs.Status
	now := s.now()
	j, err := s.store.UpdateJob(ctx, id, func(j *jobs.Job) error {
		if err := checkTransition(j, jobs.StatusPending); err != nil {
			return err
		}
		from = j.Status
		applyEdit(j, edit, s.opts.Defaults)
		if err := s.validate(*j); err != nil {
			return err
		}
		j.Status = jobs.StatusPending
		j.ErrorMessage = ""
		j.ApprovedBy = ""
		j.SubmittedBy = actor.ID
		j.SubmitterKind = string(actor.Kind)
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	s.record(ctx, actor, "resubmit", id, from, jobs.StatusPending, "")
	s.log.Info("job resubmitted", logx.String("job_id", id), logx.String("actor", actor.String()))
	return j, nil
}

func applyEdit(j *jobs.Job, e jobs.Edit, def jobs.ResourceLimits) {
	if e.Name != nil {
		j.Name = strings.TrimSpace(*e.Name)
	}
	if e.Description != nil {
		j.Description = *e.Description
	}
	if e.Schedule != nil {
		j.Schedule = strings.TrimSpace(*e.Schedule)
	}
	if e.Code != nil {
		j.Code = *e.Code
	}
	if e.Limits != nil {
		j.Limits = e.Limits.Normalize(def)
	}
}

// RegisterSystem upserts a bundled job directly as active. An existing job
// keeps its id, creation time and last run; a retired one stays retired.
func (s *Service) RegisterSystem(ctx context.Context, def jobs.Job) (jobs.Job, error) {
	if strings.TrimSpace(def.ID) == "" {
		return jobs.Job{}, &jobs.ValidationError{Field: "id", Reason: "system jobs need a stable id"}
	}
	def.Kind = jobs.KindSystem
	def.Limits = def.Limits.Normalize(s.opts.Defaults)
	if err := s.validate(def); err != nil {
		return jobs.Job{}, err
	}

	now := s.now()
	cur, err := s.store.GetJob(ctx, def.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		j := def
		j.Status = jobs.StatusActive
		j.CreatedAt = now
		j.UpdatedAt = now
		j.LastRun = nil
		j.ErrorMessage = ""
		j.SubmittedBy = System().ID
		j.SubmitterKind = string(ActorSystem)
		if err := s.store.SaveJob(ctx, j); err != nil {
			return jobs.Job{}, fmt.Errorf("save system job: %w", err)
		}
		s.record(ctx, System(), "register", j.ID, "", jobs.StatusActive, "")
		return j, nil
	case err != nil:
		return jobs.Job{}, err
	}

	if cur.Kind != jobs.KindSystem {
		return jobs.Job{}, fmt.Errorf("%w: job %s exists and is not a system job", ErrForbidden, def.ID)
	}
	if cur.Status == jobs.StatusRetired {
		return cur, nil
	}
	same := cur.Name == def.Name && cur.Description == def.Description && cur.Schedule == def.Schedule &&
		cur.Code == def.Code && cur.Limits == def.Limits
	if same && cur.Status == jobs.StatusActive {
		return cur, nil
	}

	from := cur.Status
	j, err := s.store.UpdateJob(ctx, def.ID, func(j *jobs.Job) error {
		j.Name = def.Name
		j.Description = def.Description
		j.Schedule = def.Schedule
		j.Code = def.Code
		j.Limits = def.Limits
		j.Kind = jobs.KindSystem
		if j.Status != jobs.StatusActive {
			// Reactivation is the baseline for catch-up.
			j.Status = jobs.StatusActive
			j.ErrorMessage = ""
		}
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	s.record(ctx, System(), "register", j.ID, from, jobs.StatusActive, "definition updated")
	return j, nil
}

// record writes the audit entry and publishes the transition. Audit write
// failures are logged; the transition itself has already been persisted.
func (s *Service) record(ctx context.Context, actor Actor, action, jobID string, from, to jobs.Status, detail string) {
	at := s.now()
	e := storage.AuditEntry{
		At:        at,
		Actor:     actor.ID,
		ActorKind: string(actor.Kind),
		Action:    action,
		JobID:     jobID,
		From:      string(from),
		To:        string(to),
		Detail:    detail,
	}
	if err := s.store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		s.log.Error("audit append failed", logx.String("job_id", jobID), logx.String("action", action), logx.Err(err))
	}
	s.opts.Bus.Publish(eventbus.Event{Type: eventbus.TypeJobTransition, Time: at, Data: Transition{
		JobID:  jobID,
		From:   from,
		To:     to,
		Action: action,
		Actor:  actor.String(),
		At:     at,
	}})
}
