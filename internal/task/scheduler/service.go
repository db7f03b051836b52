package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cronbot/internal/clock"
	"cronbot/internal/cronexpr"
	"cronbot/internal/eventbus"
	"cronbot/internal/executor"
	"cronbot/internal/jobs"
	rtsup "cronbot/internal/runtime/supervisor"
	"cronbot/internal/task/queue"
	"cronbot/pkg/logx"
)

type Service struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger
	loc  *time.Location

	queue *queue.Manager

	// view is the job table as of the last tick. It is replaced, never mutated.
	view atomic.Pointer[[]jobs.Job]

	// watermark is the newest trigger dispatched per job. It keeps a tick from
	// re-dispatching a trigger whose run has not yet recorded last_run.
	watermark map[string]time.Time
	// loadWarned holds the last load failure reported per job.
	loadWarned map[string]string
	outcomes   map[string]jobs.Outcome

	sup     *rtsup.Supervisor
	resetCh chan time.Duration

	lastTick       time.Time
	lastTickErr    string
	lastDispatched int
	ticks          uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		deps:        deps,
		log:         log.With(logx.String("comp", "scheduler")),
		watermark:   map[string]time.Time{},
		loadWarned:  map[string]string{},
		outcomes:    map[string]jobs.Outcome{},
		resetCh:     make(chan time.Duration, 1),
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	s.queue = queue.New(queue.Config{MaxConcurrent: cfg.MaxConcurrent}, s.runJob, log)
	return s
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func tickInterval(cfg Config) time.Duration {
	if cfg.TickInterval <= 0 {
		return defaultTickInterval
	}
	return cfg.TickInterval
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Queue exposes the per-job queue for diagnostics.
func (s *Service) Queue() *queue.Manager { return s.queue }

// Apply hot-applies tick interval, display timezone and the concurrency bound.
// Enabling or disabling takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = loadLocation(cfg.Timezone, s.log)
	}
	s.mu.Unlock()

	if tickInterval(prev) != tickInterval(cfg) {
		select {
		case s.resetCh <- tickInterval(cfg):
		default:
			// A pending reset is replaced by the newest interval.
			select {
			case <-s.resetCh:
			default:
			}
			s.resetCh <- tickInterval(cfg)
		}
	}
	s.queue.Apply(queue.Config{MaxConcurrent: cfg.MaxConcurrent})
}

// Start launches the loop. The first tick runs immediately so missed
// windows are caught up at startup.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled")
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	loc := s.loc
	s.mu.Unlock()

	s.queue.Start(ctx)
	sup.GoRestart("scheduler.loop", func(c context.Context) error {
		s.loop(c)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("scheduler loop exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)
	s.log.Info("scheduler started", logx.Duration("tick", tickInterval(cfg)), logx.String("tz", loc.String()), logx.Int("max_concurrent", cfg.MaxConcurrent))
}

// Stop halts the loop, then stops the queue, which waits for in-flight runs
// until ctx expires and cancels them after that.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	var errs []error
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("stop scheduler loop: %w", err))
	}
	if err := s.queue.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}

func (s *Service) loop(ctx context.Context) {
	s.mu.Lock()
	every := tickInterval(s.cfg)
	s.mu.Unlock()

	ticker := s.deps.Clock.NewTicker(every)
	defer ticker.Stop()

	_ = s.Tick(ctx, s.deps.Clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.resetCh:
			ticker.Reset(d)
			s.log.Info("tick interval changed", logx.Duration("tick", d))
		case <-ticker.C():
			_ = s.Tick(ctx, s.deps.Clock.Now())
		}
	}
}

// Tick runs one scheduling pass at now. It returns only store read errors;
// per-job problems are handled and logged inside.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	list, err := s.deps.Store.LoadJobs(ctx)
	if err != nil {
		s.storeError("load_jobs", "", err)
		s.mu.Lock()
		s.lastTick = now
		s.lastTickErr = err.Error()
		s.ticks++
		s.mu.Unlock()
		return fmt.Errorf("load jobs: %w", err)
	}
	s.view.Store(&list)
	s.forgetGone(list)

	dispatched := 0
	for _, j := range list {
		if ctx.Err() != nil {
			break
		}
		if !j.Status.Schedulable() {
			continue
		}
		if err := s.deps.Executor.Check(j); err != nil {
			s.quarantine(ctx, j, loadCause(err))
			continue
		}
		trigger, err := cronexpr.LatestDue(j.Schedule, s.baseline(j), now)
		if err != nil {
			s.quarantine(ctx, j, err.Error())
			continue
		}
		if trigger.IsZero() {
			continue
		}
		res := s.queue.Enqueue(j.Clone(), trigger)
		s.reportEnqueue(j, trigger, res)
		if res == queue.Rejected {
			continue
		}
		s.mu.Lock()
		s.watermark[j.ID] = trigger
		s.mu.Unlock()
		dispatched++
	}

	s.mu.Lock()
	s.lastTick = now
	s.lastTickErr = ""
	s.lastDispatched = dispatched
	s.ticks++
	s.mu.Unlock()
	if dispatched > 0 {
		s.log.Debug("tick dispatched jobs", logx.Int("count", dispatched), logx.Int("jobs", len(list)))
	}
	return nil
}

// forgetGone drops per-job bookkeeping for jobs that were deleted or reached
// a terminal status.
func (s *Service) forgetGone(list []jobs.Job) {
	live := make(map[string]struct{}, len(list))
	for _, j := range list {
		if !j.Status.Terminal() {
			live[j.ID] = struct{}{}
		}
	}
	gone := func(id string) bool {
		_, ok := live[id]
		return !ok
	}

	s.mu.Lock()
	for id := range s.watermark {
		if gone(id) {
			delete(s.watermark, id)
		}
	}
	for id := range s.loadWarned {
		if gone(id) {
			delete(s.loadWarned, id)
		}
	}
	for id := range s.outcomes {
		if gone(id) {
			delete(s.outcomes, id)
		}
	}
	s.mu.Unlock()

	s.enqMu.Lock()
	for id := range s.lastEnqWarn {
		if gone(id) {
			delete(s.lastEnqWarn, id)
		}
	}
	s.enqMu.Unlock()
}

// baseline is the instant after which the next trigger is searched: the
// latest of last_run, the dispatch watermark and the job's activation time.
// Active jobs change updated_at only on entering active, so windows missed
// while a job was pending or broken are never caught up.
func (s *Service) baseline(j jobs.Job) time.Time {
	b := j.UpdatedAt
	if j.LastRun != nil && j.LastRun.After(b) {
		b = *j.LastRun
	}
	s.mu.Lock()
	w, ok := s.watermark[j.ID]
	s.mu.Unlock()
	if ok && w.After(b) {
		b = w
	}
	return b
}

func loadCause(err error) string {
	var le *executor.LoadError
	if errors.As(err, &le) {
		return le.Cause
	}
	return err.Error()
}

// runJob is the queue runner. It re-reads the job so a run queued before a
// retire, resubmit or quarantine never executes stale code.
func (s *Service) runJob(ctx context.Context, snap jobs.Job, trigger time.Time) {
	pctx := context.WithoutCancel(ctx)

	j, err := s.deps.Store.GetJob(pctx, snap.ID)
	if err != nil {
		s.storeError("get_job", snap.ID, err)
		return
	}
	if !j.Status.Schedulable() {
		s.log.Info("skipping run for job that is no longer active", logx.String("job_id", j.ID), logx.String("status", string(j.Status)))
		return
	}

	if err := s.deps.Store.MarkRun(pctx, j.ID, trigger); err != nil {
		s.storeError("mark_run", j.ID, err)
	}

	rec, err := s.deps.Executor.Execute(ctx, j, trigger)
	if err != nil {
		if executor.IsLoadError(err) {
			s.quarantine(pctx, j, loadCause(err))
			return
		}
		s.log.Error("execution failed to start", logx.String("job_id", j.ID), logx.Err(err))
		return
	}

	if err := s.deps.Store.AppendHistory(pctx, rec); err != nil {
		s.storeError("append_history", j.ID, err)
	}

	s.mu.Lock()
	s.outcomes[j.ID] = rec.Outcome
	s.mu.Unlock()

	if s.deps.Sink != nil {
		s.deps.Sink.Observe(pctx, jobs.NewExecutionEvent(j, rec))
	}
	if j.Kind == jobs.KindUser && rec.Outcome != jobs.OutcomeSuccess {
		s.notify(pctx, fmt.Sprintf("Job %s finished with %s: %s", j.Label(), rec.Outcome, rec.Error))
	}
}

// quarantine moves j to broken. Repeated failures for the same cause are
// logged once.
func (s *Service) quarantine(ctx context.Context, j jobs.Job, cause string) {
	s.mu.Lock()
	warned := s.loadWarned[j.ID] == cause
	s.loadWarned[j.ID] = cause
	s.mu.Unlock()

	if _, err := s.deps.Lifecycle.Quarantine(ctx, j.ID, cause); err != nil {
		if !warned {
			s.storeError("quarantine", j.ID, err)
		}
		return
	}
	if !warned && j.Kind == jobs.KindUser {
		s.notify(ctx, fmt.Sprintf("Job %s was quarantined: %s", j.Label(), cause))
	}
}

func (s *Service) notify(ctx context.Context, msg string) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Send(ctx, msg); err != nil {
		s.log.Warn("job notification failed", logx.Err(err))
	}
}

func (s *Service) storeError(op, jobID string, err error) {
	s.log.Error("store operation failed", logx.String("op", op), logx.String("job_id", jobID), logx.Err(err))
	s.deps.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeStoreError,
		Time: time.Now(),
		Data: StoreError{Op: op, JobID: jobID, Err: err.Error()},
	})
}

// Bootstrap registers bundled system jobs as active. Failures are joined;
// one bad definition does not block the others.
func (s *Service) Bootstrap(ctx context.Context, defs []jobs.Job) error {
	var errs []error
	for _, d := range defs {
		j, err := s.deps.Lifecycle.RegisterSystem(ctx, d)
		if err != nil {
			s.log.Error("system job registration failed", logx.String("job_id", d.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("system job %s: %w", d.ID, err))
			continue
		}
		s.log.Debug("system job registered", logx.String("job_id", j.ID), logx.String("status", string(j.Status)))
	}
	return errors.Join(errs...)
}

// WaitIdle blocks until no run is in flight or queued.
func (s *Service) WaitIdle(ctx context.Context) error { return s.queue.WaitIdle(ctx) }
