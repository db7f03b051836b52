// Package queue serializes executions per job. Each job is idle, running,
// or running with exactly one queued follow-up; further triggers coalesce
// into that slot.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"cronbot/internal/jobs"
	rtsup "cronbot/internal/runtime/supervisor"
	"cronbot/pkg/logx"
)

type pending struct {
	job     jobs.Job
	trigger time.Time
}

type jobQueue struct {
	state     State
	next      *pending
	runs      uint64
	coalesced uint64
	trigger   time.Time
	startedAt time.Time
}

type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	run Runner

	sup      *rtsup.Supervisor
	sem      *semaphore.Weighted
	stopping bool

	queues map[string]*jobQueue
	// changed is closed and replaced whenever any job returns to idle.
	changed chan struct{}

	inFlight  atomic.Int64
	started   atomic.Uint64
	queued    atomic.Uint64
	coalesced atomic.Uint64
	rejected  atomic.Uint64
	panics    atomic.Uint64
}

func New(cfg Config, run Runner, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "queue")),
		run:     run,
		queues:  make(map[string]*jobQueue),
		changed: make(chan struct{}),
	}
}

func newSemaphore(n int) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(int64(n))
}

// Start begins accepting work. It is idempotent.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.sem = newSemaphore(m.cfg.MaxConcurrent)
	m.stopping = false
	m.log.Info("job queue started", logx.Int("max_concurrent", m.cfg.MaxConcurrent))
}

// Apply changes the global bound. Runs holding a permit release it to the
// semaphore they acquired it from.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.MaxConcurrent == m.cfg.MaxConcurrent {
		return
	}
	m.cfg = cfg
	if m.sup != nil {
		m.sem = newSemaphore(cfg.MaxConcurrent)
	}
	m.log.Info("job queue limit changed", logx.Int("max_concurrent", cfg.MaxConcurrent))
}

// Enqueue hands a trigger to the job's queue. It never blocks on execution.
func (m *Manager) Enqueue(job jobs.Job, trigger time.Time) EnqueueResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sup == nil || m.stopping {
		m.rejected.Add(1)
		return Rejected
	}

	q := m.queues[job.ID]
	if q == nil {
		q = &jobQueue{}
		m.queues[job.ID] = q
	}

	p := pending{job: job.Clone(), trigger: trigger}
	switch q.state {
	case StateRunning:
		q.next = &p
		q.state = StateRunningQueued
		m.queued.Add(1)
		return Queued
	case StateRunningQueued:
		q.next = &p
		q.coalesced++
		m.coalesced.Add(1)
		return Coalesced
	}

	q.state = StateRunning
	m.started.Add(1)
	id := job.ID
	m.sup.Go("job."+id, func(ctx context.Context) error {
		m.drain(ctx, id, p)
		return nil
	})
	return Started
}

// drain runs p and then any follow-ups until the job's slot is empty.
func (m *Manager) drain(ctx context.Context, id string, p pending) {
	for {
		m.execute(ctx, id, p)

		m.mu.Lock()
		q := m.queues[id]
		if q.next == nil || m.stopping {
			q.next = nil
			q.state = StateIdle
			q.startedAt = time.Time{}
			close(m.changed)
			m.changed = make(chan struct{})
			m.mu.Unlock()
			return
		}
		p = *q.next
		q.next = nil
		q.state = StateRunning
		m.mu.Unlock()
	}
}

func (m *Manager) execute(ctx context.Context, id string, p pending) {
	m.mu.Lock()
	sem := m.sem
	m.mu.Unlock()

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			m.log.Warn("run abandoned while waiting for a slot", logx.String("job_id", id), logx.Err(err))
			return
		}
		defer sem.Release(1)
	}

	m.mu.Lock()
	q := m.queues[id]
	q.runs++
	q.trigger = p.trigger
	q.startedAt = time.Now()
	m.mu.Unlock()

	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			m.log.Error("job run panicked",
				logx.String("job_id", id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	m.run(ctx, p.job, p.trigger)
}

// Idle reports whether the job has nothing running or queued.
func (m *Manager) Idle(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[jobID]
	return q == nil || q.state == StateIdle
}

// WaitIdle blocks until every job is idle or ctx is done.
func (m *Manager) WaitIdle(ctx context.Context) error {
	for {
		m.mu.Lock()
		busy := false
		for _, q := range m.queues {
			if q.state != StateIdle {
				busy = true
				break
			}
		}
		ch := m.changed
		m.mu.Unlock()
		if !busy {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop refuses new work, drops queued follow-ups and waits for in-flight
// runs. When ctx expires first the runs are cancelled and ctx's error is
// returned.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	sup := m.sup
	if sup == nil || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	dropped := 0
	for _, q := range m.queues {
		if q.next != nil {
			q.next = nil
			q.state = StateRunning
			dropped++
		}
	}
	m.mu.Unlock()

	if dropped > 0 {
		m.log.Info("queued runs dropped on stop", logx.Int("count", dropped))
	}

	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		sup.Cancel()
		m.log.Warn("job queue stop timed out; cancelling runs", logx.Int64("in_flight", m.inFlight.Load()))
		err = fmt.Errorf("stop job queue: %w", ctx.Err())
	}

	m.mu.Lock()
	if err == nil {
		m.sup = nil
		m.sem = nil
	}
	m.mu.Unlock()
	if err == nil {
		m.log.Info("job queue stopped")
	}
	return err
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := Snapshot{
		Running:       m.sup != nil && !m.stopping,
		MaxConcurrent: m.cfg.MaxConcurrent,
		InFlight:      int(m.inFlight.Load()),
		Started:       m.started.Load(),
		Queued:        m.queued.Load(),
		Coalesced:     m.coalesced.Load(),
		Rejected:      m.rejected.Load(),
		Panics:        m.panics.Load(),
		Jobs:          make([]JobState, 0, len(m.queues)),
	}
	for id, q := range m.queues {
		js := JobState{JobID: id, State: q.state, Runs: q.runs, Coalesced: q.coalesced, LastTrigger: q.trigger}
		if !q.startedAt.IsZero() {
			js.RunningFor = now.Sub(q.startedAt)
		}
		out.Jobs = append(out.Jobs, js)
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].JobID < out.Jobs[j].JobID })
	return out
}

// JobState returns one job's queue view.
func (m *Manager) JobState(jobID string) JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[jobID]
	if q == nil {
		return JobState{JobID: jobID}
	}
	return JobState{JobID: jobID, State: q.state, Runs: q.runs, Coalesced: q.coalesced, LastTrigger: q.trigger}
}
