package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronbot/internal/clock"
	"cronbot/internal/eventbus"
	"cronbot/internal/executor"
	"cronbot/internal/jobs"
	"cronbot/internal/lifecycle"
	"cronbot/internal/storage"
	"cronbot/internal/task/queue"
	"cronbot/pkg/logx"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 30, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []jobs.ExecutionEvent
}

func (r *recordingSink) Observe(_ context.Context, ev jobs.ExecutionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Send(_ context.Context, msg string) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type harness struct {
	store    storage.Store
	clk      *clock.Fake
	exec     *executor.Executor
	life     *lifecycle.Service
	sink     *recordingSink
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "cronbot")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewFake(t0)
	ex := executor.New(executor.Config{}, executor.Deps{KV: st, Now: clk.Now})
	return &harness{
		store:    st,
		clk:      clk,
		exec:     ex,
		life:     lifecycle.New(st, lifecycle.Options{Clock: clk, Checker: ex}),
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
	}
}

// scheduler builds a scheduler whose queue accepts work but whose loop is
// not running; tests drive it with Tick.
func (h *harness) scheduler(t *testing.T, ex Executor) *Service {
	t.Helper()
	if ex == nil {
		ex = h.exec
	}
	s := New(Config{Enabled: true}, Deps{
		Store:     h.store,
		Executor:  ex,
		Lifecycle: h.life,
		Sink:      h.sink,
		Notifier:  h.notifier,
		Clock:     h.clk,
	})
	s.queue.Start(context.Background())
	t.Cleanup(func() { _ = s.queue.Stop(context.Background()) })
	return s
}

func (h *harness) activeJob(t *testing.T, code string) jobs.Job {
	t.Helper()
	ctx := context.Background()
	j, err := h.life.Submit(ctx, lifecycle.User("alice"), jobs.Draft{Name: "every five", Schedule: "*/5 * * * *", Code: code})
	require.NoError(t, err)
	j, err = h.life.Approve(ctx, lifecycle.User("alice"), j.ID)
	require.NoError(t, err)
	return j
}

func waitIdle(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func minute(m int) time.Time { return time.Date(2026, 5, 4, 10, m, 0, 0, time.UTC) }

func TestTickRunsDueJobAndCatchesUpOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	j := h.activeJob(t, "def run(ctx):\n    print('tick', ctx.scheduled_at)\n")

	s := h.scheduler(t, nil)
	require.NoError(t, s.Tick(ctx, h.clk.Now()))
	waitIdle(t, s)
	hist, err := h.store.ListHistory(ctx, j.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, hist, "nothing is due before the first window")

	h.clk.Set(minute(5))
	require.NoError(t, s.Tick(ctx, h.clk.Now()))
	waitIdle(t, s)
	require.NoError(t, s.Tick(ctx, minute(5).Add(30*time.Second)))
	waitIdle(t, s)

	hist, err = h.store.ListHistory(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, jobs.OutcomeSuccess, hist[0].Outcome)
	assert.Equal(t, "tick 2026-05-04T10:05:00Z\n", hist[0].Stdout)

	got, err := h.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.True(t, got.LastRun.Equal(minute(5)))

	// Down for three windows; a fresh scheduler catches up exactly once.
	require.NoError(t, s.queue.Stop(ctx))
	h.clk.Set(minute(20).Add(10 * time.Second))
	s2 := h.scheduler(t, nil)
	require.NoError(t, s2.Tick(ctx, h.clk.Now()))
	waitIdle(t, s2)
	require.NoError(t, s2.Tick(ctx, minute(20).Add(40*time.Second)))
	waitIdle(t, s2)

	hist, err = h.store.ListHistory(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].ScheduledAt.Equal(minute(20)), "catch-up runs for the latest missed window")

	h.sink.mu.Lock()
	assert.Len(t, h.sink.events, 2)
	assert.Equal(t, "every five", h.sink.events[0].JobName)
	h.sink.mu.Unlock()
	assert.Empty(t, h.notifier.all(), "successful runs do not notify")
}

func TestTickQuarantinesJobThatDoesNotLoad(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	bad := jobs.Job{
		ID: "bad", Name: "bad", Schedule: "* * * * *", Code: "x = 1\n",
		Kind: jobs.KindUser, Status: jobs.StatusActive, Limits: jobs.DefaultLimits(),
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, h.store.SaveJob(ctx, bad))

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	life := lifecycle.New(h.store, lifecycle.Options{Clock: h.clk, Bus: bus})
	s := New(Config{Enabled: true}, Deps{Store: h.store, Executor: h.exec, Lifecycle: life, Notifier: h.notifier, Clock: h.clk})
	s.queue.Start(ctx)
	defer s.queue.Stop(ctx)

	h.clk.Set(minute(5))
	require.NoError(t, s.Tick(ctx, h.clk.Now()))
	require.NoError(t, s.Tick(ctx, minute(6)))
	waitIdle(t, s)

	got, err := h.store.GetJob(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusBroken, got.Status)
	assert.Contains(t, got.ErrorMessage, "does not define run")

	hist, err := h.store.ListHistory(ctx, "bad", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, jobs.StatusBroken, snap.Jobs[0].Status, "broken jobs stay listable")
	assert.True(t, snap.Jobs[0].NextRun.IsZero())

	quarantined := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.TypeJobQuarantined {
			quarantined++
		}
	}
	assert.Equal(t, 1, quarantined)
	msgs := h.notifier.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "quarantined")
}

func TestTickQuarantinesJobWhoseTopLevelFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	j := h.activeJob(t, "x = 1 // 0\ndef run(ctx):\n    pass\n")

	s := h.scheduler(t, nil)
	h.clk.Set(minute(5))
	require.NoError(t, s.Tick(ctx, h.clk.Now()))
	waitIdle(t, s)

	got, err := h.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusBroken, got.Status)
	assert.Contains(t, got.ErrorMessage, "division by zero")
}

func TestTickForgetsRetiredJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	keep := h.activeJob(t, "def run(ctx):\n    pass\n")
	gone := h.activeJob(t, "def run(ctx):\n    print('bye')\n")

	s := h.scheduler(t, nil)
	h.clk.Set(minute(5))
	require.NoError(t, s.Tick(ctx, h.clk.Now()))
	waitIdle(t, s)

	s.mu.Lock()
	require.Contains(t, s.watermark, gone.ID)
	require.Contains(t, s.outcomes, gone.ID)
	s.mu.Unlock()

	_, err := h.life.Retire(ctx, lifecycle.User("alice"), gone.ID)
	require.NoError(t, err)
	require.NoError(t, s.Tick(ctx, minute(6)))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.watermark, gone.ID)
	assert.NotContains(t, s.outcomes, gone.ID)
	assert.Contains(t, s.watermark, keep.ID)
	assert.Contains(t, s.outcomes, keep.ID)
}

// blockingExecutor holds every Execute until release is closed.
type blockingExecutor struct {
	mu       sync.Mutex
	triggers []time.Time
	entered  chan struct{}
	release  chan struct{}
}

func (b *blockingExecutor) Check(jobs.Job) error { return nil }

func (b *blockingExecutor) Execute(ctx context.Context, j jobs.Job, trigger time.Time) (jobs.ExecutionRecord, error) {
	b.mu.Lock()
	b.triggers = append(b.triggers, trigger)
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	return jobs.ExecutionRecord{
		ExecutionID: trigger.Format(time.RFC3339), JobID: j.ID, StartedAt: trigger, EndedAt: trigger,
		Outcome: jobs.OutcomeSuccess, CodeSnapshot: j.Code, ScheduledAt: trigger,
	}, nil
}

func TestTickNeverRunsAJobTwiceConcurrently(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	j := h.activeJob(t, "def run(ctx):\n    pass\n")

	ex := &blockingExecutor{entered: make(chan struct{}, 4), release: make(chan struct{})}
	s := h.scheduler(t, ex)

	require.NoError(t, s.Tick(ctx, minute(5)))
	<-ex.entered
	require.NoError(t, s.Tick(ctx, minute(5).Add(30*time.Second)))
	assert.Equal(t, queue.StateRunning, s.queue.JobState(j.ID).State, "the watermark prevents re-dispatching a running trigger")

	require.NoError(t, s.Tick(ctx, minute(10)))
	require.NoError(t, s.Tick(ctx, minute(15)))
	require.NoError(t, s.Tick(ctx, minute(20)))
	assert.Equal(t, queue.StateRunningQueued, s.queue.JobState(j.ID).State)

	close(ex.release)
	waitIdle(t, s)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	require.Len(t, ex.triggers, 2, "a burst collapses to one follow-up run")
	assert.True(t, ex.triggers[1].Equal(minute(20)))

	snap := s.Queue().Snapshot()
	assert.Equal(t, uint64(1), snap.Started)
	assert.Equal(t, uint64(1), snap.Queued)
	assert.Equal(t, uint64(2), snap.Coalesced)
}

func TestRunSkipsJobNoLongerActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	j := h.activeJob(t, "def run(ctx):\n    pass\n")
	_, err := h.life.Retire(ctx, lifecycle.User("alice"), j.ID)
	require.NoError(t, err)

	s := h.scheduler(t, nil)
	s.runJob(ctx, j, minute(5))

	hist, err := h.store.ListHistory(ctx, j.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
	got, err := h.store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastRun)
}

func TestFailedUserRunNotifies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	j := h.activeJob(t, "def run(ctx):\n    fail('disk full')\n")

	s := h.scheduler(t, nil)
	require.NoError(t, s.Tick(ctx, minute(5)))
	waitIdle(t, s)

	hist, err := h.store.ListHistory(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, jobs.OutcomeFailure, hist[0].Outcome)

	msgs := h.notifier.all()
	require.Len(t, msgs, 1)
	assert.True(t, strings.Contains(msgs[0], "failure") && strings.Contains(msgs[0], "disk full"), msgs[0])

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, jobs.OutcomeFailure, snap.Jobs[0].LastOutcome)
}

func TestBootstrapRegistersSystemJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	s := h.scheduler(t, nil)

	err := s.Bootstrap(ctx, []jobs.Job{
		{ID: "sys.ok", Name: "ok", Schedule: "0 * * * *", Code: "def run(ctx):\n    pass\n"},
		{ID: "sys.bad", Name: "bad", Schedule: "not cron", Code: "def run(ctx):\n    pass\n"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sys.bad")

	got, err := h.store.GetJob(ctx, "sys.ok")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, got.Status)
	assert.Equal(t, jobs.KindSystem, got.Kind)
}
