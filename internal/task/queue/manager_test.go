package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronbot/internal/jobs"
	"cronbot/pkg/logx"
)

// gatedRunner blocks every run until gate is closed or the run is cancelled.
type gatedRunner struct {
	mu       sync.Mutex
	triggers []time.Time
	gate     chan struct{}
	entered  chan string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gate: make(chan struct{}), entered: make(chan string, 16)}
}

func (g *gatedRunner) run(ctx context.Context, j jobs.Job, trigger time.Time) {
	g.mu.Lock()
	g.triggers = append(g.triggers, trigger)
	g.mu.Unlock()
	g.entered <- j.ID
	select {
	case <-g.gate:
	case <-ctx.Done():
	}
}

func (g *gatedRunner) runs() []time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]time.Time(nil), g.triggers...)
}

func waitEntered(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatalf("runner was not entered")
		return ""
	}
}

func testJob(id string) jobs.Job {
	return jobs.Job{ID: id, Name: id, Status: jobs.StatusActive}
}

func at(min int) time.Time { return time.Date(2026, 3, 1, 10, min, 0, 0, time.UTC) }

func TestEnqueueCoalescesBurst(t *testing.T) {
	t.Parallel()

	g := newGatedRunner()
	m := New(Config{}, g.run, logx.Logger{})
	m.Start(context.Background())
	defer m.Stop(context.Background())

	if r := m.Enqueue(testJob("a"), at(0)); r != Started {
		t.Fatalf("first enqueue = %s", r)
	}
	waitEntered(t, g.entered)

	got := []EnqueueResult{
		m.Enqueue(testJob("a"), at(1)),
		m.Enqueue(testJob("a"), at(2)),
		m.Enqueue(testJob("a"), at(3)),
	}
	want := []EnqueueResult{Queued, Coalesced, Coalesced}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("enqueue %d = %s, want %s", i, got[i], want[i])
		}
	}
	if st := m.JobState("a").State; st != StateRunningQueued {
		t.Fatalf("state = %s", st)
	}

	close(g.gate)
	waitEntered(t, g.entered)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	runs := g.runs()
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if !runs[1].Equal(at(3)) {
		t.Fatalf("follow-up trigger = %s, want newest %s", runs[1], at(3))
	}
	snap := m.Snapshot()
	if snap.Started != 1 || snap.Queued != 1 || snap.Coalesced != 2 {
		t.Fatalf("counters = %+v", snap)
	}
	if !m.Idle("a") {
		t.Fatalf("job not idle after drain")
	}
}

func TestEnqueueRunsDifferentJobsConcurrently(t *testing.T) {
	t.Parallel()

	g := newGatedRunner()
	m := New(Config{}, g.run, logx.Logger{})
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Enqueue(testJob("a"), at(0))
	m.Enqueue(testJob("b"), at(0))
	seen := map[string]bool{waitEntered(t, g.entered): true, waitEntered(t, g.entered): true}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("entered = %v", seen)
	}
	close(g.gate)
}

func TestMaxConcurrentBoundsAcrossJobs(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	run := func(ctx context.Context, j jobs.Job, trigger time.Time) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
	}
	m := New(Config{MaxConcurrent: 1}, run, logx.Logger{})
	m.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if r := m.Enqueue(testJob(id), at(0)); r != Started {
			t.Fatalf("enqueue %s = %s", id, r)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRunnerPanicReturnsToIdle(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	run := func(ctx context.Context, j jobs.Job, trigger time.Time) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}
	m := New(Config{}, run, logx.Logger{})
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.Enqueue(testJob("a"), at(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if r := m.Enqueue(testJob("a"), at(1)); r != Started {
		t.Fatalf("enqueue after panic = %s", r)
	}
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
	if p := m.Snapshot().Panics; p != 1 {
		t.Fatalf("panics = %d", p)
	}
}

func TestEnqueueRejectedWhenNotRunning(t *testing.T) {
	t.Parallel()

	m := New(Config{}, func(context.Context, jobs.Job, time.Time) {}, logx.Logger{})
	if r := m.Enqueue(testJob("a"), at(0)); r != Rejected {
		t.Fatalf("enqueue before start = %s", r)
	}
	m.Start(context.Background())
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r := m.Enqueue(testJob("a"), at(0)); r != Rejected {
		t.Fatalf("enqueue after stop = %s", r)
	}
}

func TestStopWaitsAndDropsQueued(t *testing.T) {
	t.Parallel()

	g := newGatedRunner()
	m := New(Config{}, g.run, logx.Logger{})
	m.Start(context.Background())

	m.Enqueue(testJob("a"), at(0))
	waitEntered(t, g.entered)
	if r := m.Enqueue(testJob("a"), at(1)); r != Queued {
		t.Fatalf("enqueue = %s", r)
	}

	done := make(chan error, 1)
	go func() { done <- m.Stop(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("Stop returned before the run finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(g.gate)
	if err := <-done; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(g.runs()); n != 1 {
		t.Fatalf("runs = %d, queued follow-up should be dropped", n)
	}
}

func TestStopTimeoutCancelsRuns(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	run := func(ctx context.Context, j jobs.Job, trigger time.Time) {
		<-ctx.Done()
		close(cancelled)
	}
	m := New(Config{}, run, logx.Logger{})
	m.Start(context.Background())
	m.Enqueue(testJob("a"), at(0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded", err)
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("in-flight run was not cancelled")
	}
}
