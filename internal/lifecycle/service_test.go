package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronbot/internal/clock"
	"cronbot/internal/executor"
	"cronbot/internal/jobs"
	"cronbot/internal/storage"
	"cronbot/pkg/logx"
)

const okCode = "def run(ctx):\n    print('ok')\n"

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, storage.Store, *clock.Fake) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "cronbot")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.NewFake(t0)
	ex := executor.New(executor.Config{}, executor.Deps{})
	return New(st, Options{Clock: clk, Checker: ex}), st, clk
}

func draft() jobs.Draft {
	return jobs.Draft{Name: "report", Schedule: "*/5 * * * *", Code: okCode}
}

func TestSubmitValidates(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		edit  func(d *jobs.Draft)
		field string
	}{
		{"bad cron", func(d *jobs.Draft) { d.Schedule = "61 * * * *" }, "cron"},
		{"six fields", func(d *jobs.Draft) { d.Schedule = "0 */5 * * * *" }, "cron"},
		{"never fires", func(d *jobs.Draft) { d.Schedule = "0 0 30 2 *" }, "cron"},
		{"no name", func(d *jobs.Draft) { d.Name = " " }, "name"},
		{"no run", func(d *jobs.Draft) { d.Code = "x = 1\n" }, "code"},
		{"timeout too large", func(d *jobs.Draft) { d.Limits.TimeoutSeconds = 100000 }, "limits.timeout_seconds"},
	}
	for _, tc := range cases {
		d := draft()
		tc.edit(&d)
		_, err := s.Submit(ctx, User("alice"), d)
		var ve *jobs.ValidationError
		require.ErrorAs(t, err, &ve, tc.name)
		assert.Equal(t, tc.field, ve.Field, tc.name)
		assert.ErrorIs(t, err, jobs.ErrValidation, tc.name)
	}
}

func TestSubmitApproveFlow(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t)
	ctx := context.Background()

	j, err := s.Submit(ctx, User("alice"), draft())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, j.Status)
	assert.Equal(t, jobs.KindUser, j.Kind)
	assert.Equal(t, jobs.DefaultLimits(), j.Limits)

	clk.Advance(time.Minute)
	j, err = s.Approve(ctx, User("alice"), j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, j.Status)
	assert.Equal(t, "alice", j.ApprovedBy)
	assert.True(t, j.UpdatedAt.Equal(t0.Add(time.Minute)), "activation time is the catch-up baseline")

	audit, err := st.ListAudit(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	actions := []string{audit[0].Action, audit[1].Action, audit[2].Action}
	assert.ElementsMatch(t, []string{"submit", "approve", "activate"}, actions)

	_, err = s.Approve(ctx, User("alice"), j.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApproveGuards(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t)
	ctx := context.Background()

	j, err := s.Submit(ctx, Agent("assistant"), draft())
	require.NoError(t, err)

	for _, actor := range []Actor{Agent("assistant"), Agent("other"), System(), {Kind: ActorJob, ID: j.ID}, User("")} {
		_, err := s.Approve(ctx, actor, j.ID)
		assert.ErrorIs(t, err, ErrForbidden, actor.String())
	}
	// An agent-submitted job cannot be approved under the agent's own id,
	// even when presented as a user.
	_, err = s.Approve(ctx, User("assistant"), j.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)

	_, err = s.Approve(ctx, User("alice"), j.ID)
	require.NoError(t, err)
}

type approvingNotifier struct {
	s     *Service
	jobID string
	err   error
}

func (n *approvingNotifier) Send(ctx context.Context, _ string) error {
	_, n.err = n.s.Approve(ctx, User("alice"), n.jobID)
	return n.err
}

func TestApproveRefusedFromJobExecution(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t)
	ctx := context.Background()

	target, err := s.Submit(ctx, User("alice"), draft())
	require.NoError(t, err)

	n := &approvingNotifier{s: s, jobID: target.ID}
	ex := executor.New(executor.Config{}, executor.Deps{Notifier: n})
	rec, err := ex.Execute(ctx, jobs.Job{ID: "runner", Name: "runner", Code: "def run(ctx):\n    ctx.notify('approve please')\n"}, t0)
	require.NoError(t, err)
	assert.Equal(t, jobs.OutcomeSuccess, rec.Outcome)
	assert.ErrorIs(t, n.err, ErrForbidden)

	got, err := st.GetJob(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestActivateNeedsApproved(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t)
	ctx := context.Background()

	j, err := s.Submit(ctx, User("alice"), draft())
	require.NoError(t, err)
	_, err = s.Activate(ctx, User("alice"), j.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = st.UpdateJob(ctx, j.ID, func(j *jobs.Job) error {
		j.Status = jobs.StatusApproved
		return nil
	})
	require.NoError(t, err)
	got, err := s.Activate(ctx, User("bob"), j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, got.Status)
	assert.Equal(t, "bob", got.ApprovedBy)
}

func TestRejectAndRetireAreTerminal(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := s.Submit(ctx, User("alice"), draft())
	require.NoError(t, err)
	a, err = s.Reject(ctx, User("alice"), a.ID, "not needed")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRejected, a.Status)
	_, err = s.Approve(ctx, User("alice"), a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	b, err := s.Submit(ctx, User("alice"), draft())
	require.NoError(t, err)
	_, err = s.Approve(ctx, User("alice"), b.ID)
	require.NoError(t, err)
	_, err = s.Reject(ctx, User("alice"), b.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "active jobs are retired, not rejected")
	_, err = s.Retire(ctx, Agent("assistant"), b.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	b, err = s.Retire(ctx, User("alice"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRetired, b.Status)
	_, err = s.Resubmit(ctx, User("alice"), b.ID, jobs.Edit{Code: ptr(okCode)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQuarantineAndResubmit(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t)
	ctx := context.Background()

	j, err := s.Submit(ctx, User("alice"), draft())
	require.NoError(t, err)
	_, err = s.Quarantine(ctx, j.ID, "boom")
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending jobs are not quarantined")

	_, err = s.Approve(ctx, User("alice"), j.ID)
	require.NoError(t, err)
	q, err := s.Quarantine(ctx, j.ID, "code does not define run(ctx)")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusBroken, q.Status)
	assert.Equal(t, "code does not define run(ctx)", q.ErrorMessage)

	again, err := s.Quarantine(ctx, j.ID, "other")
	require.NoError(t, err)
	assert.Equal(t, "code does not define run(ctx)", again.ErrorMessage)

	audit, err := st.ListAudit(ctx, j.ID, 0)
	require.NoError(t, err)
	quarantines := 0
	for _, e := range audit {
		if e.Action == "quarantine" {
			quarantines++
			assert.Equal(t, string(ActorSystem), e.ActorKind)
		}
	}
	assert.Equal(t, 1, quarantines)

	fixed := "def run(ctx):\n    print('fixed')\n"
	for _, actor := range []Actor{Agent("assistant"), System(), {Kind: ActorJob, ID: j.ID}} {
		_, err = s.Resubmit(ctx, actor, j.ID, jobs.Edit{Code: ptr(fixed)})
		assert.ErrorIs(t, err, ErrForbidden, actor.String())
	}

	_, err = s.Resubmit(ctx, User("bob"), j.ID, jobs.Edit{})
	assert.ErrorIs(t, err, jobs.ErrValidation)

	_, err = s.Resubmit(ctx, User("bob"), j.ID, jobs.Edit{Code: ptr("x = 1\n")})
	assert.ErrorIs(t, err, jobs.ErrValidation)

	r, err := s.Resubmit(ctx, User("bob"), j.ID, jobs.Edit{Code: ptr(fixed)})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, r.Status)
	assert.Empty(t, r.ErrorMessage)
	assert.Empty(t, r.ApprovedBy)
	assert.Equal(t, "bob", r.SubmittedBy)

	_, err = s.Approve(ctx, User("alice"), j.ID)
	require.NoError(t, err)
}

func TestSubmitNeverEvaluatesCode(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t)
	ctx := context.Background()

	d := draft()
	d.Code = "x = 1 // 0\ndef run(ctx):\n    pass\n"
	j, err := s.Submit(ctx, Agent("assistant"), d)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, j.Status)

	stored, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Code, stored.Code)
	assert.Empty(t, stored.ErrorMessage)

	// Compile errors are still caught at submission.
	d.Code = "def run(ctx)\n    pass\n"
	_, err = s.Submit(ctx, Agent("assistant"), d)
	assert.ErrorIs(t, err, jobs.ErrValidation)
}

func TestRegisterSystem(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t)
	ctx := context.Background()

	def := jobs.Job{ID: "sys.heartbeat", Name: "heartbeat", Schedule: "0 * * * *", Code: okCode}
	j, err := s.RegisterSystem(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, j.Status)
	assert.Equal(t, jobs.KindSystem, j.Kind)

	require.NoError(t, st.MarkRun(ctx, j.ID, t0))
	clk.Advance(time.Hour)

	same, err := s.RegisterSystem(ctx, def)
	require.NoError(t, err)
	assert.True(t, same.UpdatedAt.Equal(t0), "unchanged definitions are not rewritten")

	def.Code = "def run(ctx):\n    print('v2')\n"
	upd, err := s.RegisterSystem(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, def.Code, upd.Code)
	require.NotNil(t, upd.LastRun)
	assert.True(t, upd.LastRun.Equal(t0), "last run survives a definition update")

	_, err = s.Quarantine(ctx, j.ID, "broken")
	require.NoError(t, err)
	def.Code = "def run(ctx):\n    print('v3')\n"
	fixed, err := s.RegisterSystem(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, fixed.Status)

	_, err = s.RegisterSystem(ctx, jobs.Job{Name: "no id", Schedule: "* * * * *", Code: okCode})
	assert.True(t, errors.Is(err, jobs.ErrValidation))

	user, err := s.Submit(ctx, User("alice"), draft())
	require.NoError(t, err)
	_, err = s.RegisterSystem(ctx, jobs.Job{ID: user.ID, Name: "hijack", Schedule: "* * * * *", Code: okCode})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	assert.True(t, CanTransition(jobs.StatusPending, jobs.StatusApproved))
	assert.True(t, CanTransition(jobs.StatusBroken, jobs.StatusPending))
	assert.False(t, CanTransition(jobs.StatusBroken, jobs.StatusActive))
	assert.False(t, CanTransition(jobs.StatusRejected, jobs.StatusPending))
	assert.False(t, CanTransition(jobs.StatusRetired, jobs.StatusActive))
	for _, s := range []jobs.Status{jobs.StatusRejected, jobs.StatusRetired} {
		assert.Empty(t, transitions[s])
	}
}

func ptr[T any](v T) *T { return &v }
