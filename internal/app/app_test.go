package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronbot/internal/config"
	"cronbot/internal/jobs"
	"cronbot/internal/lifecycle"
	logx "cronbot/pkg/logx"
)

const heartbeat = "def run(ctx):\n    print('alive')\n"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heartbeat.star"), []byte(heartbeat), 0o600))
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func baseConfig(storagePath string) string {
	return `{
  "logging": {"level": "warn", "console": false},
  "scheduler": {"enabled": true, "tick_interval": "1h"},
  "storage": {"driver": "file", "path": "` + storagePath + `"},
  "notifier": {"enabled": true, "driver": "log"},
  "system_jobs": [
    {"id": "heartbeat", "name": "Heartbeat", "cron": "*/5 * * * *", "code_file": "heartbeat.star"}
  ]
}`
}

func TestAppStartRegistersSystemJobsAndStops(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "cronbot")
	a, err := New(writeConfig(t, baseConfig(dataPath)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	j, err := a.store.GetJob(ctx, "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, j.Status)
	assert.Equal(t, jobs.KindSystem, j.Kind)
	assert.Equal(t, heartbeat, j.Code)

	doc, err := a.health(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, doc.(map[string]any)["scheduler"])

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `{"storage": {"driver": "redis", "path": "x"}}`)
	_, err := New(path)
	require.Error(t, err)

	path = writeConfig(t, `{"executor": {"defaults": {"timeout_seconds": 600}}}`)
	_, err = New(path)
	require.ErrorContains(t, err, "executor.defaults")
}

func TestMapLimitsHonoursOverrides(t *testing.T) {
	t.Parallel()
	deny := false
	cfg := config.Default()
	cfg.Executor.Defaults.TimeoutSeconds = 10
	cfg.Executor.Maxima.MaxMemoryMB = 64
	cfg.Executor.Defaults.MaxMemoryMB = 32
	cfg.Executor.AllowNetwork = &deny

	def, mx, err := mapLimits(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10, def.TimeoutSeconds)
	assert.Equal(t, 32, def.MaxMemoryMB)
	assert.Equal(t, jobs.DefaultMaxOutputLines, def.MaxOutputLines)
	assert.Equal(t, 64, mx.MaxMemoryMB)
	assert.Equal(t, jobs.DefaultMaxima().TimeoutSeconds, mx.TimeoutSeconds)
	assert.False(t, mx.AllowNetwork)
}

func TestMapNotifierDefaults(t *testing.T) {
	t.Parallel()
	nc, driver, err := mapNotifierConfig(config.Default())
	require.NoError(t, err)
	assert.Equal(t, "log", driver)
	assert.True(t, nc.Enabled)
	assert.Equal(t, time.Minute, nc.DedupWindow)
	assert.True(t, nc.PersistDedup)

	cfg := config.Default()
	cfg.Notifier = &config.NotifierConfig{Enabled: true, Driver: "pigeon"}
	_, _, err = mapNotifierConfig(cfg)
	assert.Error(t, err)
}

func TestSystemJobsResolveCodeFiles(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "{}")
	cfg := config.Default()
	cfg.SystemJobs = []config.SystemJobConfig{
		{ID: "inline", Cron: "0 * * * *", Code: heartbeat, Network: true},
		{ID: "file", Name: "From file", Cron: "0 3 * * *", CodeFile: "heartbeat.star"},
	}
	defs, err := systemJobs(cfg, path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "inline", defs[0].Name)
	assert.True(t, defs[0].Limits.AllowNetwork)
	assert.Equal(t, heartbeat, defs[1].Code)

	cfg.SystemJobs = []config.SystemJobConfig{{ID: "gone", Cron: "* * * * *", CodeFile: "missing.star"}}
	_, err = systemJobs(cfg, path)
	assert.ErrorContains(t, err, "system_jobs[0].code_file")
}

func TestAdminApprovalFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "cronbot")
	adm, err := openAdmin(cfg, logx.Nop())
	require.NoError(t, err)
	defer adm.Close()

	j, err := adm.Lifecycle.Submit(ctx, lifecycle.Agent("assistant"), jobs.Draft{
		Name:     "disk report",
		Schedule: "0 9 * * 1",
		Code:     heartbeat,
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, j.Status)

	_, err = adm.Lifecycle.Approve(ctx, lifecycle.Agent("assistant"), j.ID)
	require.ErrorIs(t, err, lifecycle.ErrForbidden)

	j, err = adm.Lifecycle.Approve(ctx, lifecycle.User("operator"), j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, j.Status)

	v, err := adm.ShowJob(ctx, j.ID, 3)
	require.NoError(t, err)
	require.Len(t, v.Next, 3)
	for _, n := range v.Next {
		assert.Equal(t, time.Monday, n.Weekday())
		assert.Equal(t, 9, n.Hour())
	}
	assert.NotEmpty(t, v.Audit)

	require.NotNil(t, adm.Memory)
	require.NoError(t, adm.Memory.Remember(ctx, "disk report approved"))
}
