package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestParseBytesYAMLAndJSON(t *testing.T) {
	t.Parallel()

	yml := []byte(`
scheduler:
  enabled: true
  tick_interval: 30s
  max_concurrent: 4
storage:
  driver: sqlite
  path: ./x.db
`)
	cfg, err := ParseBytes("c.yaml", yml)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Scheduler.TickInterval != "30s" || cfg.Scheduler.MaxConcurrent != 4 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("yaml cfg=%+v", cfg)
	}
	// defaults survive partial documents
	if cfg.Scheduler.StopTimeout != "30s" {
		t.Fatalf("stop_timeout default lost: %q", cfg.Scheduler.StopTimeout)
	}

	cfg, err = ParseBytes("c.json", []byte(`{"logging":{"level":"debug"}}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level=%q", cfg.Logging.Level)
	}
}

func TestParseBytesRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	cases := []struct{ name, body string }{
		{"c.json", `{"schedulr":{}}`},
		{"c.json", `{} {}`},
		{"c.yaml", "scheduler:\n  tick: 5s\n"},
	}
	for _, tc := range cases {
		if _, err := ParseBytes(tc.name, []byte(tc.body)); err == nil {
			t.Fatalf("%s %q: expected error", tc.name, tc.body)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err != nil {
		t.Fatalf("default invalid: %v", err)
	}

	bad := Default()
	bad.Scheduler.TickInterval = "soon"
	bad.Scheduler.Timezone = "Mars/Olympus"
	bad.Storage.Driver = "postgres"
	bad.Notifier = &NotifierConfig{Driver: "telegram"}
	bad.SystemJobs = []SystemJobConfig{{ID: "a", Code: "x", CodeFile: "y"}, {ID: "a", Code: "x"}}
	err := Validate(bad)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"scheduler.tick_interval", "scheduler.timezone", "storage.driver", "telegram.token", "exactly one of code", "duplicated"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestSummarizeConfigChangeHidesTokens(t *testing.T) {
	t.Parallel()

	a := Default()
	b := Default()
	b.Telegram.Token = "secret-token"
	b.Scheduler.TickInterval = "10s"

	changed, attrs := SummarizeConfigChange(a, b)
	if !slices.Equal(changed, []string{"scheduler", "telegram"}) {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}

	changed, _ = SummarizeConfigChange(a, Default())
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cronbot.json")
	if err := os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"tick_interval":"60s"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if m.reload(ctx) {
		t.Fatalf("unchanged file should not publish")
	}

	if err := os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"tick_interval":"5s"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.reload(ctx) {
		t.Fatalf("changed file should publish")
	}
	select {
	case got := <-ch:
		if got.Scheduler.TickInterval != "5s" {
			t.Fatalf("published %+v", got.Scheduler)
		}
	case <-time.After(time.Second):
		t.Fatalf("no publish")
	}

	// invalid edit is rejected and the previous config stays committed
	if err := os.WriteFile(path, []byte(`{"scheduler":{"tick_interval":"nope"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatalf("invalid config published")
	}
	if m.Get().Scheduler.TickInterval != "5s" {
		t.Fatalf("committed config replaced by invalid one")
	}
}

func TestManagerEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := NewConfigManager("").Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("driver=%q", cfg.Storage.Driver)
	}
}
