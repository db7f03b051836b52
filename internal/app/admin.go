package app

import (
	"context"
	"time"

	"cronbot/internal/config"
	"cronbot/internal/cronexpr"
	"cronbot/internal/executor"
	"cronbot/internal/jobs"
	"cronbot/internal/lifecycle"
	"cronbot/internal/memory"
	"cronbot/internal/storage"
	logx "cronbot/pkg/logx"
)

// Admin is the operator surface used by the CLI. It opens the store directly
// and never runs jobs; a running daemon sees the changes on its next tick.
//
// The file driver serializes writers per process only. Run the CLI against
// a live daemon with storage.driver=sqlite.
type Admin struct {
	Store     storage.Store
	Lifecycle *lifecycle.Service
	// Memory is nil when memory.enabled is false.
	Memory *memory.Notes

	loc *time.Location
}

func OpenAdmin(cfgPath string) (*Admin, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	return openAdmin(cfg, logx.NewWriter(logx.Stderr(), "warn"))
}

func openAdmin(cfg *config.Config, log logx.Logger) (*Admin, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	// Only Check is used here: submissions are compiled before they are stored.
	exec := executor.New(execCfg, executor.Deps{Log: log})
	a := &Admin{
		Store: store,
		Lifecycle: lifecycle.New(store, lifecycle.Options{
			Defaults: execCfg.Defaults,
			Maxima:   execCfg.Maxima,
			Checker:  exec,
			Log:      log,
		}),
		loc: time.UTC,
	}
	if cfg.Memory.Enabled {
		a.Memory = memory.New(store, memory.Options{MaxNotes: cfg.Memory.MaxNotes, Log: log})
	}
	if tz := cfg.Scheduler.Timezone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			a.loc = loc
		}
	}
	return a, nil
}

func (a *Admin) Close() error { return a.Store.Close() }

// Location is the display timezone.
func (a *Admin) Location() *time.Location { return a.loc }

// JobView is a job plus its upcoming runs, for display.
type JobView struct {
	jobs.Job
	Next  []time.Time
	Audit []storage.AuditEntry
}

// ShowJob loads a job with its next n run times and recent audit trail.
func (a *Admin) ShowJob(ctx context.Context, id string, n int) (JobView, error) {
	j, err := a.Store.GetJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	v := JobView{Job: j}
	if j.Status.Schedulable() && n > 0 {
		from := time.Now()
		if j.LastRun != nil && j.LastRun.After(from) {
			from = *j.LastRun
		}
		v.Next, _ = cronexpr.Preview(j.Schedule, from, a.loc, n)
	}
	v.Audit, err = a.Store.ListAudit(ctx, id, 20)
	if err != nil {
		return JobView{}, err
	}
	return v, nil
}
