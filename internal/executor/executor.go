// Package executor runs job code in a sandboxed Starlark interpreter with a
// wall-clock timeout, a heap ceiling and capped output capture.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"cronbot/internal/jobs"
	"cronbot/pkg/logx"
)

const (
	timeLayout = time.RFC3339

	defaultSampleInterval = 50 * time.Millisecond
	defaultHTTPMaxBody    = 1 << 20

	entryPoint = "run"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

var predeclared = starlark.StringDict{
	"json": json.Module,
	"math": math.Module,
	"time": starlarktime.Module,
}

type Config struct {
	Defaults jobs.ResourceLimits
	Maxima   jobs.Maxima

	MemorySampleInterval time.Duration
	HTTPMaxBodyBytes     int64
	HTTPClient           *http.Client
}

func (c Config) withDefaults() Config {
	if c.Defaults == (jobs.ResourceLimits{}) {
		c.Defaults = jobs.DefaultLimits()
	}
	if c.Maxima == (jobs.Maxima{}) {
		c.Maxima = jobs.DefaultMaxima()
	}
	if c.MemorySampleInterval <= 0 {
		c.MemorySampleInterval = defaultSampleInterval
	}
	if c.HTTPMaxBodyBytes <= 0 {
		c.HTTPMaxBodyBytes = defaultHTTPMaxBody
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

type Deps struct {
	Notifier Notifier
	KV       KV
	Memory   Memory
	Log      logx.Logger

	IDs func() string
	Now func() time.Time
}

type Executor struct {
	mu   sync.RWMutex
	cfg  Config
	deps Deps
	log  logx.Logger

	cache *programCache
	heap  func() uint64
}

func New(cfg Config, deps Deps) *Executor {
	if deps.IDs == nil {
		deps.IDs = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		log:   log.With(logx.String("comp", "executor")),
		cache: newProgramCache(),
		heap:  liveHeap,
	}
}

// Apply swaps limits and sampling settings. Runs already in flight keep the
// values they started with.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// limitsFor fills unset job limits with defaults and clamps them to maxima.
// Network access needs both the job flag and the host maximum.
func (e *Executor) limitsFor(j jobs.Job, cfg Config) jobs.ResourceLimits {
	l := j.Limits.Normalize(cfg.Defaults)
	clamp := func(v *int, ceil int) {
		if ceil > 0 && *v > ceil {
			*v = ceil
		}
	}
	clamp(&l.TimeoutSeconds, cfg.Maxima.TimeoutSeconds)
	clamp(&l.MaxMemoryMB, cfg.Maxima.MaxMemoryMB)
	clamp(&l.MaxOutputLines, cfg.Maxima.MaxOutputLines)
	clamp(&l.MaxOutputBytes, cfg.Maxima.MaxOutputBytes)
	l.AllowNetwork = l.AllowNetwork && cfg.Maxima.AllowNetwork
	if l.TimeoutSeconds <= 0 {
		l.TimeoutSeconds = jobs.DefaultTimeoutSeconds
	}
	return l
}

func (e *Executor) compile(j jobs.Job) (*compiled, error) {
	c := e.cache.get(j.Code, func() (*starlark.Program, string) {
		f, prog, err := starlark.SourceProgramOptions(fileOptions, "job.star", j.Code, predeclared.Has)
		if err != nil {
			return nil, err.Error()
		}
		if cause := declaresEntry(f); cause != "" {
			return nil, cause
		}
		return prog, ""
	})
	if c.prog == nil {
		return nil, &LoadError{JobID: j.ID, Cause: c.cause}
	}
	return c, nil
}

// Check compiles the job's code and confirms it declares run(ctx). No
// statement of the code is evaluated. The result is cached per distinct code.
func (e *Executor) Check(j jobs.Job) error {
	_, err := e.compile(j)
	return err
}

// declaresEntry looks for a top-level "def run(ctx)" in the syntax tree and
// refuses load statements, which have no loader to resolve them.
func declaresEntry(f *syntax.File) string {
	assigned, found := false, ""
	for _, stmt := range f.Stmts {
		switch st := stmt.(type) {
		case *syntax.LoadStmt:
			return "load statements are not supported"
		case *syntax.DefStmt:
			if st.Name.Name != entryPoint {
				continue
			}
			if len(st.Params) == 0 {
				found = "run must accept a ctx argument"
			} else {
				found = "ok"
			}
		case *syntax.AssignStmt:
			if id, ok := st.LHS.(*syntax.Ident); ok && id.Name == entryPoint {
				assigned = true
			}
		}
	}
	switch {
	case found == "ok":
		return ""
	case found != "":
		return found
	case assigned:
		return "run is assigned a value, not a function defined with def"
	}
	return "code does not define run(ctx)"
}

// initProgram runs top-level statements. Panics from builtins become errors.
func initProgram(thread *starlark.Thread, prog *starlark.Program) (globals starlark.StringDict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during load: %v", r)
		}
	}()
	return prog.Init(thread, predeclared)
}

// entry finds run and confirms it can be called with one argument.
func entry(globals starlark.StringDict) (starlark.Callable, string) {
	v, ok := globals[entryPoint]
	if !ok {
		return nil, "code does not define run(ctx)"
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Sprintf("run is a %s, not a function", v.Type())
	}
	if f, ok := fn.(*starlark.Function); ok && f.NumParams() == 0 && !f.HasVarargs() {
		return nil, "run must accept a ctx argument"
	}
	return fn, ""
}

// Execute runs job code once and returns its record. The error is non-nil
// only for a LoadError; every other failure of the job's code is reported
// through the record's outcome. Execute never returns before its watcher
// and sampler goroutines exit.
func (e *Executor) Execute(ctx context.Context, j jobs.Job, trigger time.Time) (jobs.ExecutionRecord, error) {
	cfg := e.config()
	limits := e.limitsFor(j, cfg)
	now := e.deps.Now

	rec := jobs.ExecutionRecord{
		ExecutionID:  e.deps.IDs(),
		JobID:        j.ID,
		StartedAt:    now().UTC(),
		CodeSnapshot: j.Code,
		ScheduledAt:  trigger.UTC(),
	}
	log := e.log.With(logx.String("job_id", j.ID), logx.String("execution_id", rec.ExecutionID))

	c, err := e.compile(j)
	if err != nil {
		return rec, err
	}

	stdout := newLimitedBuffer(limits.MaxOutputBytes, limits.MaxOutputLines)
	stderr := newLimitedBuffer(limits.MaxOutputBytes, limits.MaxOutputLines)

	runCtx, cancel := context.WithTimeout(withJob(ctx, j.ID), limits.Timeout())
	defer cancel()

	thread := &starlark.Thread{
		Name:  "job:" + j.ID,
		Print: func(_ *starlark.Thread, msg string) { stdout.Line(msg) },
	}
	starlarktime.SetNow(thread, func() (time.Time, error) { return now(), nil })

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-runCtx.Done():
			thread.Cancel(runCtx.Err().Error())
		case <-done:
		}
	}()
	mem := startMemSampler(e.heap, cfg.MemorySampleInterval, limits.MemoryBytes(), func() {
		thread.Cancel("memory limit exceeded")
	})

	env := &runEnv{
		ctx:    runCtx,
		job:    j,
		rec:    &rec,
		limits: limits,
		stderr: stderr,
		deps:   e.deps,
		http:   cfg.HTTPClient,
		maxRes: cfg.HTTPMaxBodyBytes,
		log:    log,
	}
	loadCause, runErr := e.run(thread, c.prog, env)

	close(done)
	wg.Wait()
	mem.Stop()

	rec.EndedAt = now().UTC()
	rec.DurationMS = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	rec.MemoryPeakMB = mem.PeakMB()

	finished := loadCause == "" && runErr == nil
	interrupted := mem.Exceeded() || (runCtx.Err() != nil && !finished)
	if loadCause != "" && !interrupted {
		return rec, &LoadError{JobID: j.ID, Cause: loadCause}
	}
	if loadCause != "" {
		runErr = errors.New(loadCause)
	}

	rec.Outcome = classify(finished, mem.Exceeded(), runCtx.Err(), ctx.Err())
	switch rec.Outcome {
	case jobs.OutcomeResourceExceeded:
		rec.Error = fmt.Sprintf("memory limit of %d MB exceeded", limits.MaxMemoryMB)
	case jobs.OutcomeTimeout:
		rec.Error = fmt.Sprintf("timed out after %s", limits.Timeout())
	case jobs.OutcomeFailure:
		rec.Error = runErr.Error()
		if ctx.Err() != nil {
			rec.Error = "cancelled: " + ctx.Err().Error()
		}
		var evalErr *starlark.EvalError
		if errors.As(runErr, &evalErr) {
			stderr.WriteString(evalErr.Backtrace() + "\n")
		}
	}
	rec.Stdout = stdout.String()
	rec.Stderr = stderr.String()

	log.Debug("execution finished",
		logx.String("outcome", string(rec.Outcome)),
		logx.Int64("duration_ms", rec.DurationMS),
		logx.Float64("memory_peak_mb", rec.MemoryPeakMB),
	)
	return rec, nil
}

// classify picks the outcome of a run. A run whose code returned normally
// succeeds even when its deadline passed on the way out; only code that was
// still running when the deadline hit is a timeout.
func classify(finished, memExceeded bool, runErr, parentErr error) jobs.Outcome {
	switch {
	case memExceeded:
		return jobs.OutcomeResourceExceeded
	case finished:
		return jobs.OutcomeSuccess
	case errors.Is(runErr, context.DeadlineExceeded) && parentErr == nil:
		return jobs.OutcomeTimeout
	}
	return jobs.OutcomeFailure
}

// run initializes the program and calls run(ctx). A non-empty loadCause
// means the code never reached run.
func (e *Executor) run(thread *starlark.Thread, prog *starlark.Program, env *runEnv) (loadCause string, err error) {
	globals, err := initProgram(thread, prog)
	if err != nil {
		return err.Error(), nil
	}
	fn, cause := entry(globals)
	if cause != "" {
		return cause, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = starlark.Call(thread, fn, starlark.Tuple{env.ctxValue()}, nil)
	return "", err
}
