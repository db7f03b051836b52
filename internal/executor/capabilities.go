package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"cronbot/internal/jobs"
	"cronbot/pkg/logx"
)

// Notifier delivers a message to the operator.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// KV is the per-job string store behind ctx.kv. storage.Store satisfies it.
type KV interface {
	KVGet(ctx context.Context, jobID, key string) (string, bool, error)
	KVPut(ctx context.Context, jobID, key, value string) error
	KVDelete(ctx context.Context, jobID, key string) error
}

// Memory is the optional long-term memory behind ctx.memory.
type Memory interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Remember(ctx context.Context, text string) error
}

// runEnv is everything the capabilities of one execution close over.
type runEnv struct {
	ctx    context.Context
	job    jobs.Job
	rec    *jobs.ExecutionRecord
	limits jobs.ResourceLimits
	stderr *limitedBuffer
	deps   Deps
	http   *http.Client
	maxRes int64
	log    logx.Logger
}

// ctxValue builds the struct passed to run(ctx).
func (r *runEnv) ctxValue() starlark.Value {
	fields := starlark.StringDict{
		"job_id":       starlark.String(r.job.ID),
		"job_name":     starlark.String(r.job.Name),
		"execution_id": starlark.String(r.rec.ExecutionID),
		"scheduled_at": starlark.String(r.rec.ScheduledAt.UTC().Format(timeLayout)),
		"notify":       starlark.NewBuiltin("notify", r.notify),
		"log":          starlark.NewBuiltin("log", r.logLine),
	}
	if r.deps.KV != nil {
		fields["kv"] = starlarkstruct.FromStringDict(starlark.String("kv"), starlark.StringDict{
			"get":    starlark.NewBuiltin("kv.get", r.kvGet),
			"set":    starlark.NewBuiltin("kv.set", r.kvSet),
			"delete": starlark.NewBuiltin("kv.delete", r.kvDelete),
		})
	}
	if r.deps.Memory != nil {
		fields["memory"] = starlarkstruct.FromStringDict(starlark.String("memory"), starlark.StringDict{
			"search":   starlark.NewBuiltin("memory.search", r.memorySearch),
			"remember": starlark.NewBuiltin("memory.remember", r.memoryRemember),
		})
	}
	if r.limits.AllowNetwork {
		fields["http_get"] = starlark.NewBuiltin("http_get", r.httpGet)
	}
	return starlarkstruct.FromStringDict(starlark.String("ctx"), fields)
}

// notify never raises; delivery problems are logged and reported as False.
func (r *runEnv) notify(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &msg); err != nil {
		return nil, err
	}
	if r.deps.Notifier == nil {
		r.log.Warn("notify called without a notifier")
		return starlark.False, nil
	}
	if err := r.deps.Notifier.Send(r.ctx, msg); err != nil {
		r.log.Warn("job notification failed", logx.Err(err))
		return starlark.False, nil
	}
	return starlark.True, nil
}

func (r *runEnv) logLine(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, errors.New("log: unexpected keyword arguments")
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if s, ok := starlark.AsString(a); ok {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, a.String())
	}
	r.stderr.Line(strings.Join(parts, " "))
	return starlark.None, nil
}

func (r *runEnv) kvGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	v, ok, err := r.deps.KV.KVGet(r.ctx, r.job.ID, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if !ok {
		return def, nil
	}
	return starlark.String(v), nil
}

func (r *runEnv) kvSet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%s: empty key", b.Name())
	}
	if err := r.deps.KV.KVPut(r.ctx, r.job.ID, key, value); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func (r *runEnv) kvDelete(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	if err := r.deps.KV.KVDelete(r.ctx, r.job.ID, key); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func (r *runEnv) memorySearch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var query string
	limit := 5
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "query", &query, "limit?", &limit); err != nil {
		return nil, err
	}
	hits, err := r.deps.Memory.Search(r.ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	out := make([]starlark.Value, 0, len(hits))
	for _, h := range hits {
		out = append(out, starlark.String(h))
	}
	return starlark.NewList(out), nil
}

func (r *runEnv) memoryRemember(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text); err != nil {
		return nil, err
	}
	if err := r.deps.Memory.Remember(r.ctx, text); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// httpGet fetches url with the execution's context, so the job timeout also
// bounds the request. The body is capped at maxRes bytes.
func (r *runEnv) httpGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var raw string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &raw); err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s: unsupported scheme %q", b.Name(), u.Scheme)
	}
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxRes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", b.Name(), err)
	}
	truncated := int64(len(body)) > r.maxRes
	if truncated {
		body = body[:r.maxRes]
	}
	return starlarkstruct.FromStringDict(starlark.String("response"), starlark.StringDict{
		"status":    starlark.MakeInt(resp.StatusCode),
		"body":      starlark.String(body),
		"truncated": starlark.Bool(truncated),
	}), nil
}
