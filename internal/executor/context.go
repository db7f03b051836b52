package executor

import "context"

type jobCtxKey struct{}

// withJob marks ctx as a job execution context. Every capability call made
// by job code receives a context derived from it.
func withJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobCtxKey{}, jobID)
}

// InJob reports whether ctx belongs to a running job. The lifecycle package
// refuses approval from such contexts.
func InJob(ctx context.Context) bool {
	_, ok := JobFromContext(ctx)
	return ok
}

// JobFromContext returns the id of the job whose execution ctx belongs to.
func JobFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(jobCtxKey{}).(string)
	return id, ok
}
