package executor

import (
	"errors"
	"fmt"
)

// ErrLoad is matched by every LoadError.
var ErrLoad = errors.New("job code failed to load")

// LoadError means the job's code cannot be compiled or initialized, or it
// does not define a callable run(ctx). Callers quarantine instead of retrying.
// Cause is human readable; no Go or Starlark stack trace is included.
type LoadError struct {
	JobID string
	Cause string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load job %s: %s", e.JobID, e.Cause)
}

func (e *LoadError) Unwrap() error { return ErrLoad }

func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
