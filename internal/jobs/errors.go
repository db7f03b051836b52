package jobs

import (
	"errors"
	"fmt"
	"strings"
)

var ErrValidation = errors.New("validation failed")

// ValidationError is returned for submission-time problems. It is never
// persisted; the submitter sees it directly.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ValidateDraft checks fields that do not need the cron engine.
func ValidateDraft(d Draft, max Maxima) error {
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if strings.TrimSpace(d.Code) == "" {
		return &ValidationError{Field: "code", Reason: "required"}
	}
	return d.Limits.Validate(max)
}
