package job

import "fmt"

// ValidationError rejects a submission before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Reason)
}

// Validate checks the record invariants shared by every store backend.
func (w *WorkInfo) Validate() error {
	if w.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if w.Executor == "" {
		return &ValidationError{Field: "executor", Reason: "must not be empty"}
	}
	if w.RetryLimit < 0 {
		return &ValidationError{Field: "retry_limit", Reason: "must be >= 0"}
	}
	if w.RetryDelay < 0 {
		return &ValidationError{Field: "retry_delay", Reason: "must be >= 0"}
	}
	if w.StartAfter.IsZero() {
		return &ValidationError{Field: "start_after", Reason: "must be set"}
	}
	if w.KeepUntil.IsZero() {
		return &ValidationError{Field: "keep_until", Reason: "must be set"}
	}
	if w.KeepUntil.Before(w.StartAfter) {
		return &ValidationError{Field: "keep_until", Reason: "must not precede start_after"}
	}
	return nil
}
