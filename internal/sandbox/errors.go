package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification with errors.Is. The engine folds
// every runtime failure into an ExecutionResult; these surface only
// where a Go error crosses an API, such as policy loading and the
// temp-file helper.
var (
	// ErrInvalidPolicy means a policy field failed validation. This is a
	// construction-time error and is always fatal.
	ErrInvalidPolicy = errors.New("invalid sandbox policy")

	// ErrExecutionDisabled means the policy has execution switched off.
	ErrExecutionDisabled = errors.New("execution disabled")

	// ErrSecurityViolation means static validation refused guest code.
	ErrSecurityViolation = errors.New("security violation")

	// ErrDeadlineExceeded means a run was cancelled at the policy deadline.
	ErrDeadlineExceeded = errors.New("execution deadline exceeded")

	// ErrMemoryExceeded means a run was cancelled at the memory ceiling.
	ErrMemoryExceeded = errors.New("memory limit exceeded")

	// ErrFileOpDenied means the policy does not permit a file operation.
	ErrFileOpDenied = errors.New("file operation denied")
)

// PolicyError reports a malformed policy field. Construction fails
// loudly on these; a half-validated policy must never reach the engine.
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("invalid sandbox policy: %s: %s", e.Field, e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrInvalidPolicy }

// ViolationError aggregates the static-analysis refusals for one snippet.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("security violation: %s", strings.Join(msgs, "; "))
}

func (e *ViolationError) Unwrap() error { return ErrSecurityViolation }
