// Package sandbox executes untrusted guest code under policy control.
// Guest snippets never run directly against the host: every call flows
// through static validation, a capability-scoped environment, and
// resource limits before a single guest expression is evaluated.
package sandbox

import (
	"context"
	"encoding/json"
	"time"
)

// Mode selects how much of the restriction pipeline applies to a call.
type Mode int

const (
	// Sandboxed applies the full pipeline: static validation, the
	// capability environment, the memory ceiling, and the deadline.
	// The zero value is deliberately the restrictive mode.
	Sandboxed Mode = iota

	// Direct runs code against the caller-supplied namespace with output
	// capture only. Intended for pre-trusted contexts such as internal
	// fixtures and health probes, never for guest-originated code paths.
	Direct
)

// ParseMode maps a wire-level mode name to a Mode. Unknown names fall
// back to Sandboxed so a malformed request can never relax restrictions.
func ParseMode(s string) Mode {
	if s == "direct" {
		return Direct
	}
	return Sandboxed
}

func (m Mode) String() string {
	switch m {
	case Sandboxed:
		return "sandboxed"
	case Direct:
		return "direct"
	default:
		return "unknown"
	}
}

// Executor runs guest code. Implementations never panic across this
// boundary and never return a Go error: every failure, from a policy
// refusal to a guest crash, is reported inside the result.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest, mode Mode) *ExecutionResult
}

// ExecutionRequest carries one guest snippet and the data bindings it
// is allowed to see.
type ExecutionRequest struct {
	// Code is the guest source text.
	Code string

	// InjectedBindings are host values exposed to the guest as top-level
	// names. Each binding is vetted before injection; underscore-prefixed
	// names, callables, and module references are dropped silently.
	InjectedBindings map[string]any
}

// FailureKind classifies why an execution did not succeed.
type FailureKind int

const (
	// FailureNone marks a successful run.
	FailureNone FailureKind = iota

	// FailureDisabled means the policy has execution switched off.
	FailureDisabled

	// FailureViolation means static validation refused the code.
	FailureViolation

	// FailureTimeout means the run exceeded the policy deadline.
	FailureTimeout

	// FailureMemory means the run exceeded the memory ceiling.
	FailureMemory

	// FailureRuntime means the guest code itself failed while running.
	FailureRuntime
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureDisabled:
		return "disabled"
	case FailureViolation:
		return "security_violation"
	case FailureTimeout:
		return "timeout"
	case FailureMemory:
		return "memory_exceeded"
	case FailureRuntime:
		return "runtime_error"
	default:
		return "unknown"
	}
}

func (k FailureKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// ExecutionResult is the uniform outcome of one call. Exactly one of
// Success or a non-empty Error is set; Failure tells callers which class
// of problem occurred without parsing the message.
type ExecutionResult struct {
	// Success reports whether the guest code ran to completion.
	Success bool `json:"success"`

	// Stdout holds everything the guest printed, capped in size.
	Stdout string `json:"stdout"`

	// Error is a human-readable failure summary. Empty on success.
	Error string `json:"error,omitempty"`

	// Failure classifies the error. FailureNone on success.
	Failure FailureKind `json:"failure"`

	// Violations carries the static-analysis report when Failure is
	// FailureViolation. Empty otherwise.
	Violations []Violation `json:"violations,omitempty"`

	// ReturnValue is the guest's "result" binding converted to plain Go
	// data, or nil when absent or not representable.
	ReturnValue any `json:"return_value,omitempty"`

	// ExportedBindings are the guest's top-level bindings after the run,
	// converted to plain Go data. Underscore-prefixed names and values
	// with no data representation are omitted.
	ExportedBindings map[string]any `json:"exported_bindings,omitempty"`

	// Duration is the wall-clock time spent inside the interpreter.
	Duration time.Duration `json:"duration_ns"`
}
