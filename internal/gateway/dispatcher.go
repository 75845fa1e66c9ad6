package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/storage"
)

// ExecutionEvent is the summary broadcast to event subscribers after a
// dispatch completes. Like the audit trail it carries classification
// only, never the guest code or its output.
type ExecutionEvent struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Source     string    `json:"source"`
	Mode       string    `json:"mode"`
	Verdict    string    `json:"verdict"`
	Success    bool      `json:"success"`
	Failure    string    `json:"failure,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// EventPublisher fans execution events out to subscribers. Publish must
// not block: a slow subscriber is the publisher's problem to shed, not
// the dispatcher's.
type EventPublisher interface {
	Publish(ev ExecutionEvent)
}

// Dispatcher funnels guest code from every surface through one pipeline:
// execute, append the audit record, persist the history row, publish the
// event. Surfaces differ only in the source tag they pass, so an
// operator reading the trail sees HTTP, MCP, and CLI submissions in the
// same shape.
type Dispatcher struct {
	exec    sandbox.Executor
	logger  *slog.Logger
	trail   audit.Trail
	history storage.ExecutionStore
	events  EventPublisher
}

// NewDispatcher creates a dispatcher around the given executor. Trail,
// history, and events are optional and attached with the With methods.
func NewDispatcher(exec sandbox.Executor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, logger: logger}
}

// WithTrail attaches an audit trail appended after every dispatch.
func (d *Dispatcher) WithTrail(trail audit.Trail) *Dispatcher {
	d.trail = trail
	return d
}

// WithHistory attaches an execution history store.
func (d *Dispatcher) WithHistory(store storage.ExecutionStore) *Dispatcher {
	d.history = store
	return d
}

// WithEvents attaches an event publisher.
func (d *Dispatcher) WithEvents(pub EventPublisher) *Dispatcher {
	d.events = pub
	return d
}

// Dispatch runs one guest snippet and records the outcome. The returned
// ID names the execution in the trail, the history store, and the event
// feed. Recording failures are logged and never surfaced to the caller:
// the guest result stands on its own.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, req sandbox.ExecutionRequest, mode sandbox.Mode) (uuid.UUID, *sandbox.ExecutionResult) {
	id := uuid.New()
	createdAt := time.Now().UTC()

	result := d.exec.Execute(ctx, req, mode)

	verdict := verdictFor(result.Failure)
	kinds := violationKinds(result.Violations)
	failure := failureLabel(result.Failure)

	// Records must land even when the client has gone away, so the
	// appends run under a context that survives cancellation.
	recCtx := context.WithoutCancel(ctx)

	if d.trail != nil {
		rec := audit.Record{
			ID:             id.String(),
			Timestamp:      createdAt,
			Source:         source,
			Mode:           mode.String(),
			CodeHash:       audit.HashCode(req.Code),
			CodeBytes:      len(req.Code),
			Verdict:        verdict,
			ViolationKinds: kinds,
			Success:        result.Success,
			Failure:        failure,
			Duration:       result.Duration,
			StdoutBytes:    len(result.Stdout),
		}
		if err := d.trail.Append(recCtx, rec); err != nil {
			d.logger.ErrorContext(ctx, "audit append failed",
				slog.String("execution_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if d.history != nil {
		row := &storage.Execution{
			ID:             id,
			CreatedAt:      createdAt,
			Source:         source,
			Mode:           mode.String(),
			CodeHash:       audit.HashCode(req.Code),
			CodeBytes:      len(req.Code),
			Verdict:        string(verdict),
			ViolationKinds: kinds,
			Success:        result.Success,
			Failure:        failure,
			DurationMS:     result.Duration.Milliseconds(),
			StdoutBytes:    len(result.Stdout),
		}
		if err := d.history.Append(recCtx, row); err != nil {
			d.logger.ErrorContext(ctx, "recording execution history failed",
				slog.String("execution_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if d.events != nil {
		d.events.Publish(ExecutionEvent{
			ID:         id.String(),
			CreatedAt:  createdAt,
			Source:     source,
			Mode:       mode.String(),
			Verdict:    string(verdict),
			Success:    result.Success,
			Failure:    failure,
			DurationMS: result.Duration.Milliseconds(),
		})
	}

	return id, result
}

// verdictFor maps a failure kind to the audit verdict. Anything past the
// validator counts as accepted, even if the run then failed.
func verdictFor(kind sandbox.FailureKind) audit.Verdict {
	switch kind {
	case sandbox.FailureViolation:
		return audit.VerdictRefused
	case sandbox.FailureDisabled:
		return audit.VerdictDisabled
	default:
		return audit.VerdictAccepted
	}
}

// failureLabel renders a failure kind for records, with success as the
// empty string so omitempty drops it.
func failureLabel(kind sandbox.FailureKind) string {
	if kind == sandbox.FailureNone {
		return ""
	}
	return kind.String()
}

func violationKinds(violations []sandbox.Violation) []string {
	if len(violations) == 0 {
		return nil
	}
	kinds := make([]string, len(violations))
	for i, v := range violations {
		kinds[i] = v.Kind.String()
	}
	return kinds
}
