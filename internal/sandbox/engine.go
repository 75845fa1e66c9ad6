package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
)

// runMu serializes sandboxed executions. The deadline timer and the
// memory watchdog both act on process-global state (one shared Go
// heap), so concurrent sandboxed runs would charge each other's
// allocations against the wrong ceiling.
var runMu sync.Mutex

// Cancellation reasons. Classification is driven by which limiter
// fired; the reason string in the interpreter error is the cross-check.
const (
	deadlineReason = "deadline exceeded"
	memoryReason   = "memory ceiling exceeded"
)

// cancelledMarker prefixes every interpreter cancellation message.
const cancelledMarker = "Starlark computation cancelled"

// memorySampleInterval is how often the watchdog samples the heap.
const memorySampleInterval = 5 * time.Millisecond

// resultBinding is the guest global surfaced as ExecutionResult.ReturnValue.
const resultBinding = "result"

// Engine executes guest code under one policy.
//
// Security guarantees:
//   - No guest code runs before static validation passes.
//   - Sandboxed runs resolve names only against the capability
//     environment; every non-allow-listed builtin is a denial stub.
//   - Output is captured in memory and capped; nothing the guest prints
//     reaches the host's stdout or stderr.
//   - Sandboxed runs are bounded by the policy deadline and memory ceiling.
//   - Failures never cross the boundary as panics or Go errors.
type Engine struct {
	policy    *Policy
	logger    *slog.Logger
	validator *Validator

	// cached from the policy at construction
	timeout time.Duration
	ceiling uint64

	scratchRoot string
}

// NewEngine validates the policy and builds an engine around it. A
// malformed policy is fatal here; nothing is patched up at call time.
func NewEngine(policy *Policy, logger *slog.Logger) (*Engine, error) {
	if policy == nil {
		return nil, &PolicyError{Field: "policy", Reason: "not provided"}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		policy:    policy,
		logger:    logger,
		validator: NewValidator(policy),
		timeout:   policy.Timeout(),
		ceiling:   policy.MemoryCeilingBytes(),
	}, nil
}

// WithScratchRoot places per-execution scratch directories under dir
// instead of the system temp directory.
func (e *Engine) WithScratchRoot(dir string) *Engine {
	e.scratchRoot = dir
	return e
}

// Policy returns the engine's policy. Callers must treat it as read-only.
func (e *Engine) Policy() *Policy { return e.policy }

// Validate statically checks code against the engine's policy without
// running anything.
func (e *Engine) Validate(code string) []Violation {
	return e.validator.Validate(code)
}

// Execute runs one guest snippet. It always returns a result; failures
// of every kind are reported inside it, never as a panic or an error.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest, mode Mode) *ExecutionResult {
	// 1. Refuse a disabled engine before touching the code.
	if !e.policy.Enabled {
		return &ExecutionResult{Error: "execution disabled", Failure: FailureDisabled}
	}

	// 2. Static validation runs in both modes. Direct mode skips the
	// capability environment and resource limits, not the screening.
	if violations := e.validator.Validate(req.Code); len(violations) > 0 {
		verr := &ViolationError{Violations: violations}
		e.logger.Warn("guest code refused",
			slog.String("mode", mode.String()),
			slog.Int("violations", len(violations)))
		return &ExecutionResult{
			Error:      verr.Error(),
			Failure:    FailureViolation,
			Violations: violations,
		}
	}

	// A policy with sandboxing off degrades every call to direct mode;
	// a requested direct call stays direct.
	if mode == Sandboxed && e.policy.Sandboxed {
		return e.runSandboxed(ctx, req)
	}
	return e.runDirect(ctx, req)
}

func (e *Engine) runSandboxed(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	// 3. One sandboxed run at a time; both limiters watch process-global
	// state.
	runMu.Lock()
	defer runMu.Unlock()

	// 4. Per-execution scratch directory, only when the policy grants
	// the file capability.
	var scratch string
	if e.fileCapabilityEnabled() {
		dir, err := os.MkdirTemp(e.scratchRoot, "ngome-exec-*")
		if err != nil {
			e.logger.Error("scratch directory unavailable", slog.String("error", err.Error()))
			return &ExecutionResult{
				Error:   "runtime error: scratch directory unavailable",
				Failure: FailureRuntime,
			}
		}
		scratch = dir
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				e.logger.Warn("failed to remove scratch directory",
					slog.String("dir", dir),
					slog.String("error", err.Error()))
			}
		}()
	}

	// 5. Capability environment and load hook.
	builder := newEnvBuilder(e.policy, e.logger, scratch)
	env := builder.build(req.InjectedBindings)

	out := newOutputBuffer()
	thread := &starlark.Thread{
		Name:  "sandbox",
		Print: out.print,
		Load:  builder.loader,
	}

	// 6. Limits: deadline, memory ceiling, caller cancellation.
	st := &limitState{}
	timer := time.AfterFunc(e.timeout, func() {
		st.deadlineHit.Store(true)
		thread.Cancel(deadlineReason)
	})
	defer timer.Stop()

	watchdog := startMemoryWatchdog(e.ceiling, thread, st)
	defer watchdog.stop()

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("context cancelled")
	})
	defer stop()

	// 7. Compile and run against the restricted environment.
	return e.run(ctx, thread, env, req.Code, out, st)
}

func (e *Engine) runDirect(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	env := buildDirect(req.InjectedBindings, e.logger)
	out := newOutputBuffer()
	thread := &starlark.Thread{Name: "direct", Print: out.print}

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("context cancelled")
	})
	defer stop()

	return e.run(ctx, thread, env, req.Code, out, &limitState{})
}

// run compiles code against env, executes it, and collects the outcome.
func (e *Engine) run(ctx context.Context, thread *starlark.Thread, env starlark.StringDict, code string, out *outputBuffer, st *limitState) *ExecutionResult {
	e.logger.Info("executing guest code",
		slog.String("thread", thread.Name),
		slog.Int("code_bytes", len(code)))

	start := time.Now()

	// Resolve errors (undefined or denied-at-resolve names) surface
	// here; the parse itself already succeeded during validation.
	_, prog, err := starlark.SourceProgramOptions(fileOpts, "guest.star", code, env.Has)
	if err != nil {
		return &ExecutionResult{
			Stdout:   out.String(),
			Error:    "runtime error: " + err.Error(),
			Failure:  FailureRuntime,
			Duration: time.Since(start),
		}
	}

	globals, runErr := prog.Init(thread, env)
	duration := time.Since(start)

	if runErr != nil {
		kind, msg := e.classify(ctx, runErr, st, duration)
		e.logger.Info("execution failed",
			slog.String("thread", thread.Name),
			slog.String("failure", kind.String()),
			slog.Duration("duration", duration))
		return &ExecutionResult{
			Stdout:   out.String(),
			Error:    msg,
			Failure:  kind,
			Duration: duration,
		}
	}

	// 8. Collect exports: top-level bindings minus private names and
	// values with no data representation.
	exported := make(map[string]any, len(globals))
	for name, value := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if gv, ok := fromStarlark(value); ok {
			exported[name] = gv
		}
	}
	var ret any
	if rv, ok := globals[resultBinding]; ok {
		if gv, ok := fromStarlark(rv); ok {
			ret = gv
		}
	}

	e.logger.Info("execution completed",
		slog.String("thread", thread.Name),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(out.String())))

	return &ExecutionResult{
		Success:          true,
		Stdout:           out.String(),
		ReturnValue:      ret,
		ExportedBindings: exported,
		Duration:         duration,
	}
}

// classify maps an interpreter error onto the failure taxonomy. The
// limiter flags decide; the cancellation marker in the message is the
// cross-check, so a guest error that merely mentions a limit cannot
// masquerade as one.
func (e *Engine) classify(ctx context.Context, runErr error, st *limitState, elapsed time.Duration) (FailureKind, string) {
	msg := runErr.Error()
	var evalErr *starlark.EvalError
	if errors.As(runErr, &evalErr) {
		msg = evalErr.Msg
	}
	cancelled := strings.Contains(msg, cancelledMarker)

	switch {
	case cancelled && st.memoryHit.Load():
		return FailureMemory, fmt.Sprintf("memory limit exceeded: ceiling %d MB (after %s)",
			e.policy.MaxMemoryMB, elapsed.Round(time.Millisecond))
	case cancelled && st.deadlineHit.Load():
		return FailureTimeout, fmt.Sprintf("execution timed out after %s (limit %s)",
			elapsed.Round(time.Millisecond), e.timeout)
	case cancelled && ctx.Err() != nil:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return FailureTimeout, fmt.Sprintf("execution timed out after %s (caller deadline)",
				elapsed.Round(time.Millisecond))
		}
		return FailureRuntime, "execution cancelled by caller"
	}
	return FailureRuntime, "runtime error: " + msg
}

func (e *Engine) fileCapabilityEnabled() bool {
	if len(e.policy.AllowedFileOps) == 0 {
		return false
	}
	for _, name := range e.policy.AllowedImports {
		if name == "files" {
			return true
		}
	}
	return false
}

// limitState records which limiter fired during a run.
type limitState struct {
	deadlineHit atomic.Bool
	memoryHit   atomic.Bool
}

// memoryWatchdog samples heap growth during a run and cancels the
// thread once the delta from the run's baseline passes the ceiling. The
// whole process heap stands in for the guest, which is one more reason
// sandboxed runs are serialized.
type memoryWatchdog struct {
	done chan struct{}
}

func startMemoryWatchdog(ceiling uint64, thread *starlark.Thread, st *limitState) *memoryWatchdog {
	w := &memoryWatchdog{done: make(chan struct{})}

	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	go func() {
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				if ms.HeapAlloc > base.HeapAlloc && ms.HeapAlloc-base.HeapAlloc > ceiling {
					st.memoryHit.Store(true)
					thread.Cancel(memoryReason)
					return
				}
			}
		}
	}()
	return w
}

func (w *memoryWatchdog) stop() {
	close(w.done)
}
