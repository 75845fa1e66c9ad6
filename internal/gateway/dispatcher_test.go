package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/audit"
	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/storage"
)

type fakeExecutor struct {
	result *sandbox.ExecutionResult
	mode   sandbox.Mode
	req    sandbox.ExecutionRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.ExecutionRequest, mode sandbox.Mode) *sandbox.ExecutionResult {
	f.req = req
	f.mode = mode
	return f.result
}

type fakeTrail struct {
	records []audit.Record
	err     error
}

func (f *fakeTrail) Append(_ context.Context, rec audit.Record) error {
	f.records = append(f.records, rec)
	return f.err
}

func (f *fakeTrail) Close() error { return nil }

type fakeHistory struct {
	rows []*storage.Execution
	err  error
}

func (f *fakeHistory) Append(_ context.Context, row *storage.Execution) error {
	f.rows = append(f.rows, row)
	return f.err
}

func (f *fakeHistory) Get(context.Context, uuid.UUID) (*storage.Execution, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeHistory) List(context.Context, storage.Filter) ([]*storage.Execution, error) {
	return nil, nil
}

func (f *fakeHistory) Count(context.Context) (int64, error) { return int64(len(f.rows)), nil }

func (f *fakeHistory) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fakePublisher struct {
	events []ExecutionEvent
}

func (f *fakePublisher) Publish(ev ExecutionEvent) { f.events = append(f.events, ev) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchRecordsEverywhere(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{
		Success:  true,
		Stdout:   "hi\n",
		Duration: 42 * time.Millisecond,
	}}
	trail := &fakeTrail{}
	history := &fakeHistory{}
	events := &fakePublisher{}

	d := NewDispatcher(exec, testLogger()).
		WithTrail(trail).
		WithHistory(history).
		WithEvents(events)

	code := `result = 1 + 1`
	id, result := d.Dispatch(context.Background(), "http", sandbox.ExecutionRequest{Code: code}, sandbox.Sandboxed)

	if id == uuid.Nil {
		t.Fatal("Dispatch returned the nil UUID")
	}
	if result != exec.result {
		t.Error("Dispatch did not return the executor's result")
	}
	if exec.mode != sandbox.Sandboxed {
		t.Errorf("executor mode = %v, want Sandboxed", exec.mode)
	}

	if len(trail.records) != 1 {
		t.Fatalf("trail records = %d, want 1", len(trail.records))
	}
	rec := trail.records[0]
	if rec.ID != id.String() {
		t.Errorf("record ID = %q, want %q", rec.ID, id.String())
	}
	if rec.Source != "http" {
		t.Errorf("record source = %q, want http", rec.Source)
	}
	if rec.Mode != "sandboxed" {
		t.Errorf("record mode = %q, want sandboxed", rec.Mode)
	}
	if rec.Verdict != audit.VerdictAccepted {
		t.Errorf("record verdict = %q, want accepted", rec.Verdict)
	}
	if rec.CodeHash != audit.HashCode(code) {
		t.Errorf("record code hash = %q, want hash of the submitted code", rec.CodeHash)
	}
	if rec.CodeBytes != len(code) {
		t.Errorf("record code bytes = %d, want %d", rec.CodeBytes, len(code))
	}
	if rec.Failure != "" {
		t.Errorf("record failure = %q, want empty on success", rec.Failure)
	}
	if rec.StdoutBytes != 3 {
		t.Errorf("record stdout bytes = %d, want 3", rec.StdoutBytes)
	}

	if len(history.rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history.rows))
	}
	row := history.rows[0]
	if row.ID != id {
		t.Errorf("history row ID = %v, want %v", row.ID, id)
	}
	if row.Verdict != "accepted" {
		t.Errorf("history verdict = %q, want accepted", row.Verdict)
	}
	if row.DurationMS != 42 {
		t.Errorf("history duration = %d ms, want 42", row.DurationMS)
	}

	if len(events.events) != 1 {
		t.Fatalf("events published = %d, want 1", len(events.events))
	}
	ev := events.events[0]
	if ev.ID != id.String() {
		t.Errorf("event ID = %q, want %q", ev.ID, id.String())
	}
	if !ev.Success {
		t.Error("event success = false, want true")
	}
}

func TestDispatchRefusalCarriesViolationKinds(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{
		Success: false,
		Error:   "security violation",
		Failure: sandbox.FailureViolation,
		Violations: []sandbox.Violation{
			{Kind: sandbox.ViolationBlockedImport, Message: "import of blocked module"},
			{Kind: sandbox.ViolationDangerousCall, Message: "call to exec"},
		},
	}}
	trail := &fakeTrail{}
	history := &fakeHistory{}

	d := NewDispatcher(exec, testLogger()).WithTrail(trail).WithHistory(history)
	_, result := d.Dispatch(context.Background(), "mcp", sandbox.ExecutionRequest{Code: `load("os", "x")`}, sandbox.Sandboxed)

	if result.Success {
		t.Fatal("refused execution reported success")
	}
	rec := trail.records[0]
	if rec.Verdict != audit.VerdictRefused {
		t.Errorf("verdict = %q, want refused", rec.Verdict)
	}
	if rec.Failure != "security_violation" {
		t.Errorf("failure = %q, want security_violation", rec.Failure)
	}
	want := []string{"blocked_import", "dangerous_call"}
	if len(rec.ViolationKinds) != len(want) {
		t.Fatalf("violation kinds = %v, want %v", rec.ViolationKinds, want)
	}
	for i, kind := range want {
		if rec.ViolationKinds[i] != kind {
			t.Errorf("violation kind[%d] = %q, want %q", i, rec.ViolationKinds[i], kind)
		}
	}
	if history.rows[0].Verdict != "refused" {
		t.Errorf("history verdict = %q, want refused", history.rows[0].Verdict)
	}
}

func TestDispatchDisabledVerdict(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{
		Success: false,
		Error:   "execution disabled",
		Failure: sandbox.FailureDisabled,
	}}
	trail := &fakeTrail{}

	d := NewDispatcher(exec, testLogger()).WithTrail(trail)
	d.Dispatch(context.Background(), "cli", sandbox.ExecutionRequest{Code: "x = 1"}, sandbox.Sandboxed)

	if trail.records[0].Verdict != audit.VerdictDisabled {
		t.Errorf("verdict = %q, want disabled", trail.records[0].Verdict)
	}
	if len(trail.records[0].ViolationKinds) != 0 {
		t.Errorf("violation kinds = %v, want none", trail.records[0].ViolationKinds)
	}
}

func TestDispatchSurvivesRecordingFailures(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{Success: true}}
	trail := &fakeTrail{err: errors.New("disk full")}
	history := &fakeHistory{err: errors.New("connection refused")}

	d := NewDispatcher(exec, testLogger()).WithTrail(trail).WithHistory(history)
	id, result := d.Dispatch(context.Background(), "http", sandbox.ExecutionRequest{Code: "x = 1"}, sandbox.Sandboxed)

	if id == uuid.Nil {
		t.Error("Dispatch returned the nil UUID after recording failures")
	}
	if result == nil || !result.Success {
		t.Error("recording failures leaked into the execution result")
	}
}

func TestDispatchWithoutSinks(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{Success: true}}

	d := NewDispatcher(exec, testLogger())
	id, result := d.Dispatch(context.Background(), "cli", sandbox.ExecutionRequest{Code: "x = 1"}, sandbox.Direct)

	if id == uuid.Nil || !result.Success {
		t.Error("bare dispatcher did not pass the result through")
	}
	if exec.mode != sandbox.Direct {
		t.Errorf("executor mode = %v, want Direct", exec.mode)
	}
}

func TestVerdictMapping(t *testing.T) {
	cases := []struct {
		kind sandbox.FailureKind
		want audit.Verdict
	}{
		{sandbox.FailureNone, audit.VerdictAccepted},
		{sandbox.FailureRuntime, audit.VerdictAccepted},
		{sandbox.FailureTimeout, audit.VerdictAccepted},
		{sandbox.FailureMemory, audit.VerdictAccepted},
		{sandbox.FailureViolation, audit.VerdictRefused},
		{sandbox.FailureDisabled, audit.VerdictDisabled},
	}
	for _, tc := range cases {
		if got := verdictFor(tc.kind); got != tc.want {
			t.Errorf("verdictFor(%v) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}
