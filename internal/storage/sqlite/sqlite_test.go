package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "ngome.db")}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, testLogger()); err == nil {
		t.Fatal("Open with empty path succeeded, want error")
	}
}

func TestDriverName(t *testing.T) {
	store := openTestStore(t)
	if got := store.Driver(); got != storage.DriverSQLite {
		t.Errorf("Driver() = %q, want %q", got, storage.DriverSQLite)
	}
}

func TestPing(t *testing.T) {
	store := openTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Executions()

	exec := &storage.Execution{
		Source:         "http",
		Mode:           "sandboxed",
		CodeHash:       "deadbeef",
		CodeBytes:      42,
		Verdict:        "refused",
		ViolationKinds: []string{"dangerous_call", "blocked_import"},
		Failure:        "security_violation",
		DurationMS:     3,
	}
	if err := repo.Append(ctx, exec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if exec.ID == uuid.Nil {
		t.Fatal("Append did not assign an ID")
	}

	got, err := repo.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Verdict != "refused" || got.Source != "http" || got.CodeBytes != 42 {
		t.Errorf("Get returned %+v", got)
	}
	if len(got.ViolationKinds) != 2 || got.ViolationKinds[1] != "blocked_import" {
		t.Errorf("ViolationKinds = %v", got.ViolationKinds)
	}
}

func TestEmptyViolationKinds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Executions()

	exec := &storage.Execution{
		Source:  "cli",
		Mode:    "sandboxed",
		Verdict: "accepted",
		Success: true,
	}
	if err := repo.Append(ctx, exec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := repo.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ViolationKinds != nil {
		t.Errorf("ViolationKinds = %v, want nil", got.ViolationKinds)
	}
}

func TestGetMissingExecution(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Executions().Get(context.Background(), uuid.New())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Executions()

	seed := []struct {
		source  string
		verdict string
		mode    string
	}{
		{"http", "accepted", "sandboxed"},
		{"http", "refused", "sandboxed"},
		{"mcp", "accepted", "direct"},
	}
	for _, s := range seed {
		exec := &storage.Execution{Source: s.source, Verdict: s.verdict, Mode: s.mode}
		if err := repo.Append(ctx, exec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter storage.Filter
		want   int
	}{
		{"all", storage.Filter{}, 3},
		{"by verdict", storage.Filter{Verdict: "refused"}, 1},
		{"by source", storage.Filter{Source: "http"}, 2},
		{"by mode", storage.Filter{Mode: "direct"}, 1},
		{"source and verdict", storage.Filter{Source: "http", Verdict: "accepted"}, 1},
		{"no match", storage.Filter{Source: "probe"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			executions, err := repo.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(executions) != tc.want {
				t.Errorf("List returned %d executions, want %d", len(executions), tc.want)
			}
		})
	}
}

func TestListOrderAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Executions()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		exec := &storage.Execution{
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Source:    "http",
			Verdict:   "accepted",
		}
		if err := repo.Append(ctx, exec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	executions, err := repo.List(ctx, storage.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(executions) != 2 {
		t.Fatalf("List returned %d executions, want 2", len(executions))
	}
	if executions[0].CreatedAt.Before(executions[1].CreatedAt) {
		t.Error("List is not ordered newest first")
	}

	page2, err := repo.List(ctx, storage.Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page 2 returned %d executions, want 2", len(page2))
	}
	if page2[0].ID == executions[0].ID {
		t.Error("offset did not advance the page")
	}
}

func TestCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Executions()

	for i := 0; i < 4; i++ {
		if err := repo.Append(ctx, &storage.Execution{Source: "cli", Verdict: "accepted"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 4 {
		t.Errorf("Count = %d, want 4", count)
	}
}

func TestDeleteBefore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	repo := store.Executions()

	now := time.Now().UTC()
	old := &storage.Execution{CreatedAt: now.Add(-48 * time.Hour), Source: "http", Verdict: "accepted"}
	recent := &storage.Execution{CreatedAt: now.Add(-time.Hour), Source: "http", Verdict: "accepted"}
	for _, exec := range []*storage.Execution{old, recent} {
		if err := repo.Append(ctx, exec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	deleted, err := repo.DeleteBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteBefore removed %d rows, want 1", deleted)
	}

	if _, err := repo.Get(ctx, old.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old execution still present, err = %v", err)
	}
	if _, err := repo.Get(ctx, recent.ID); err != nil {
		t.Errorf("recent execution missing, err = %v", err)
	}
}
