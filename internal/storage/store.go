// Package storage defines the Store interface that abstracts execution
// history persistence. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production/multi-instance).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested execution does not exist.
var ErrNotFound = errors.New("execution not found")

// Store is the persistence interface for Ngome.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Executions returns the execution history sub-store.
	Executions() ExecutionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ExecutionStore persists execution history. Append-only apart from
// retention deletes: rows are never updated.
type ExecutionStore interface {
	Append(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id uuid.UUID) (*Execution, error)
	List(ctx context.Context, filter Filter) ([]*Execution, error)
	Count(ctx context.Context) (int64, error)

	// DeleteBefore removes executions created before cutoff and reports
	// how many rows went away. Used by the retention sweeper.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Execution is one recorded execution attempt. It carries classification
// and provenance only; guest code and guest output are never persisted.
type Execution struct {
	ID             uuid.UUID `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Source         string    `json:"source"` // "http", "mcp", "cli", "probe"
	Mode           string    `json:"mode"`
	CodeHash       string    `json:"code_hash"`
	CodeBytes      int       `json:"code_bytes"`
	Verdict        string    `json:"verdict"` // "accepted", "refused", "disabled"
	ViolationKinds []string  `json:"violation_kinds,omitempty"`
	Success        bool      `json:"success"`
	Failure        string    `json:"failure,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	StdoutBytes    int       `json:"stdout_bytes"`
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Verdict string
	Source  string
	Mode    string
	Since   time.Time
	Limit   int // Default 50, capped at 500.
	Offset  int
}

// EffectiveLimit applies the default and cap to the requested limit.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return 50
	}
	if f.Limit > 500 {
		return 500
	}
	return f.Limit
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode"`   // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
