// Package audit records every execution attempt in an append-only
// trail. Records carry classification and provenance only: the guest
// code itself and its output never enter the trail, so the trail can be
// shipped to an aggregator without leaking tenant data.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Verdict states what the pipeline decided about one request.
type Verdict string

const (
	// VerdictAccepted means the code passed screening and ran.
	VerdictAccepted Verdict = "accepted"

	// VerdictRefused means static validation rejected the code.
	VerdictRefused Verdict = "refused"

	// VerdictDisabled means the policy had execution switched off.
	VerdictDisabled Verdict = "disabled"
)

// Record is a single entry in the append-only audit trail.
type Record struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Source         string        `json:"source"` // "http", "mcp", "cli", "probe"
	Mode           string        `json:"mode"`
	CodeHash       string        `json:"code_hash"`
	CodeBytes      int           `json:"code_bytes"`
	Verdict        Verdict       `json:"verdict"`
	ViolationKinds []string      `json:"violation_kinds,omitempty"`
	Success        bool          `json:"success"`
	Failure        string        `json:"failure,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	StdoutBytes    int           `json:"stdout_bytes"`
}

// Trail appends execution records. Implementations must be safe for
// concurrent use.
type Trail interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// HashCode returns the hex SHA-256 of guest source text. The hash lets
// operators correlate repeat submissions without retaining the code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// NopTrail discards all records. Used when auditing is disabled.
type NopTrail struct{}

func (NopTrail) Append(context.Context, Record) error { return nil }
func (NopTrail) Close() error                         { return nil }
