package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// JSONLTrail writes audit records as append-only JSONL.
// Each record is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can append concurrently.
type JSONLTrail struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewJSONLTrail opens (or creates) the trail file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewJSONLTrail(path string, logger *slog.Logger) (*JSONLTrail, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit trail %s: %w", path, err)
	}
	return &JSONLTrail{
		file:   f,
		logger: logger,
	}, nil
}

// Append serializes the record as JSON and appends it to the trail.
// Marshal happens outside the lock; only the file write is serialized.
func (t *JSONLTrail) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	_, writeErr := t.file.Write(data)
	t.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit record: %w", writeErr)
	}

	t.logger.InfoContext(ctx, "audit record appended",
		slog.String("id", rec.ID),
		slog.String("source", rec.Source),
		slog.String("verdict", string(rec.Verdict)),
		slog.String("code_hash", rec.CodeHash),
	)

	return nil
}

// Close closes the underlying file.
func (t *JSONLTrail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}
