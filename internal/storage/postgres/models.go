package postgres

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ngome/internal/storage"
)

// ExecutionModel is the GORM model for the execution history.
// Rows are append-only: there is no UpdatedAt and no soft delete.
type ExecutionModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt      time.Time `gorm:"index"`
	Source         string    `gorm:"index"`
	Mode           string
	CodeHash       string `gorm:"index"`
	CodeBytes      int
	Verdict        string `gorm:"index"`
	ViolationKinds string
	Success        bool
	Failure        string
	DurationMS     int64
	StdoutBytes    int
}

// TableName overrides the GORM table name.
func (ExecutionModel) TableName() string {
	return "executions"
}

// toExecutionModel converts a domain execution to its GORM model.
// ViolationKinds are stored comma-joined so the same model works on
// PostgreSQL and SQLite without a JSON column type.
func toExecutionModel(e *storage.Execution) *ExecutionModel {
	return &ExecutionModel{
		ID:             e.ID,
		CreatedAt:      e.CreatedAt,
		Source:         e.Source,
		Mode:           e.Mode,
		CodeHash:       e.CodeHash,
		CodeBytes:      e.CodeBytes,
		Verdict:        e.Verdict,
		ViolationKinds: strings.Join(e.ViolationKinds, ","),
		Success:        e.Success,
		Failure:        e.Failure,
		DurationMS:     e.DurationMS,
		StdoutBytes:    e.StdoutBytes,
	}
}

// toExecutionDomain converts a GORM model back to the domain type.
func toExecutionDomain(m *ExecutionModel) *storage.Execution {
	var kinds []string
	if m.ViolationKinds != "" {
		kinds = strings.Split(m.ViolationKinds, ",")
	}
	return &storage.Execution{
		ID:             m.ID,
		CreatedAt:      m.CreatedAt,
		Source:         m.Source,
		Mode:           m.Mode,
		CodeHash:       m.CodeHash,
		CodeBytes:      m.CodeBytes,
		Verdict:        m.Verdict,
		ViolationKinds: kinds,
		Success:        m.Success,
		Failure:        m.Failure,
		DurationMS:     m.DurationMS,
		StdoutBytes:    m.StdoutBytes,
	}
}
