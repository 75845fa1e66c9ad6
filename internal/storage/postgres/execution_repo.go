package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/ngome/internal/storage"
)

// ExecutionRepository implements storage.ExecutionStore using GORM.
// Append is the only way rows enter the table; DeleteBefore is the
// only way they leave it.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Append records one execution outcome.
func (r *ExecutionRepository) Append(ctx context.Context, exec *storage.Execution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	model := toExecutionModel(exec)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("appending execution: %w", err)
	}
	return nil
}

// Get retrieves a single execution by ID.
func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*storage.Execution, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting execution: %w", err)
	}
	return toExecutionDomain(&model), nil
}

// List retrieves executions matching the filter, newest first.
func (r *ExecutionRepository) List(ctx context.Context, filter storage.Filter) ([]*storage.Execution, error) {
	query := r.db.WithContext(ctx).Model(&ExecutionModel{})

	if filter.Verdict != "" {
		query = query.Where("verdict = ?", filter.Verdict)
	}
	if filter.Source != "" {
		query = query.Where("source = ?", filter.Source)
	}
	if filter.Mode != "" {
		query = query.Where("mode = ?", filter.Mode)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}

	var models []ExecutionModel
	err := query.
		Order("created_at DESC").
		Limit(filter.EffectiveLimit()).
		Offset(filter.Offset).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	executions := make([]*storage.Execution, 0, len(models))
	for i := range models {
		executions = append(executions, toExecutionDomain(&models[i]))
	}
	return executions, nil
}

// Count returns the total number of recorded executions.
func (r *ExecutionRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&ExecutionModel{}).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return count, nil
}

// DeleteBefore removes executions older than the cutoff and reports
// how many rows went away. The retention sweeper is the only caller.
func (r *ExecutionRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&ExecutionModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting executions before %s: %w", cutoff.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}

// compile-time interface check
var _ storage.ExecutionStore = (*ExecutionRepository)(nil)
