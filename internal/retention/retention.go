// Package retention implements the scheduled history sweep.
// Old execution records are the only rows that ever leave storage; the
// sweeper also clears scratch directories orphaned by crashes.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Sweeper deletes execution records past the retention window on a cron
// schedule. It runs as a background goroutine in serve mode.
type Sweeper struct {
	executions storage.ExecutionStore
	ws         *workspace.Workspace
	logger     *slog.Logger
	cfg        *config.RetentionConfig
	schedule   cron.Schedule
}

// New creates a Sweeper. The schedule is parsed once here so a bad
// expression fails at startup, not at three in the morning.
func New(executions storage.ExecutionStore, ws *workspace.Workspace, logger *slog.Logger, cfg *config.RetentionConfig) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.RetentionSchedule())
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", cfg.RetentionSchedule(), err)
	}

	return &Sweeper{
		executions: executions,
		ws:         ws,
		logger:     logger,
		cfg:        cfg,
		schedule:   schedule,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "retention sweeper started",
			slog.String("schedule", s.cfg.RetentionSchedule()),
			slog.Duration("max_age", s.cfg.MaxAge()),
		)

		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("retention sweeper stopped")
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs a single pass: delete expired execution records, then
// clear leftover scratch directories.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge())

	deleted, err := s.executions.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention sweep failed",
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.InfoContext(ctx, "retention sweep completed",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}

	if s.ws != nil {
		if err := s.ws.CleanScratch(); err != nil {
			s.logger.Warn("failed to clean scratch directory",
				slog.String("error", err.Error()),
			)
		}
	}
}
