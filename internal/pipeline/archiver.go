// Package pipeline runs the engine's background maintenance jobs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbeval/internal/cache/redis"
	"github.com/alanyoungcy/arbeval/internal/domain"
)

// ArchiveLockKey serialises archive runs across replicas.
const ArchiveLockKey = "archive:opportunities"

const archiveLockTTL = 15 * time.Minute

// Pruner removes archived rows from the journal.
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver moves journaled opportunities older than the retention window
// to cold storage and then prunes them from the journal.
type Archiver struct {
	blob          domain.Archiver
	pruner        Pruner
	locks         domain.LockManager
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver. locks may be nil for a single replica.
func NewArchiver(blob domain.Archiver, pruner Pruner, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		pruner:        pruner,
		locks:         locks,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Cutoff is the start of the UTC day retentionDays ago. Whole days are
// archived so a day's file is written exactly once.
func (a *Archiver) Cutoff() time.Time {
	return a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour).Truncate(24 * time.Hour)
}

// Run executes one archive pass. When another replica holds the archive
// lock the pass is skipped.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks == nil {
		return a.run(ctx)
	}
	ran, err := redis.WithLock(ctx, a.locks, ArchiveLockKey, archiveLockTTL, a.run)
	if err != nil {
		return err
	}
	if !ran {
		a.logger.InfoContext(ctx, "archive run skipped, lock held elsewhere")
	}
	return nil
}

func (a *Archiver) run(ctx context.Context) error {
	cutoff := a.Cutoff()
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	archived, err := a.blob.ArchiveOpportunities(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive opportunities before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	if archived == 0 {
		a.logger.InfoContext(ctx, "archive run complete, nothing to archive")
		return nil
	}

	pruned, err := a.pruner.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: prune opportunities before %s: %w", cutoff.Format(time.DateOnly), err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("archived", archived),
		slog.Int64("pruned", pruned),
	)
	return nil
}

// RunEvery runs an archive pass immediately and then every interval until
// ctx is cancelled. Failed passes are logged and retried on the next tick.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
