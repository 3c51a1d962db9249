package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// BlobArchiver is the slice of the S3 archiver the pipeline drives.
type BlobArchiver interface {
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}

// Archiver periodically exports settled history from Postgres to S3 cold
// storage: closed positions and audit entries older than the retention
// window.
type Archiver struct {
	blob          BlobArchiver
	interval      time.Duration
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blob BlobArchiver, interval time.Duration, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		interval:      interval,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Run executes a single archive run. The cutoff is now minus the retention
// window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("pipeline: starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	positionsArchived, err := a.blob.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archiving positions before %v: %w", cutoff, err)
	}

	auditArchived, err := a.blob.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archiving audit log before %v: %w", cutoff, err)
	}

	a.logger.Info("pipeline: archive run complete",
		slog.Int64("positions_archived", positionsArchived),
		slog.Int64("audit_archived", auditArchived),
	)

	return nil
}

// RunLoop runs the archiver on a fixed interval until the context is
// cancelled. A failed run is logged and does not stop the loop.
func (a *Archiver) RunLoop(ctx context.Context) error {
	a.logger.Info("pipeline: archiver started", slog.Duration("interval", a.interval))

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("pipeline: archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("pipeline: archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
