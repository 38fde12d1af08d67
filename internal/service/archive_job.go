package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/metrics"
)

// ArchiveJob periodically moves settlements older than the retention window
// to cold storage.
type ArchiveJob struct {
	archiver  domain.Archiver
	retention time.Duration
	interval  time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiveJob creates an ArchiveJob. m may be nil.
func NewArchiveJob(archiver domain.Archiver, retention, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *ArchiveJob {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ArchiveJob{
		archiver:  archiver,
		retention: retention,
		interval:  interval,
		metrics:   m,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archive_job")),
	}
}

// RunOnce archives everything older than the retention window.
func (j *ArchiveJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	n, err := j.archiver.ArchiveSettlements(ctx, cutoff)
	j.metrics.AddArchived(n)
	if err != nil {
		return n, err
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "archive_job: settlements archived",
			slog.Int64("count", n),
			slog.Time("before", cutoff),
		)
	}
	return n, nil
}

// Run archives every interval until ctx is cancelled.
func (j *ArchiveJob) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.ErrorContext(ctx, "archive_job: run failed", slog.String("error", err.Error()))
			}
		}
	}
}
