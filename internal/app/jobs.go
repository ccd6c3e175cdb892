/**
 * @description
 * Scheduled maintenance jobs for the drop-service.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

const jobTimeout = 30 * time.Second

// MetadataSnapshotter writes a restorable copy of the metadata collection.
type MetadataSnapshotter interface {
	Snapshot(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	snapshotter MetadataSnapshotter
	service     *Service
	logger      *slog.Logger
}

// NewJobs creates a new Jobs runner. snapshotter may be nil when the metadata backend
// keeps its own backups.
func NewJobs(snapshotter MetadataSnapshotter, service *Service, logger *slog.Logger) *Jobs {
	return &Jobs{snapshotter: snapshotter, service: service, logger: logger}
}

// BackupMetadata refreshes the metadata backup the JSON store restores from on corruption.
func (j *Jobs) BackupMetadata() {
	if j.snapshotter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	count, err := j.snapshotter.Snapshot(ctx)
	if err != nil {
		j.logger.Error("metadata backup failed", "error", err)
		return
	}
	j.logger.Info("metadata backup written", "drops", count)
}

// ReportStats logs marketplace counters.
func (j *Jobs) ReportStats() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	stats, err := j.service.Stats(ctx)
	if err != nil {
		j.logger.Error("stats report failed", "error", err)
		return
	}
	j.logger.Info("marketplace stats",
		"files", stats.TotalFiles,
		"downloads", humanize.Comma(stats.TotalDownloads),
		"sellers", stats.TotalSellers,
	)
}
