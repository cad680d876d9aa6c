// Package history implements the backup history ledger: the record of every
// backup attempt and the statistics derived from it.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/audit"
	"github.com/supporttools/GoBackupKeeper/pkg/keylock"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/metrics"
)

// StartRequest describes a backup attempt that is about to run
type StartRequest struct {
	JobID        string
	JobName      string
	DatabaseName string
	BackupType   string
	StorageType  string
	ScheduleID   *string // nil for manual backups
}

// SuccessDetails describes the artifact produced by a successful backup
type SuccessDetails struct {
	FilePath      string
	FileName      string
	FileSizeBytes int64
	IsCompressed  bool
	IsEncrypted   bool
	Checksum      string
	Metadata      map[string]string
}

// Statistics summarizes the ledger
type Statistics struct {
	TotalBackups      int     `json:"totalBackups"`
	SuccessfulBackups int     `json:"successfulBackups"`
	FailedBackups     int     `json:"failedBackups"`
	InProgressBackups int     `json:"inProgressBackups"`
	SuccessRate       float64 `json:"successRate"`
	TotalStorageBytes int64   `json:"totalStorageBytes"`
	TotalStorageMB    float64 `json:"totalStorageMB"`
	TotalStorageGB    float64 `json:"totalStorageGB"`
	TotalStorageHuman string  `json:"totalStorageHuman"`
}

// Ledger records backup attempts in a HistoryStore
type Ledger struct {
	store types.HistoryStore
	audit *audit.Recorder
	log   *zap.SugaredLogger
	now   func() time.Time
	locks *keylock.KeyLock
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger over store
func NewLedger(store types.HistoryStore, recorder *audit.Recorder, log *zap.SugaredLogger, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		audit: recorder,
		log:   logger.OrNop(log),
		now:   time.Now,
		locks: keylock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewBackupID builds the human readable identifier of a backup
func NewBackupID(databaseName string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", databaseName, at.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// RecordStart creates an InProgress record stamped with the current time
func (l *Ledger) RecordStart(ctx context.Context, req StartRequest) (*types.BackupHistory, error) {
	if req.DatabaseName == "" {
		return nil, errors.New("database name is required")
	}

	now := l.now()
	record := &types.BackupHistory{
		BackupID:     NewBackupID(req.DatabaseName, now),
		JobID:        req.JobID,
		JobName:      req.JobName,
		DatabaseName: req.DatabaseName,
		BackupType:   req.BackupType,
		StorageType:  req.StorageType,
		Status:       types.StatusInProgress,
		ScheduleID:   req.ScheduleID,
		StartedAt:    now,
	}
	if err := l.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record backup start: %w", err)
	}

	l.audit.Record(ctx, audit.Entry{
		Action:     audit.BackupStarted,
		EntityType: audit.EntityHistory,
		EntityID:   record.BackupID,
		Details: map[string]string{
			"databaseName": record.DatabaseName,
			"jobName":      record.JobName,
		},
	})

	l.log.Infof("Started backup %s for database %s", record.BackupID, record.DatabaseName)
	return record, nil
}

// complete loads an InProgress record, applies mutate and stores it.
// Terminal records are never rewritten.
func (l *Ledger) complete(ctx context.Context, historyID uint64, mutate func(*types.BackupHistory)) (*types.BackupHistory, error) {
	unlock := l.locks.Lock(strconv.FormatUint(historyID, 10))
	defer unlock()

	record, err := l.store.GetByID(ctx, historyID)
	if err != nil {
		return nil, err
	}
	if record.Status != types.StatusInProgress {
		return nil, fmt.Errorf("%w: no in-progress backup with id %d (status %s)", types.ErrNotFound, historyID, record.Status)
	}

	completed := l.now()
	duration := completed.Sub(record.StartedAt)
	if duration < 0 {
		duration = 0
	}
	record.CompletedAt = &completed
	record.Duration = &duration
	mutate(record)

	if err := l.store.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record backup completion: %w", err)
	}
	return record, nil
}

// RecordSuccess transitions an InProgress record to Success
func (l *Ledger) RecordSuccess(ctx context.Context, historyID uint64, details SuccessDetails) (*types.BackupHistory, error) {
	record, err := l.complete(ctx, historyID, func(h *types.BackupHistory) {
		h.Status = types.StatusSuccess
		h.FilePath = details.FilePath
		h.FileName = details.FileName
		h.FileSizeBytes = details.FileSizeBytes
		h.IsCompressed = details.IsCompressed
		h.IsEncrypted = details.IsEncrypted
		h.Checksum = details.Checksum
		if len(details.Metadata) > 0 {
			h.Metadata = make(map[string]string, len(details.Metadata))
			for k, v := range details.Metadata {
				h.Metadata[k] = v
			}
		}
	})
	if err != nil {
		return nil, err
	}

	metrics.BackupCount.WithLabelValues(record.DatabaseName, string(types.StatusSuccess)).Inc()
	metrics.BackupDuration.WithLabelValues(record.DatabaseName).Observe(record.Duration.Seconds())
	metrics.BackupSize.WithLabelValues(record.DatabaseName, record.StorageType).Set(float64(record.FileSizeBytes))
	metrics.LastBackupTimestamp.WithLabelValues(record.DatabaseName).Set(float64(record.CompletedAt.Unix()))

	l.audit.Record(ctx, audit.Entry{
		Action:     audit.BackupCompleted,
		EntityType: audit.EntityHistory,
		EntityID:   record.BackupID,
		Details: map[string]string{
			"databaseName": record.DatabaseName,
			"filePath":     record.FilePath,
			"size":         humanize.IBytes(uint64(record.FileSizeBytes)),
			"duration":     record.Duration.String(),
		},
	})

	l.log.Infof("Backup %s completed: %s in %s", record.BackupID,
		humanize.IBytes(uint64(record.FileSizeBytes)), record.Duration.Round(time.Millisecond))
	return record, nil
}

// RecordFailure transitions an InProgress record to Failed
func (l *Ledger) RecordFailure(ctx context.Context, historyID uint64, errorMessage string) (*types.BackupHistory, error) {
	record, err := l.complete(ctx, historyID, func(h *types.BackupHistory) {
		h.Status = types.StatusFailed
		h.ErrorMessage = errorMessage
	})
	if err != nil {
		return nil, err
	}

	metrics.BackupCount.WithLabelValues(record.DatabaseName, string(types.StatusFailed)).Inc()
	metrics.BackupDuration.WithLabelValues(record.DatabaseName).Observe(record.Duration.Seconds())

	l.audit.Record(ctx, audit.Entry{
		Action:     audit.BackupFailed,
		EntityType: audit.EntityHistory,
		EntityID:   record.BackupID,
		Failed:     true,
		Details: map[string]string{
			"databaseName": record.DatabaseName,
			"error":        errorMessage,
		},
	})

	l.log.Warnf("Backup %s failed: %s", record.BackupID, errorMessage)
	return record, nil
}

// Query returns the records matching every set field of filter
func (l *Ledger) Query(ctx context.Context, filter types.HistoryFilter) ([]types.BackupHistory, error) {
	return l.store.Find(ctx, filter)
}

// TotalStorageUsed sums FileSizeBytes over every retained record
func (l *Ledger) TotalStorageUsed(ctx context.Context) (int64, error) {
	all, err := l.store.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	return sumSizes(all), nil
}

// Statistics counts records started at or after since (all records when nil).
// Storage totals always cover the whole ledger.
func (l *Ledger) Statistics(ctx context.Context, since *time.Time) (Statistics, error) {
	all, err := l.store.GetAll(ctx)
	if err != nil {
		return Statistics{}, err
	}
	return Summarize(all, since), nil
}

// Summarize computes Statistics over records
func Summarize(records []types.BackupHistory, since *time.Time) Statistics {
	var stats Statistics
	for _, h := range records {
		if since != nil && h.StartedAt.Before(*since) {
			continue
		}
		stats.TotalBackups++
		switch h.Status {
		case types.StatusSuccess:
			stats.SuccessfulBackups++
		case types.StatusFailed:
			stats.FailedBackups++
		case types.StatusInProgress:
			stats.InProgressBackups++
		}
	}

	if stats.TotalBackups > 0 {
		stats.SuccessRate = float64(stats.SuccessfulBackups) / float64(stats.TotalBackups) * 100
	}

	stats.TotalStorageBytes = sumSizes(records)
	stats.TotalStorageMB = float64(stats.TotalStorageBytes) / (1024 * 1024)
	stats.TotalStorageGB = stats.TotalStorageMB / 1024
	stats.TotalStorageHuman = humanize.IBytes(uint64(stats.TotalStorageBytes))
	return stats
}

func sumSizes(records []types.BackupHistory) int64 {
	var total int64
	for _, h := range records {
		total += h.FileSizeBytes
	}
	return total
}
