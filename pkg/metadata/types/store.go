package types

import (
	"context"
	"time"
)

// ScheduleStore persists backup schedules
type ScheduleStore interface {
	GetByID(ctx context.Context, id string) (*BackupSchedule, error)
	GetAll(ctx context.Context) ([]BackupSchedule, error)
	GetEnabled(ctx context.Context) ([]BackupSchedule, error)
	// GetDueForExecution returns enabled schedules whose next run is at or before now
	GetDueForExecution(ctx context.Context, now time.Time) ([]BackupSchedule, error)
	Create(ctx context.Context, schedule *BackupSchedule) error
	// Update stores the schedule if its Version still matches the stored one and
	// increments Version. A mismatch returns ErrConflict.
	Update(ctx context.Context, schedule *BackupSchedule) error
	Delete(ctx context.Context, id string) error
}

// HistoryStore persists backup history records
type HistoryStore interface {
	GetByID(ctx context.Context, id uint64) (*BackupHistory, error)
	GetAll(ctx context.Context) ([]BackupHistory, error)
	GetByDatabaseName(ctx context.Context, databaseName string) ([]BackupHistory, error)
	GetByDateRange(ctx context.Context, start, end time.Time) ([]BackupHistory, error)
	GetByStatus(ctx context.Context, status BackupStatus) ([]BackupHistory, error)
	Find(ctx context.Context, filter HistoryFilter) ([]BackupHistory, error)
	Create(ctx context.Context, record *BackupHistory) error
	Update(ctx context.Context, record *BackupHistory) error
	Delete(ctx context.Context, id uint64) error
}

// PolicyStore persists retention policies
type PolicyStore interface {
	GetByID(ctx context.Context, id string) (*RetentionPolicy, error)
	GetAll(ctx context.Context) ([]RetentionPolicy, error)
	Create(ctx context.Context, policy *RetentionPolicy) error
	Update(ctx context.Context, policy *RetentionPolicy) error
	Delete(ctx context.Context, id string) error
}

// AuditStore is the append-only audit sink
type AuditStore interface {
	Create(ctx context.Context, entry *AuditLog) error
}
