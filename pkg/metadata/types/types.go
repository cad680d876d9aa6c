// Package types defines the backup lifecycle domain types and the repository
// interfaces the core packages depend on.
package types

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a schedule, history record or policy does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic update lost against a concurrent writer
	ErrConflict = errors.New("concurrent modification")
)

// BackupStatus represents the state of a single backup attempt
type BackupStatus string

const (
	// StatusInProgress indicates the attempt has started and not completed
	StatusInProgress BackupStatus = "InProgress"
	// StatusSuccess indicates a completed backup with a stored artifact
	StatusSuccess BackupStatus = "Success"
	// StatusFailed indicates the attempt failed
	StatusFailed BackupStatus = "Failed"
)

// IsTerminal reports whether the status can no longer change
func (s BackupStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Storage types recorded on history entries
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// BackupSchedule is a named, cron-driven recurring backup definition
type BackupSchedule struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DatabaseName   string     `json:"databaseName"`
	CronExpression string     `json:"cronExpression"`
	IsEnabled      bool       `json:"isEnabled"`
	NextRunAt      *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	SuccessCount   int64      `json:"successCount"`
	FailureCount   int64      `json:"failureCount"`
	Version        int64      `json:"version"` // optimistic concurrency token
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsDue reports whether the schedule should run at now
func (s BackupSchedule) IsDue(now time.Time) bool {
	return s.IsEnabled && s.NextRunAt != nil && !s.NextRunAt.After(now)
}

// Clone returns a copy that shares no pointers with s
func (s BackupSchedule) Clone() BackupSchedule {
	c := s
	c.NextRunAt = cloneTime(s.NextRunAt)
	c.LastRunAt = cloneTime(s.LastRunAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// BackupHistory records a single backup attempt
type BackupHistory struct {
	ID            uint64            `json:"id"`
	BackupID      string            `json:"backupId"`
	JobID         string            `json:"jobId"`
	JobName       string            `json:"jobName"`
	DatabaseName  string            `json:"databaseName"`
	BackupType    string            `json:"backupType"`
	StorageType   string            `json:"storageType"`
	Status        BackupStatus      `json:"status"`
	ScheduleID    *string           `json:"scheduleId,omitempty"` // nil for manual backups
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
	Duration      *time.Duration    `json:"duration,omitempty"`
	FilePath      string            `json:"filePath"`
	FileName      string            `json:"fileName"`
	FileSizeBytes int64             `json:"fileSizeBytes"`
	IsCompressed  bool              `json:"isCompressed"`
	IsEncrypted   bool              `json:"isEncrypted"`
	Checksum      string            `json:"checksum"`
	ErrorMessage  string            `json:"errorMessage"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared pointers
func (h BackupHistory) Clone() BackupHistory {
	c := h
	if h.ScheduleID != nil {
		id := *h.ScheduleID
		c.ScheduleID = &id
	}
	c.CompletedAt = cloneTime(h.CompletedAt)
	if h.Duration != nil {
		d := *h.Duration
		c.Duration = &d
	}
	if h.Metadata != nil {
		c.Metadata = make(map[string]string, len(h.Metadata))
		for k, v := range h.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// RetentionPolicy holds the retention windows and hard caps for one database
type RetentionPolicy struct {
	ID                     string    `json:"id" yaml:"id"`
	Name                   string    `json:"name" yaml:"name"`
	DatabaseName           string    `json:"databaseName" yaml:"databaseName"`
	DailyRetentionDays     int       `json:"dailyRetentionDays" yaml:"dailyRetentionDays"`
	WeeklyRetentionWeeks   int       `json:"weeklyRetentionWeeks" yaml:"weeklyRetentionWeeks"`
	MonthlyRetentionMonths int       `json:"monthlyRetentionMonths" yaml:"monthlyRetentionMonths"`
	YearlyRetentionYears   int       `json:"yearlyRetentionYears" yaml:"yearlyRetentionYears"`
	MaxStorageSizeBytes    *int64    `json:"maxStorageSizeBytes,omitempty" yaml:"maxStorageSizeBytes,omitempty"`
	MaxBackupCount         *int      `json:"maxBackupCount,omitempty" yaml:"maxBackupCount,omitempty"`
	IsActive               bool      `json:"isActive" yaml:"isActive"`
	CreatedAt              time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt              time.Time `json:"updatedAt" yaml:"-"`
}

// Clone returns a copy that shares no pointers with p
func (p RetentionPolicy) Clone() RetentionPolicy {
	c := p
	if p.MaxStorageSizeBytes != nil {
		v := *p.MaxStorageSizeBytes
		c.MaxStorageSizeBytes = &v
	}
	if p.MaxBackupCount != nil {
		v := *p.MaxBackupCount
		c.MaxBackupCount = &v
	}
	return c
}

// Audit statuses
const (
	AuditSuccess = "Success"
	AuditFailed  = "Failed"
)

// SystemUser is recorded when no user initiated the action
const SystemUser = "system"

// AuditLog is an append-only record of a mutating operation
type AuditLog struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	UserID     string            `json:"userId"`
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
}

// HistoryFilter narrows a history query. Zero values are ignored.
type HistoryFilter struct {
	DatabaseName string
	StartDate    *time.Time
	EndDate      *time.Time
	Status       BackupStatus
}

// Matches reports whether a record satisfies every set filter
func (f HistoryFilter) Matches(h BackupHistory) bool {
	if f.DatabaseName != "" && h.DatabaseName != f.DatabaseName {
		return false
	}
	if f.StartDate != nil && h.StartedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && h.StartedAt.After(*f.EndDate) {
		return false
	}
	if f.Status != "" && h.Status != f.Status {
		return false
	}
	return true
}
