// Package metadata provides database models and repositories for backup metadata
package metadata

import (
	"time"

	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// BackupSchedule represents a cron-driven backup schedule
type BackupSchedule struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)"`
	Name           string     `gorm:"type:varchar(255);not null"`
	DatabaseName   string     `gorm:"column:database_name;type:varchar(255);not null;index"`
	CronExpression string     `gorm:"type:varchar(100);not null"`
	IsEnabled      bool       `gorm:"not null;index"`
	NextRunAt      *time.Time `gorm:"index"`
	LastRunAt      *time.Time
	SuccessCount   int64     `gorm:"not null"`
	FailureCount   int64     `gorm:"not null"`
	Version        int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName specifies the table name for the BackupSchedule model
func (BackupSchedule) TableName() string {
	return "backup_schedules"
}

// BackupHistory represents a single backup attempt
type BackupHistory struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	BackupID      string    `gorm:"type:varchar(255);not null;uniqueIndex"`
	JobID         string    `gorm:"type:varchar(255);index"`
	JobName       string    `gorm:"type:varchar(255)"`
	DatabaseName  string    `gorm:"column:database_name;type:varchar(255);not null;index"`
	BackupType    string    `gorm:"type:varchar(50)"`
	StorageType   string    `gorm:"type:varchar(20)"`
	Status        string    `gorm:"type:varchar(20);not null;index"`
	ScheduleID    *string   `gorm:"type:varchar(36);index"`
	StartedAt     time.Time `gorm:"not null;index"`
	CompletedAt   *time.Time
	DurationMs    *int64
	FilePath      string            `gorm:"type:varchar(1024)"`
	FileName      string            `gorm:"type:varchar(255)"`
	FileSizeBytes int64             `gorm:"not null"`
	IsCompressed  bool              `gorm:"not null"`
	IsEncrypted   bool              `gorm:"not null"`
	Checksum      string            `gorm:"type:varchar(128)"`
	ErrorMessage  string            `gorm:"type:text"`
	Metadata      map[string]string `gorm:"serializer:json;type:text"`
}

// TableName specifies the table name for the BackupHistory model
func (BackupHistory) TableName() string {
	return "backup_history"
}

// RetentionPolicy represents retention windows and caps for one database
type RetentionPolicy struct {
	ID                     string `gorm:"primaryKey;type:varchar(36)"`
	Name                   string `gorm:"type:varchar(255);not null"`
	DatabaseName           string `gorm:"column:database_name;type:varchar(255);not null;index"`
	DailyRetentionDays     int    `gorm:"not null"`
	WeeklyRetentionWeeks   int    `gorm:"not null"`
	MonthlyRetentionMonths int    `gorm:"not null"`
	YearlyRetentionYears   int    `gorm:"not null"`
	MaxStorageSizeBytes    *int64
	MaxBackupCount         *int
	IsActive               bool      `gorm:"not null;index"`
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

// TableName specifies the table name for the RetentionPolicy model
func (RetentionPolicy) TableName() string {
	return "retention_policies"
}

// AuditLog represents an append-only audit entry
type AuditLog struct {
	ID         string            `gorm:"primaryKey;type:varchar(36)"`
	Action     string            `gorm:"type:varchar(100);not null;index"`
	EntityType string            `gorm:"type:varchar(50)"`
	EntityID   string            `gorm:"type:varchar(255);index"`
	UserID     string            `gorm:"type:varchar(255);not null"`
	Status     string            `gorm:"type:varchar(20);not null"`
	Timestamp  time.Time         `gorm:"not null;index"`
	Details    map[string]string `gorm:"serializer:json;type:text"`
}

// TableName specifies the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

func scheduleFromDomain(s *types.BackupSchedule) BackupSchedule {
	c := s.Clone()
	return BackupSchedule{
		ID:             c.ID,
		Name:           c.Name,
		DatabaseName:   c.DatabaseName,
		CronExpression: c.CronExpression,
		IsEnabled:      c.IsEnabled,
		NextRunAt:      c.NextRunAt,
		LastRunAt:      c.LastRunAt,
		SuccessCount:   c.SuccessCount,
		FailureCount:   c.FailureCount,
		Version:        c.Version,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (m BackupSchedule) toDomain() types.BackupSchedule {
	return types.BackupSchedule{
		ID:             m.ID,
		Name:           m.Name,
		DatabaseName:   m.DatabaseName,
		CronExpression: m.CronExpression,
		IsEnabled:      m.IsEnabled,
		NextRunAt:      m.NextRunAt,
		LastRunAt:      m.LastRunAt,
		SuccessCount:   m.SuccessCount,
		FailureCount:   m.FailureCount,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func historyFromDomain(h *types.BackupHistory) BackupHistory {
	c := h.Clone()
	m := BackupHistory{
		ID:            c.ID,
		BackupID:      c.BackupID,
		JobID:         c.JobID,
		JobName:       c.JobName,
		DatabaseName:  c.DatabaseName,
		BackupType:    c.BackupType,
		StorageType:   c.StorageType,
		Status:        string(c.Status),
		ScheduleID:    c.ScheduleID,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
		FilePath:      c.FilePath,
		FileName:      c.FileName,
		FileSizeBytes: c.FileSizeBytes,
		IsCompressed:  c.IsCompressed,
		IsEncrypted:   c.IsEncrypted,
		Checksum:      c.Checksum,
		ErrorMessage:  c.ErrorMessage,
		Metadata:      c.Metadata,
	}
	if c.Duration != nil {
		ms := c.Duration.Milliseconds()
		m.DurationMs = &ms
	}
	return m
}

func (m BackupHistory) toDomain() types.BackupHistory {
	h := types.BackupHistory{
		ID:            m.ID,
		BackupID:      m.BackupID,
		JobID:         m.JobID,
		JobName:       m.JobName,
		DatabaseName:  m.DatabaseName,
		BackupType:    m.BackupType,
		StorageType:   m.StorageType,
		Status:        types.BackupStatus(m.Status),
		ScheduleID:    m.ScheduleID,
		StartedAt:     m.StartedAt,
		CompletedAt:   m.CompletedAt,
		FilePath:      m.FilePath,
		FileName:      m.FileName,
		FileSizeBytes: m.FileSizeBytes,
		IsCompressed:  m.IsCompressed,
		IsEncrypted:   m.IsEncrypted,
		Checksum:      m.Checksum,
		ErrorMessage:  m.ErrorMessage,
		Metadata:      m.Metadata,
	}
	if m.DurationMs != nil {
		d := time.Duration(*m.DurationMs) * time.Millisecond
		h.Duration = &d
	}
	return h
}

func policyFromDomain(p *types.RetentionPolicy) RetentionPolicy {
	c := p.Clone()
	return RetentionPolicy{
		ID:                     c.ID,
		Name:                   c.Name,
		DatabaseName:           c.DatabaseName,
		DailyRetentionDays:     c.DailyRetentionDays,
		WeeklyRetentionWeeks:   c.WeeklyRetentionWeeks,
		MonthlyRetentionMonths: c.MonthlyRetentionMonths,
		YearlyRetentionYears:   c.YearlyRetentionYears,
		MaxStorageSizeBytes:    c.MaxStorageSizeBytes,
		MaxBackupCount:         c.MaxBackupCount,
		IsActive:               c.IsActive,
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
	}
}

func (m RetentionPolicy) toDomain() types.RetentionPolicy {
	return types.RetentionPolicy{
		ID:                     m.ID,
		Name:                   m.Name,
		DatabaseName:           m.DatabaseName,
		DailyRetentionDays:     m.DailyRetentionDays,
		WeeklyRetentionWeeks:   m.WeeklyRetentionWeeks,
		MonthlyRetentionMonths: m.MonthlyRetentionMonths,
		YearlyRetentionYears:   m.YearlyRetentionYears,
		MaxStorageSizeBytes:    m.MaxStorageSizeBytes,
		MaxBackupCount:         m.MaxBackupCount,
		IsActive:               m.IsActive,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}
