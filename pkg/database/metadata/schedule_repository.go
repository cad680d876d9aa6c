package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// ScheduleRepository handles database operations for backup schedules
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a new ScheduleRepository instance
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

var _ types.ScheduleStore = (*ScheduleRepository)(nil)

// GetByID retrieves a backup schedule by ID
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*types.BackupSchedule, error) {
	var m BackupSchedule

	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: schedule %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}

	s := m.toDomain()
	return &s, nil
}

func (r *ScheduleRepository) find(query *gorm.DB, what string) ([]types.BackupSchedule, error) {
	var models []BackupSchedule
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}

	schedules := make([]types.BackupSchedule, 0, len(models))
	for _, m := range models {
		schedules = append(schedules, m.toDomain())
	}
	return schedules, nil
}

// GetAll retrieves all backup schedules
func (r *ScheduleRepository) GetAll(ctx context.Context) ([]types.BackupSchedule, error) {
	return r.find(r.db.WithContext(ctx).Order("created_at"), "schedules")
}

// GetEnabled retrieves all enabled backup schedules
func (r *ScheduleRepository) GetEnabled(ctx context.Context) ([]types.BackupSchedule, error) {
	return r.find(r.db.WithContext(ctx).Where("is_enabled = ?", true).Order("created_at"), "enabled schedules")
}

// GetDueForExecution retrieves enabled schedules whose next run is at or before now
func (r *ScheduleRepository) GetDueForExecution(ctx context.Context, now time.Time) ([]types.BackupSchedule, error) {
	query := r.db.WithContext(ctx).
		Where("is_enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at")
	return r.find(query, "due schedules")
}

// Create creates a new backup schedule
func (r *ScheduleRepository) Create(ctx context.Context, schedule *types.BackupSchedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = now
	}

	m := scheduleFromDomain(schedule)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// Update writes the schedule only if the stored version still equals
// schedule.Version, then bumps the version
func (r *ScheduleRepository) Update(ctx context.Context, schedule *types.BackupSchedule) error {
	m := scheduleFromDomain(schedule)
	nextVersion := schedule.Version + 1

	result := r.db.WithContext(ctx).Model(&BackupSchedule{}).
		Where("id = ? AND version = ?", schedule.ID, schedule.Version).
		Updates(map[string]interface{}{
			"name":            m.Name,
			"database_name":   m.DatabaseName,
			"cron_expression": m.CronExpression,
			"is_enabled":      m.IsEnabled,
			"next_run_at":     m.NextRunAt,
			"last_run_at":     m.LastRunAt,
			"success_count":   m.SuccessCount,
			"failure_count":   m.FailureCount,
			"version":         nextVersion,
			"updated_at":      m.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update schedule: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		found, err := exists(ctx, r.db, &BackupSchedule{}, schedule.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: schedule %s", types.ErrNotFound, schedule.ID)
		}
		return fmt.Errorf("%w: schedule %s at version %d", types.ErrConflict, schedule.ID, schedule.Version)
	}

	schedule.Version = nextVersion
	return nil
}

// Delete deletes a backup schedule
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&BackupSchedule{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: schedule %s", types.ErrNotFound, id)
	}
	return nil
}

// exists checks whether a row with the given primary key is present
func exists(ctx context.Context, db *gorm.DB, model interface{}, id interface{}) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return count > 0, nil
}
