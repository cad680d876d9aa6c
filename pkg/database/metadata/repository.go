package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// HistoryRepository handles database operations for backup history
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

var _ types.HistoryStore = (*HistoryRepository)(nil)

// GetByID retrieves a history record by its internal key
func (r *HistoryRepository) GetByID(ctx context.Context, id uint64) (*types.BackupHistory, error) {
	var m BackupHistory

	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: backup history %d", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get backup history: %w", err)
	}

	h := m.toDomain()
	return &h, nil
}

func (r *HistoryRepository) find(query *gorm.DB) ([]types.BackupHistory, error) {
	var models []BackupHistory
	if err := query.Order("started_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query backup history: %w", err)
	}

	records := make([]types.BackupHistory, 0, len(models))
	for _, m := range models {
		records = append(records, m.toDomain())
	}
	return records, nil
}

// GetAll retrieves every history record
func (r *HistoryRepository) GetAll(ctx context.Context) ([]types.BackupHistory, error) {
	return r.find(r.db.WithContext(ctx))
}

// GetByDatabaseName retrieves the history of one database
func (r *HistoryRepository) GetByDatabaseName(ctx context.Context, databaseName string) ([]types.BackupHistory, error) {
	return r.find(r.db.WithContext(ctx).Where("database_name = ?", databaseName))
}

// GetByDateRange retrieves records started within [start, end]
func (r *HistoryRepository) GetByDateRange(ctx context.Context, start, end time.Time) ([]types.BackupHistory, error) {
	return r.find(r.db.WithContext(ctx).Where("started_at >= ? AND started_at <= ?", start, end))
}

// GetByStatus retrieves records in the given status
func (r *HistoryRepository) GetByStatus(ctx context.Context, status types.BackupStatus) ([]types.BackupHistory, error) {
	return r.find(r.db.WithContext(ctx).Where("status = ?", string(status)))
}

// Find retrieves records matching every set field of filter
func (r *HistoryRepository) Find(ctx context.Context, filter types.HistoryFilter) ([]types.BackupHistory, error) {
	query := r.db.WithContext(ctx)
	if filter.DatabaseName != "" {
		query = query.Where("database_name = ?", filter.DatabaseName)
	}
	if filter.StartDate != nil {
		query = query.Where("started_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("started_at <= ?", *filter.EndDate)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	return r.find(query)
}

// Create inserts a record and assigns its ID
func (r *HistoryRepository) Create(ctx context.Context, record *types.BackupHistory) error {
	m := historyFromDomain(record)
	m.ID = 0
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to create backup history: %w", err)
	}
	record.ID = m.ID
	return nil
}

// Update replaces every column of a stored record
func (r *HistoryRepository) Update(ctx context.Context, record *types.BackupHistory) error {
	m := historyFromDomain(record)

	result := r.db.WithContext(ctx).Model(&BackupHistory{}).
		Where("id = ?", record.ID).
		Select("*").Omit("id").
		Updates(&m)
	if result.Error != nil {
		return fmt.Errorf("failed to update backup history: %w", result.Error)
	}

	// MySQL reports zero affected rows when nothing changed
	if result.RowsAffected == 0 {
		found, err := exists(ctx, r.db, &BackupHistory{}, record.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: backup history %d", types.ErrNotFound, record.ID)
		}
	}
	return nil
}

// Delete removes a record
func (r *HistoryRepository) Delete(ctx context.Context, id uint64) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&BackupHistory{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete backup history: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: backup history %d", types.ErrNotFound, id)
	}
	return nil
}

// ExistsByBackupID reports whether a record with the given backup ID is stored
func (r *HistoryRepository) ExistsByBackupID(ctx context.Context, backupID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&BackupHistory{}).Where("backup_id = ?", backupID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up backup %s: %w", backupID, err)
	}
	return count > 0, nil
}
