package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// newMockDB opens gorm over sqlmock using the MySQL dialect
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	return db, mock
}

var scheduleColumns = []string{
	"id", "name", "database_name", "cron_expression", "is_enabled", "next_run_at", "last_run_at",
	"success_count", "failure_count", "version", "created_at", "updated_at",
}

func TestScheduleRepositoryGetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScheduleRepository(db)

	next := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
	created := next.Add(-12 * time.Hour)
	mock.ExpectQuery("SELECT \\* FROM `backup_schedules` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows(scheduleColumns).
			AddRow("s1", "Nightly", "ordersdb", "0 0 2 * * *", true, next, nil, 3, 1, 4, created, created))

	schedule, err := repo.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Nightly", schedule.Name)
	assert.True(t, schedule.IsEnabled)
	require.NotNil(t, schedule.NextRunAt)
	assert.True(t, next.Equal(*schedule.NextRunAt))
	assert.Nil(t, schedule.LastRunAt)
	assert.Equal(t, int64(3), schedule.SuccessCount)
	assert.Equal(t, int64(4), schedule.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRepositoryGetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScheduleRepository(db)

	mock.ExpectQuery("SELECT \\* FROM `backup_schedules` WHERE id = \\?").
		WillReturnRows(sqlmock.NewRows(scheduleColumns))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRepositoryUpdate(t *testing.T) {
	tests := []struct {
		name        string
		affected    int64
		existing    int64
		wantErr     error
		wantVersion int64
	}{
		{name: "Version matches", affected: 1, wantVersion: 3},
		{name: "Stale version", affected: 0, existing: 1, wantErr: types.ErrConflict, wantVersion: 2},
		{name: "Unknown schedule", affected: 0, existing: 0, wantErr: types.ErrNotFound, wantVersion: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewScheduleRepository(db)

			mock.ExpectExec("UPDATE `backup_schedules` SET").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			if tt.affected == 0 {
				mock.ExpectQuery("SELECT count\\(\\*\\) FROM `backup_schedules` WHERE id = \\?").
					WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(tt.existing))
			}

			schedule := &types.BackupSchedule{
				ID:             "s1",
				Name:           "Nightly",
				DatabaseName:   "ordersdb",
				CronExpression: "0 0 2 * * *",
				Version:        2,
				UpdatedAt:      time.Now().UTC(),
			}
			err := repo.Update(context.Background(), schedule)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantVersion, schedule.Version)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestScheduleRepositoryDeleteNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScheduleRepository(db)

	mock.ExpectExec("DELETE FROM `backup_schedules` WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryCreateAssignsID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	mock.ExpectExec("INSERT INTO `backup_history`").
		WillReturnResult(sqlmock.NewResult(42, 1))

	record := &types.BackupHistory{
		BackupID:     "ordersdb-20261015-020000-abcd1234",
		DatabaseName: "ordersdb",
		Status:       types.StatusInProgress,
		StartedAt:    time.Now().UTC(),
		Metadata:     map[string]string{"trigger": "schedule"},
	}
	require.NoError(t, repo.Create(context.Background(), record))
	assert.Equal(t, uint64(42), record.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryFind(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	started := time.Date(2026, 10, 15, 2, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	mock.ExpectQuery("SELECT \\* FROM `backup_history` WHERE database_name = \\? AND status = \\? ORDER BY started_at").
		WithArgs("ordersdb", "Success").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "backup_id", "database_name", "status", "started_at", "completed_at", "duration_ms",
			"file_size_bytes", "metadata",
		}).AddRow(7, "ordersdb-1", "ordersdb", "Success", started, completed, int64(90000), 2048, `{"host":"db1"}`))

	records, err := repo.Find(context.Background(), types.HistoryFilter{
		DatabaseName: "ordersdb",
		Status:       types.StatusSuccess,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	h := records[0]
	assert.Equal(t, uint64(7), h.ID)
	assert.Equal(t, types.StatusSuccess, h.Status)
	require.NotNil(t, h.Duration)
	assert.Equal(t, 90*time.Second, *h.Duration)
	assert.Equal(t, int64(2048), h.FileSizeBytes)
	assert.Equal(t, "db1", h.Metadata["host"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryRepositoryDeleteNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHistoryRepository(db)

	mock.ExpectExec("DELETE FROM `backup_history` WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), 99)
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepositoryCreate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db)

	mock.ExpectExec("INSERT INTO `audit_logs`").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Create(context.Background(), &types.AuditLog{
		ID:        "a1",
		Action:    "ScheduleCreated",
		UserID:    types.SystemUser,
		Status:    types.AuditSuccess,
		Timestamp: time.Now().UTC(),
		Details:   map[string]string{"name": "Nightly"},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialector(t *testing.T) {
	for _, dbType := range []string{"mysql", "postgres", "sqlite"} {
		d, err := Dialector(configFor(dbType))
		require.NoError(t, err, dbType)
		assert.Equal(t, dbType, d.Name())
	}

	_, err := Dialector(configFor("oracle"))
	assert.Error(t, err)
}

func configFor(dbType string) config.MetadataDBConfig {
	return config.MetadataDBConfig{
		Type:     dbType,
		Host:     "localhost",
		Port:     3306,
		Username: "keeper",
		Password: "secret",
		Database: "keeper",
		SSLMode:  "disable",
		Path:     "keeper.db",
	}
}
