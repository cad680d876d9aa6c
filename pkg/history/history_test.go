package history

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupKeeper/pkg/audit"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *metadata.Store, *fakeClock) {
	t.Helper()
	store := metadata.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 10, 15, 2, 0, 0, 0, time.UTC)}
	recorder := audit.NewRecorder(store.Audit(), nil)
	return NewLedger(store.History(), recorder, nil, WithClock(clock.Now)), store, clock
}

func actions(store *metadata.Store) []string {
	var result []string
	for _, e := range store.Audit().Entries() {
		result = append(result, e.Action)
	}
	return result
}

func TestRecordStart(t *testing.T) {
	ledger, store, clock := newTestLedger(t)
	scheduleID := "s1"

	record, err := ledger.RecordStart(context.Background(), StartRequest{
		JobID:        "job-1",
		JobName:      "Nightly",
		DatabaseName: "ordersdb",
		BackupType:   "full",
		StorageType:  types.StorageLocal,
		ScheduleID:   &scheduleID,
	})
	require.NoError(t, err)

	assert.NotZero(t, record.ID)
	assert.Equal(t, types.StatusInProgress, record.Status)
	assert.Nil(t, record.CompletedAt)
	assert.Equal(t, clock.Now(), record.StartedAt)
	assert.Regexp(t, regexp.MustCompile(`^ordersdb-20261015-020000-[0-9a-f]{8}$`), record.BackupID)
	assert.Equal(t, []string{audit.BackupStarted}, actions(store))
}

func TestRecordStartRequiresDatabase(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.RecordStart(context.Background(), StartRequest{JobName: "Nightly"})
	assert.Error(t, err)
}

func TestRecordSuccess(t *testing.T) {
	ctx := context.Background()
	ledger, store, clock := newTestLedger(t)

	started, err := ledger.RecordStart(ctx, StartRequest{DatabaseName: "ordersdb", StorageType: types.StorageLocal})
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	record, err := ledger.RecordSuccess(ctx, started.ID, SuccessDetails{
		FilePath:      "/backups/ordersdb/a.sql.gz",
		FileName:      "a.sql.gz",
		FileSizeBytes: 4096,
		IsCompressed:  true,
		Checksum:      "abc",
		Metadata:      map[string]string{"host": "db1"},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusSuccess, record.Status)
	require.NotNil(t, record.CompletedAt)
	require.NotNil(t, record.Duration)
	assert.Equal(t, 90*time.Second, *record.Duration)
	assert.Equal(t, int64(4096), record.FileSizeBytes)

	stored, err := store.History().GetByID(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, stored.Status)
	assert.Equal(t, "db1", stored.Metadata["host"])
	assert.Equal(t, []string{audit.BackupStarted, audit.BackupCompleted}, actions(store))
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	ledger, store, clock := newTestLedger(t)

	started, err := ledger.RecordStart(ctx, StartRequest{DatabaseName: "ordersdb"})
	require.NoError(t, err)

	clock.Advance(time.Second)
	record, err := ledger.RecordFailure(ctx, started.ID, "connection refused")
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, record.Status)
	assert.Equal(t, "connection refused", record.ErrorMessage)
	require.NotNil(t, record.CompletedAt)
	assert.Equal(t, time.Second, *record.Duration)

	entries := store.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.BackupFailed, entries[1].Action)
	assert.Equal(t, types.AuditFailed, entries[1].Status)
	assert.Equal(t, "connection refused", entries[1].Details["error"])
}

func TestTerminalRecordsAreWriteOnce(t *testing.T) {
	ctx := context.Background()
	ledger, _, _ := newTestLedger(t)

	started, err := ledger.RecordStart(ctx, StartRequest{DatabaseName: "ordersdb"})
	require.NoError(t, err)
	_, err = ledger.RecordSuccess(ctx, started.ID, SuccessDetails{FileSizeBytes: 1})
	require.NoError(t, err)

	_, err = ledger.RecordFailure(ctx, started.ID, "late failure")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	_, err = ledger.RecordSuccess(ctx, started.ID, SuccessDetails{FileSizeBytes: 2})
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestRecordUnknownID(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.RecordSuccess(context.Background(), 404, SuccessDetails{})
	assert.True(t, errors.Is(err, types.ErrNotFound))

	_, err = ledger.RecordFailure(context.Background(), 404, "boom")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestQueryFiltersCompose(t *testing.T) {
	ctx := context.Background()
	ledger, _, clock := newTestLedger(t)

	for _, db := range []string{"ordersdb", "usersdb", "ordersdb"} {
		started, err := ledger.RecordStart(ctx, StartRequest{DatabaseName: db})
		require.NoError(t, err)
		if db == "usersdb" {
			_, err = ledger.RecordFailure(ctx, started.ID, "boom")
		} else {
			_, err = ledger.RecordSuccess(ctx, started.ID, SuccessDetails{FileSizeBytes: 10})
		}
		require.NoError(t, err)
		clock.Advance(24 * time.Hour)
	}

	all, err := ledger.Query(ctx, types.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	orders, err := ledger.Query(ctx, types.HistoryFilter{DatabaseName: "ordersdb"})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	failed, err := ledger.Query(ctx, types.HistoryFilter{Status: types.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "usersdb", failed[0].DatabaseName)

	from := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	recentOrders, err := ledger.Query(ctx, types.HistoryFilter{DatabaseName: "ordersdb", StartDate: &from})
	require.NoError(t, err)
	assert.Len(t, recentOrders, 1)
}

func TestStatisticsEmptyLedger(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	stats, err := ledger.Statistics(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalBackups)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, "0 B", stats.TotalStorageHuman)
}

func TestSummarizeSuccessRate(t *testing.T) {
	var records []types.BackupHistory
	for i := 0; i < 95; i++ {
		records = append(records, types.BackupHistory{Status: types.StatusSuccess, FileSizeBytes: 1024 * 1024})
	}
	for i := 0; i < 5; i++ {
		records = append(records, types.BackupHistory{Status: types.StatusFailed})
	}

	stats := Summarize(records, nil)
	assert.Equal(t, 100, stats.TotalBackups)
	assert.Equal(t, 95, stats.SuccessfulBackups)
	assert.Equal(t, 5, stats.FailedBackups)
	assert.InDelta(t, 95.0, stats.SuccessRate, 1e-9)
	assert.Equal(t, int64(95*1024*1024), stats.TotalStorageBytes)
	assert.InDelta(t, 95.0, stats.TotalStorageMB, 1e-9)
	assert.Equal(t, "95 MiB", stats.TotalStorageHuman)
}

func TestSummarizeSinceFiltersCountsOnly(t *testing.T) {
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	records := []types.BackupHistory{
		{Status: types.StatusSuccess, StartedAt: base, FileSizeBytes: 100},
		{Status: types.StatusFailed, StartedAt: base.Add(48 * time.Hour)},
		{Status: types.StatusInProgress, StartedAt: base.Add(72 * time.Hour)},
	}

	since := base.Add(24 * time.Hour)
	stats := Summarize(records, &since)
	assert.Equal(t, 2, stats.TotalBackups)
	assert.Equal(t, 1, stats.FailedBackups)
	assert.Equal(t, 1, stats.InProgressBackups)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, int64(100), stats.TotalStorageBytes)
}

func TestTotalStorageUsedCountsEveryStatus(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	ledger := NewLedger(store.History(), nil, nil)

	for _, r := range []types.BackupHistory{
		{DatabaseName: "a", Status: types.StatusSuccess, FileSizeBytes: 100},
		{DatabaseName: "a", Status: types.StatusFailed, FileSizeBytes: 20},
		{DatabaseName: "b", Status: types.StatusInProgress, FileSizeBytes: 3},
	} {
		r := r
		require.NoError(t, store.History().Create(ctx, &r))
	}

	total, err := ledger.TotalStorageUsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(123), total)
}
