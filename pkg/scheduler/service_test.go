package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupKeeper/pkg/audit"
	"github.com/supporttools/GoBackupKeeper/pkg/cronspec"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestService(t *testing.T) (*Service, *metadata.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	store := metadata.NewMemoryStore()
	svc := NewService(store.Schedules(), audit.NewRecorder(store.Audit(), nil), nil, WithClock(clock.Now))
	return svc, store, clock
}

func nightly() CreateRequest {
	return CreateRequest{Name: "Nightly", DatabaseName: "ordersdb", CronExpression: "0 0 2 * * *", IsEnabled: true}
}

func auditActions(store *metadata.Store) []string {
	var actions []string
	for _, e := range store.Audit().Entries() {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)

	created, err := svc.Create(ctx, nightly())
	require.NoError(t, err)
	require.NotNil(t, created.NextRunAt)
	assert.Equal(t, time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC), *created.NextRunAt)
	assert.NotEmpty(t, created.ID)

	renamed := *created
	renamed.Name = "Nightly orders"
	clock.Set(t0.Add(3 * time.Hour))
	updated, err := svc.Update(ctx, renamed, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Nightly orders", updated.Name)
	assert.Equal(t, *created.NextRunAt, *updated.NextRunAt)

	disabled, err := svc.Disable(ctx, created.ID, "")
	require.NoError(t, err)
	assert.False(t, disabled.IsEnabled)
	assert.Nil(t, disabled.NextRunAt)

	clock.Set(time.Date(2026, 10, 16, 3, 0, 0, 0, time.UTC))
	enabled, err := svc.Enable(ctx, created.ID, "")
	require.NoError(t, err)
	assert.True(t, enabled.IsEnabled)
	assert.Equal(t, time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC), *enabled.NextRunAt)

	require.NoError(t, svc.Delete(ctx, created.ID, ""))
	_, err = svc.Get(ctx, created.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	assert.Equal(t, []string{
		audit.ScheduleCreated,
		audit.ScheduleUpdated,
		audit.ScheduleDisabled,
		audit.ScheduleEnabled,
		audit.ScheduleDeleted,
	}, auditActions(store))
}

func TestCreateDisabledHasNoNextRun(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := nightly()
	req.IsEnabled = false

	created, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, created.NextRunAt)
}

func TestCreateRejectsInvalidCron(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	req := nightly()
	req.CronExpression = "not a cron"

	_, err := svc.Create(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCron))
	assert.True(t, errors.Is(err, cronspec.ErrInvalidExpression))

	var cronErr *InvalidCronError
	require.True(t, errors.As(err, &cronErr))
	assert.Equal(t, "not a cron", cronErr.Expression)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, store.Audit().Entries())
}

func TestCreateRequiresNameAndDatabase(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateRequest{CronExpression: "0 0 2 * * *"})
	assert.True(t, errors.Is(err, ErrInvalidSchedule))
}

func TestUpdateRecomputesOnlyWhenCronChanges(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.Create(ctx, nightly())
	require.NoError(t, err)

	change := *created
	change.CronExpression = "0 30 3 * * *"
	change.SuccessCount = 99
	change.LastRunAt = &t0
	updated, err := svc.Update(ctx, change, "")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 10, 16, 3, 30, 0, 0, time.UTC), *updated.NextRunAt)
	assert.Equal(t, int64(0), updated.SuccessCount)
	assert.Nil(t, updated.LastRunAt)

	bad := *updated
	bad.CronExpression = "every night"
	_, err = svc.Update(ctx, bad, "")
	assert.True(t, errors.Is(err, ErrInvalidCron))

	stored, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 30 3 * * *", stored.CronExpression)
}

func TestUpdateCanDisable(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.Create(ctx, nightly())
	require.NoError(t, err)

	change := *created
	change.IsEnabled = false
	updated, err := svc.Update(ctx, change, "")
	require.NoError(t, err)
	assert.Nil(t, updated.NextRunAt)
}

func TestUnknownScheduleIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Update(ctx, types.BackupSchedule{ID: "missing", Name: "x", DatabaseName: "y", CronExpression: "0 0 2 * * *"}, "")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, errors.Is(svc.Delete(ctx, "missing", ""), types.ErrNotFound))
	_, err = svc.Enable(ctx, "missing", "")
	assert.True(t, errors.Is(err, types.ErrNotFound))
	_, err = svc.Disable(ctx, "missing", "")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestDueForExecution(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Create(ctx, nightly())
	require.NoError(t, err)
	off := nightly()
	off.Name = "Paused"
	off.IsEnabled = false
	_, err = svc.Create(ctx, off)
	require.NoError(t, err)

	due, err := svc.DueForExecution(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = svc.DueForExecution(ctx, time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Nightly", due[0].Name)
}

func TestRecordExecution(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.Create(ctx, nightly())
	require.NoError(t, err)

	ranAt := time.Date(2026, 10, 16, 2, 0, 5, 0, time.UTC)
	require.NoError(t, svc.RecordExecution(ctx, created.ID, true, ranAt))
	require.NoError(t, svc.RecordExecution(ctx, created.ID, false, ranAt.Add(time.Minute)))

	stored, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Equal(t, int64(1), stored.FailureCount)
	assert.Equal(t, ranAt.Add(time.Minute), *stored.LastRunAt)
	assert.Equal(t, time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC), *stored.NextRunAt)
}

func TestRecordExecutionIgnoresUnknownSchedule(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.NoError(t, svc.RecordExecution(context.Background(), "missing", true, t0))
}

func TestRecordExecutionIsAtomicPerSchedule(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.Create(ctx, nightly())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, svc.RecordExecution(ctx, created.ID, i%2 == 0, t0.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Wait()

	stored, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.SuccessCount)
	assert.Equal(t, int64(10), stored.FailureCount)
}

// conflictingStore loses the first n optimistic updates
type conflictingStore struct {
	types.ScheduleStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Update(ctx context.Context, schedule *types.BackupSchedule) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return types.ErrConflict
	}
	s.mu.Unlock()
	return s.ScheduleStore.Update(ctx, schedule)
}

func TestRecordExecutionRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	conflicting := &conflictingStore{ScheduleStore: store.Schedules()}
	svc := NewService(conflicting, nil, nil, WithClock(func() time.Time { return t0 }))

	created, err := svc.Create(ctx, nightly())
	require.NoError(t, err)

	conflicting.conflicts = maxRecordAttempts - 1
	require.NoError(t, svc.RecordExecution(ctx, created.ID, true, t0))
	stored, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SuccessCount)

	conflicting.conflicts = maxRecordAttempts
	err = svc.RecordExecution(ctx, created.ID, true, t0)
	assert.True(t, errors.Is(err, types.ErrConflict))
}

func TestEnsureSchedulesCreatesMissingByName(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Create(ctx, nightly())
	require.NoError(t, err)

	hourly := CreateRequest{Name: "Hourly", DatabaseName: "usersdb", CronExpression: "0 0 * * * *", IsEnabled: true}
	created, err := svc.EnsureSchedules(ctx, []CreateRequest{nightly(), hourly})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	created, err = svc.EnsureSchedules(ctx, []CreateRequest{nightly(), hourly})
	require.NoError(t, err)
	assert.Zero(t, created)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.EnsureSchedules(ctx, []CreateRequest{{Name: "Broken", DatabaseName: "x", CronExpression: "nope"}})
	assert.ErrorIs(t, err, ErrInvalidCron)
}
