package retention

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupKeeper/pkg/audit"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

type failingPolicies struct {
	types.PolicyStore
}

func (failingPolicies) GetAll(context.Context) ([]types.RetentionPolicy, error) {
	return nil, errors.New("connection refused")
}

func newTestEngine(t *testing.T, seed ...types.BackupHistory) (*Engine, *metadata.Store) {
	t.Helper()
	store := metadata.NewMemoryStore()
	for i := range seed {
		require.NoError(t, store.History().Create(context.Background(), &seed[i]))
	}
	engine := NewEngine(store.History(), store.Policies(), audit.NewRecorder(store.Audit(), nil), nil,
		WithClock(func() time.Time { return now }), WithConcurrency(2))
	return engine, store
}

func countActions(store *metadata.Store, action string) int {
	n := 0
	for _, e := range store.Audit().Entries() {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestApplyFailureIsolation(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t,
		backupAt(1, 400*day, 100),
		backupAt(2, 500*day, 200),
		backupAt(3, 600*day, 300),
	)

	var mu sync.Mutex
	var attempted []string
	deleteFn := func(_ context.Context, b types.BackupHistory) error {
		mu.Lock()
		attempted = append(attempted, b.BackupID)
		mu.Unlock()
		if b.FileSizeBytes == 200 {
			return errors.New("permission denied")
		}
		return nil
	}

	policy := types.RetentionPolicy{ID: "p1", DatabaseName: "ordersdb", DailyRetentionDays: 7}
	result, err := engine.Apply(ctx, "ordersdb", policy, deleteFn)
	require.NoError(t, err)

	assert.Len(t, attempted, 3)
	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, int64(400), result.FreedSpaceBytes)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "permission denied")

	assert.Equal(t, 1, countActions(store, audit.BackupDeletionFailed))
	assert.Equal(t, 2, countActions(store, audit.BackupDeleted))
	for _, e := range store.Audit().Entries() {
		if e.Action == audit.BackupDeletionFailed {
			assert.Equal(t, types.AuditFailed, e.Status)
			assert.Equal(t, "permission denied", e.Details["error"])
		}
	}

	remaining, err := store.History().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(200), remaining[0].FileSizeBytes)
}

func TestApplyRecoversFromPanickingDelete(t *testing.T) {
	engine, store := newTestEngine(t, backupAt(1, 400*day, 100))

	result, err := engine.Apply(context.Background(), "ordersdb",
		types.RetentionPolicy{ID: "p1", DatabaseName: "ordersdb", DailyRetentionDays: 7},
		func(context.Context, types.BackupHistory) error { panic("storage driver bug") })
	require.NoError(t, err)

	assert.Equal(t, 0, result.DeletedCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "storage driver bug")
	assert.Equal(t, 1, countActions(store, audit.BackupDeletionFailed))
}

func TestApplyKeepsRecordsInsideWindows(t *testing.T) {
	engine, _ := newTestEngine(t, backupAt(1, 1*day, 100))

	called := false
	result, err := engine.Apply(context.Background(), "ordersdb", tieredPolicy(),
		func(context.Context, types.BackupHistory) error { called = true; return nil })
	require.NoError(t, err)

	assert.False(t, called)
	assert.Equal(t, 0, result.DeletedCount)
	assert.Len(t, result.Plan.Retain, 1)
}

func TestCleanupAll(t *testing.T) {
	ctx := context.Background()
	users := backupAt(3, 30*day, 50)
	users.BackupID = "usersdb-3"
	users.DatabaseName = "usersdb"
	engine, store := newTestEngine(t,
		backupAt(1, 1*day, 100),
		backupAt(2, 900*day, 100),
		users,
	)

	_, err := engine.CreatePolicy(ctx, types.RetentionPolicy{Name: "orders", DatabaseName: "ordersdb", DailyRetentionDays: 7, IsActive: true}, "")
	require.NoError(t, err)
	_, err = engine.CreatePolicy(ctx, types.RetentionPolicy{Name: "users", DatabaseName: "usersdb", DailyRetentionDays: 7, IsActive: true}, "")
	require.NoError(t, err)
	_, err = engine.CreatePolicy(ctx, types.RetentionPolicy{Name: "paused", DatabaseName: "ordersdb", MaxBackupCount: intPtr(1)}, "")
	require.NoError(t, err)

	result := engine.CleanupAll(ctx, func(context.Context, types.BackupHistory) error { return nil })

	assert.Empty(t, result.Errors)
	assert.Equal(t, 2, result.DeletedCount)
	assert.Equal(t, int64(150), result.FreedSpaceBytes)
	assert.Len(t, result.Policies, 2)
	assert.Equal(t, now, result.StartedAt)
	assert.Equal(t, now, result.FinishedAt)

	remaining, err := store.History().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "ordersdb", remaining[0].DatabaseName)
}

func TestCleanupAllFatalPolicyLoad(t *testing.T) {
	store := metadata.NewMemoryStore()
	engine := NewEngine(store.History(), failingPolicies{}, nil, nil)

	var result CleanupResult
	require.NotPanics(t, func() {
		result = engine.CleanupAll(context.Background(), func(context.Context, types.BackupHistory) error { return nil })
	})

	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "Fatal error"))
	assert.Contains(t, result.Errors[0], "connection refused")
	assert.Equal(t, 0, result.DeletedCount)
}

func TestCreateAndUpdatePolicy(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	_, err := engine.CreatePolicy(ctx, types.RetentionPolicy{DatabaseName: "ordersdb", DailyRetentionDays: -1}, "alice")
	assert.Error(t, err)

	created, err := engine.CreatePolicy(ctx, types.RetentionPolicy{DatabaseName: "ordersdb", DailyRetentionDays: 7, IsActive: true}, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "ordersdb", created.Name)

	created.WeeklyRetentionWeeks = 4
	updated, err := engine.UpdatePolicy(ctx, *created, "bob")
	require.NoError(t, err)
	assert.Equal(t, 4, updated.WeeklyRetentionWeeks)

	_, err = engine.UpdatePolicy(ctx, types.RetentionPolicy{ID: "missing", DatabaseName: "ordersdb"}, "bob")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	entries := store.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.RetentionPolicyCreated, entries[0].Action)
	assert.Equal(t, "alice", entries[0].UserID)
	assert.Equal(t, audit.RetentionPolicyUpdated, entries[1].Action)
	assert.Equal(t, "7d/4w/0m/0y", entries[1].Details["windows"])
}

func TestEnsurePoliciesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	seed := []types.RetentionPolicy{{Name: "orders", DatabaseName: "ordersdb", DailyRetentionDays: 7}}

	require.NoError(t, engine.EnsurePolicies(ctx, seed))
	require.NoError(t, engine.EnsurePolicies(ctx, seed))

	policies, err := store.Policies().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.True(t, policies[0].IsActive)
}
