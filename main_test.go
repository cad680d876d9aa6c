package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/scheduler"
)

func TestNewExecutor(t *testing.T) {
	log := zap.NewNop().Sugar()

	e, err := newExecutor(config.ExecutorConfig{Command: "cat /dev/null", Engine: "mysql"}, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "/dev/null"}, e.Command("ordersdb"))

	e, err = newExecutor(config.ExecutorConfig{Engine: "mysql", Host: "db1", Username: "backup"}, log)
	require.NoError(t, err)
	assert.Equal(t, []string{"mysqldump", "--host=db1", "--user=backup", "ordersdb"}, e.Command("ordersdb"))

	_, err = newExecutor(config.ExecutorConfig{Engine: "oracle"}, log)
	assert.Error(t, err)
}

func TestSeedSchedules(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	svc := scheduler.NewService(store.Schedules(), nil, nil)
	seeds := []config.ScheduleSeed{{Name: "nightly", DatabaseName: "ordersdb", CronExpression: "0 0 2 * * *", Enabled: true}}

	require.NoError(t, seedSchedules(ctx, svc, seeds, zap.NewNop().Sugar()))
	require.NoError(t, seedSchedules(ctx, svc, seeds, zap.NewNop().Sugar()))

	all, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsEnabled)
	assert.NotNil(t, all[0].NextRunAt)
}

func TestExecuteFlushesLogOnValidationFailure(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "keeper.log")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("LOG_FILE", logFile)
	t.Setenv("BACKUP_ENGINE", "oracle")

	assert.Equal(t, 1, execute())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Configuration validation failed")
	assert.Contains(t, string(data), `unsupported backup engine \"oracle\"`)
}
