package leader

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
)

const lockName = "gobackupkeeper-scheduler"

func TestSingleIsAlwaysLeader(t *testing.T) {
	var l Leadership = Single{}
	ok, err := l.IsLeader(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background()))
}

func TestNew(t *testing.T) {
	l, err := New(config.SchedulerConfig{Leadership: "none"}, config.MetadataDBConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Single{}, l)

	_, err = New(config.SchedulerConfig{Leadership: "zookeeper"}, config.MetadataDBConfig{}, nil)
	assert.Error(t, err)
}

func TestMySQLLockAcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")).
		WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))

	ctx := context.Background()
	l := NewMySQLLock(db, lockName, nil)

	ok, err := l.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held locks are not requested again
	ok, err = l.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPooledLockClosesPoolOnRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")).
		WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(1))
	mock.ExpectClose()

	ctx := context.Background()
	l := &pooledLock{Leadership: NewMySQLLock(db, lockName, nil), db: db}

	ok, err := l.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Error(t, db.PingContext(ctx), "pool is closed")
}

func TestMySQLLockHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs(lockName).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))

	ctx := context.Background()
	l := NewMySQLLock(db, lockName, nil)

	ok, err := l.IsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLockQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs(lockName).
		WillReturnError(errors.New("server has gone away"))

	ok, err := NewMySQLLock(db, lockName, nil).IsLeader(context.Background())
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server has gone away")
}

func TestPostgresLockAcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	key := LockKey(lockName)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	ctx := context.Background()
	l := NewPostgresLock(db, lockName, nil)

	ok, err := l.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockHeldElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WithArgs(LockKey(lockName)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := NewPostgresLock(db, lockName, nil).IsLeader(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockKeyIsStable(t *testing.T) {
	assert.Equal(t, LockKey(lockName), LockKey(lockName))
	assert.NotEqual(t, LockKey(lockName), LockKey("other"))
}
