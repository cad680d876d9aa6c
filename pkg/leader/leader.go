// Package leader decides which scheduler instance may run due backups.
package leader

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
)

// Leadership reports whether this process may act on due schedules
type Leadership interface {
	IsLeader(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Single is the leadership of a lone instance: always leader
type Single struct{}

// IsLeader always returns true
func (Single) IsLeader(context.Context) (bool, error) { return true, nil }

// Release does nothing
func (Single) Release(context.Context) error { return nil }

// New builds the leadership configured by SCHEDULER_LEADERSHIP
func New(sched config.SchedulerConfig, db config.MetadataDBConfig, log *zap.SugaredLogger) (Leadership, error) {
	switch sched.Leadership {
	case "", "none":
		return Single{}, nil
	case "mysql":
		sqlDB, err := OpenMySQL(db)
		if err != nil {
			return nil, err
		}
		return &pooledLock{Leadership: NewMySQLLock(sqlDB, sched.LockName, log), db: sqlDB}, nil
	case "postgres":
		sqlDB, err := OpenPostgres(db)
		if err != nil {
			return nil, err
		}
		return &pooledLock{Leadership: NewPostgresLock(sqlDB, sched.LockName, log), db: sqlDB}, nil
	default:
		return nil, fmt.Errorf("unsupported scheduler leadership %q", sched.Leadership)
	}
}

// pooledLock closes the connection pool it owns once the lock is released
type pooledLock struct {
	Leadership
	db *sql.DB
}

func (p *pooledLock) Release(ctx context.Context) error {
	err := p.Leadership.Release(ctx)
	if cerr := p.db.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "failed to close lock connection pool")
	}
	return err
}
