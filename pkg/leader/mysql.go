package leader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
)

// OpenMySQL opens a connection pool for the lock session
func OpenMySQL(cfg config.MetadataDBConfig) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure MySQL lock connection")
	}
	return sql.OpenDB(connector), nil
}

// MySQLLock holds a named MySQL user lock (GET_LOCK). The lock belongs to one
// session, so it is taken on a dedicated connection that is kept until Release.
type MySQLLock struct {
	db   *sql.DB
	name string
	log  *zap.SugaredLogger

	mu   sync.Mutex
	conn *sql.Conn
	held bool
}

// NewMySQLLock creates a lock named name on db
func NewMySQLLock(db *sql.DB, name string, log *zap.SugaredLogger) *MySQLLock {
	return &MySQLLock{db: db, name: name, log: logger.OrNop(log)}
}

// IsLeader tries to take the lock without waiting
func (l *MySQLLock) IsLeader(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		l.log.Warnf("Lost MySQL lock session for %s, reacquiring", l.name)
		l.dropConn()
	}

	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, errors.Wrap(err, "failed to open MySQL lock session")
		}
		l.conn = conn
	}

	var acquired sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", l.name).Scan(&acquired); err != nil {
		l.dropConn()
		return false, errors.Wrapf(err, "failed to acquire MySQL lock %s", l.name)
	}
	if !acquired.Valid {
		return false, errors.Errorf("MySQL lock %s returned NULL", l.name)
	}

	l.held = acquired.Int64 == 1
	if l.held {
		l.log.Infof("Acquired scheduler leadership via MySQL lock %s", l.name)
	}
	return l.held, nil
}

// Release gives the lock up and closes the session
func (l *MySQLLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	defer l.dropConn()

	if !l.held {
		return nil
	}
	var released sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released); err != nil {
		return errors.Wrapf(err, "failed to release MySQL lock %s", l.name)
	}
	l.log.Infof("Released MySQL lock %s", l.name)
	return nil
}

func (l *MySQLLock) dropConn() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.held = false
}
