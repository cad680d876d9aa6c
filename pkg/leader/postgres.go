package leader

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
)

// OpenPostgres opens a connection pool for the advisory lock session
func OpenPostgres(cfg config.MetadataDBConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure PostgreSQL lock connection")
	}
	return sql.OpenDB(connector), nil
}

// LockKey maps a lock name onto the bigint key of an advisory lock
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// PostgresLock holds a session-level PostgreSQL advisory lock
type PostgresLock struct {
	db   *sql.DB
	name string
	key  int64
	log  *zap.SugaredLogger

	mu   sync.Mutex
	conn *sql.Conn
	held bool
}

// NewPostgresLock creates an advisory lock keyed by the hash of name
func NewPostgresLock(db *sql.DB, name string, log *zap.SugaredLogger) *PostgresLock {
	return &PostgresLock{db: db, name: name, key: LockKey(name), log: logger.OrNop(log)}
}

// IsLeader tries to take the advisory lock without waiting
func (l *PostgresLock) IsLeader(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		l.log.Warnf("Lost PostgreSQL lock session for %s, reacquiring", l.name)
		l.dropConn()
	}

	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, errors.Wrap(err, "failed to open PostgreSQL lock session")
		}
		l.conn = conn
	}

	var acquired bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		l.dropConn()
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return false, errors.Wrapf(err, "advisory lock %s rejected (%s)", l.name, pqErr.Code.Name())
		}
		return false, errors.Wrapf(err, "failed to acquire advisory lock %s", l.name)
	}

	l.held = acquired
	if acquired {
		l.log.Infof("Acquired scheduler leadership via advisory lock %s", l.name)
	}
	return acquired, nil
}

// Release unlocks and closes the session
func (l *PostgresLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	defer l.dropConn()

	if !l.held {
		return nil
	}
	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&released); err != nil {
		return errors.Wrapf(err, "failed to release advisory lock %s", l.name)
	}
	l.log.Infof("Released advisory lock %s", l.name)
	return nil
}

func (l *PostgresLock) dropConn() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.held = false
}
