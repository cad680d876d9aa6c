// Package storage removes and places backup artifacts on the configured backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/retention"
)

// ErrUnsupportedStorage is returned for a storage type with no registered backend
var ErrUnsupportedStorage = errors.New("unsupported storage type")

// Deleter removes the physical artifact of a backup
type Deleter interface {
	Delete(ctx context.Context, backup types.BackupHistory) error
}

// Router dispatches deletions on the StorageType of each record
type Router struct {
	mu       sync.RWMutex
	backends map[string]Deleter
	log      *zap.SugaredLogger
}

// NewRouter creates an empty router
func NewRouter(log *zap.SugaredLogger) *Router {
	return &Router{backends: make(map[string]Deleter), log: logger.OrNop(log)}
}

// Register routes storageType to d
func (r *Router) Register(storageType string, d Deleter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[storageType] = d
}

// Delete removes the artifact of backup on its backend
func (r *Router) Delete(ctx context.Context, backup types.BackupHistory) error {
	r.mu.RLock()
	d, ok := r.backends[backup.StorageType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q for backup %s", ErrUnsupportedStorage, backup.StorageType, backup.BackupID)
	}

	if err := d.Delete(ctx, backup); err != nil {
		return fmt.Errorf("failed to delete %s artifact %s: %w", backup.StorageType, backup.FilePath, err)
	}
	r.log.Debugf("Removed %s artifact %s", backup.StorageType, backup.FilePath)
	return nil
}

// DeleteFunc adapts the router to the retention engine
func (r *Router) DeleteFunc() retention.DeleteFunc {
	return r.Delete
}
