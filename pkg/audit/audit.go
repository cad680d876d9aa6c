// Package audit records append-only audit entries for mutating operations.
// Writes are best effort: a failing sink is logged and counted, and the
// operation that triggered the entry still succeeds.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/metrics"
)

// Audited actions
const (
	BackupStarted          = "BackupStarted"
	BackupCompleted        = "BackupCompleted"
	BackupFailed           = "BackupFailed"
	BackupDeleted          = "BackupDeleted"
	BackupDeletionFailed   = "BackupDeletionFailed"
	ScheduleCreated        = "ScheduleCreated"
	ScheduleUpdated        = "ScheduleUpdated"
	ScheduleDeleted        = "ScheduleDeleted"
	ScheduleEnabled        = "ScheduleEnabled"
	ScheduleDisabled       = "ScheduleDisabled"
	RetentionPolicyCreated = "RetentionPolicyCreated"
	RetentionPolicyUpdated = "RetentionPolicyUpdated"
)

// Entity types
const (
	EntitySchedule = "BackupSchedule"
	EntityHistory  = "BackupHistory"
	EntityPolicy   = "RetentionPolicy"
)

// Entry describes an audit event before it is stamped
type Entry struct {
	Action     string
	EntityType string
	EntityID   string
	UserID     string
	Failed     bool
	Details    map[string]string
}

// Recorder writes audit entries to a sink
type Recorder struct {
	sink types.AuditStore
	log  *zap.SugaredLogger
	now  func() time.Time
}

// NewRecorder creates a recorder. A nil sink discards every entry.
func NewRecorder(sink types.AuditStore, log *zap.SugaredLogger) *Recorder {
	return &Recorder{
		sink: sink,
		log:  logger.OrNop(log),
		now:  time.Now,
	}
}

// Record stamps and stores an entry
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.sink == nil {
		return
	}

	entry := &types.AuditLog{
		ID:         uuid.New().String(),
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		UserID:     e.UserID,
		Status:     types.AuditSuccess,
		Timestamp:  r.now().UTC(),
		Details:    e.Details,
	}
	if entry.UserID == "" {
		entry.UserID = types.SystemUser
	}
	if e.Failed {
		entry.Status = types.AuditFailed
	}

	if err := r.sink.Create(ctx, entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		r.log.Warnf("Failed to write audit entry %s for %s %s: %v", e.Action, e.EntityType, e.EntityID, err)
	}
}
