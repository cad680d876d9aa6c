// Package scheduler manages backup schedules and drives their execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/audit"
	"github.com/supporttools/GoBackupKeeper/pkg/cronspec"
	"github.com/supporttools/GoBackupKeeper/pkg/keylock"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// ErrInvalidCron matches every InvalidCronError
var ErrInvalidCron = errors.New("invalid cron expression")

// ErrInvalidSchedule is returned when required schedule fields are missing
var ErrInvalidSchedule = errors.New("invalid schedule")

// InvalidCronError rejects a schedule whose cron expression cannot be used
type InvalidCronError struct {
	Expression string
	Err        error
}

func (e *InvalidCronError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expression, e.Err)
}

// Is reports whether target is ErrInvalidCron
func (e *InvalidCronError) Is(target error) bool {
	return target == ErrInvalidCron
}

func (e *InvalidCronError) Unwrap() error {
	return e.Err
}

const maxRecordAttempts = 3

// CreateRequest holds the fields of a new schedule
type CreateRequest struct {
	Name           string
	DatabaseName   string
	CronExpression string
	IsEnabled      bool
	UserID         string
}

// Service manages schedules stored in a ScheduleStore
type Service struct {
	store types.ScheduleStore
	audit *audit.Recorder
	log   *zap.SugaredLogger
	locks *keylock.KeyLock
	now   func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a schedule service
func NewService(store types.ScheduleStore, recorder *audit.Recorder, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		store: store,
		audit: recorder,
		log:   logger.OrNop(log),
		locks: keylock.New(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// nextRun returns the first firing of expr after from, as an InvalidCronError on failure
func nextRun(expr string, from time.Time) (*time.Time, error) {
	next, err := cronspec.NextRun(expr, from)
	if err != nil {
		return nil, &InvalidCronError{Expression: expr, Err: err}
	}
	return &next, nil
}

// Create validates and stores a new schedule
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.BackupSchedule, error) {
	if req.Name == "" || req.DatabaseName == "" {
		return nil, fmt.Errorf("%w: name and database name are required", ErrInvalidSchedule)
	}

	now := s.now()
	next, err := nextRun(req.CronExpression, now)
	if err != nil {
		return nil, err
	}

	schedule := &types.BackupSchedule{
		ID:             uuid.New().String(),
		Name:           req.Name,
		DatabaseName:   req.DatabaseName,
		CronExpression: req.CronExpression,
		IsEnabled:      req.IsEnabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.IsEnabled {
		schedule.NextRunAt = next
	}

	if err := s.store.Create(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ScheduleCreated,
		EntityType: audit.EntitySchedule,
		EntityID:   schedule.ID,
		UserID:     req.UserID,
		Details:    scheduleDetails(*schedule),
	})
	s.log.Infof("Created schedule %s for %s with cron expression: %s", schedule.Name, schedule.DatabaseName, schedule.CronExpression)
	return schedule, nil
}

// Update changes the name, database, cron expression and enabled state of a
// schedule. The next run is recomputed only when the cron expression changed
// or the schedule was just enabled. Counters and LastRunAt are kept from the
// stored schedule.
func (s *Service) Update(ctx context.Context, schedule types.BackupSchedule, userID string) (*types.BackupSchedule, error) {
	if schedule.Name == "" || schedule.DatabaseName == "" {
		return nil, fmt.Errorf("%w: name and database name are required", ErrInvalidSchedule)
	}

	unlock := s.locks.Lock(schedule.ID)
	defer unlock()

	existing, err := s.store.GetByID(ctx, schedule.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	updated := existing.Clone()
	cronChanged := schedule.CronExpression != existing.CronExpression
	if cronChanged {
		if _, err := nextRun(schedule.CronExpression, now); err != nil {
			return nil, err
		}
	}

	updated.Name = schedule.Name
	updated.DatabaseName = schedule.DatabaseName
	updated.CronExpression = schedule.CronExpression
	updated.IsEnabled = schedule.IsEnabled
	updated.UpdatedAt = now

	switch {
	case !updated.IsEnabled:
		updated.NextRunAt = nil
	case cronChanged || !existing.IsEnabled || existing.NextRunAt == nil:
		next, err := nextRun(updated.CronExpression, now)
		if err != nil {
			return nil, err
		}
		updated.NextRunAt = next
	}

	if err := s.store.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ScheduleUpdated,
		EntityType: audit.EntitySchedule,
		EntityID:   updated.ID,
		UserID:     userID,
		Details:    scheduleDetails(updated),
	})
	s.log.Infof("Updated schedule %s (cron changed: %t)", updated.Name, cronChanged)
	return &updated, nil
}

// Delete removes a schedule
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	existing, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     audit.ScheduleDeleted,
		EntityType: audit.EntitySchedule,
		EntityID:   id,
		UserID:     userID,
		Details:    scheduleDetails(*existing),
	})
	s.log.Infof("Deleted schedule %s", existing.Name)
	return nil
}

// Enable turns a schedule on and computes its next run from now
func (s *Service) Enable(ctx context.Context, id, userID string) (*types.BackupSchedule, error) {
	return s.setEnabled(ctx, id, userID, true)
}

// Disable turns a schedule off. Counters are kept.
func (s *Service) Disable(ctx context.Context, id, userID string) (*types.BackupSchedule, error) {
	return s.setEnabled(ctx, id, userID, false)
}

func (s *Service) setEnabled(ctx context.Context, id, userID string, enabled bool) (*types.BackupSchedule, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	schedule, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	action := audit.ScheduleDisabled
	schedule.IsEnabled = enabled
	schedule.NextRunAt = nil
	if enabled {
		action = audit.ScheduleEnabled
		next, err := nextRun(schedule.CronExpression, now)
		if err != nil {
			return nil, err
		}
		schedule.NextRunAt = next
	}
	schedule.UpdatedAt = now

	if err := s.store.Update(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		Action:     action,
		EntityType: audit.EntitySchedule,
		EntityID:   id,
		UserID:     userID,
		Details:    scheduleDetails(*schedule),
	})
	s.log.Infof("Schedule %s enabled=%t", schedule.Name, enabled)
	return schedule, nil
}

// EnsureSchedules creates every requested schedule whose name is not taken yet
func (s *Service) EnsureSchedules(ctx context.Context, reqs []CreateRequest) (int, error) {
	existing, err := s.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load schedules: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, e := range existing {
		names[e.Name] = true
	}

	created := 0
	for _, req := range reqs {
		if names[req.Name] {
			continue
		}
		if _, err := s.Create(ctx, req); err != nil {
			return created, fmt.Errorf("failed to seed schedule %s: %w", req.Name, err)
		}
		names[req.Name] = true
		created++
	}
	return created, nil
}

// Get returns a schedule by ID
func (s *Service) Get(ctx context.Context, id string) (*types.BackupSchedule, error) {
	return s.store.GetByID(ctx, id)
}

// List returns every schedule
func (s *Service) List(ctx context.Context) ([]types.BackupSchedule, error) {
	return s.store.GetAll(ctx)
}

// DueForExecution returns the enabled schedules whose next run is at or before now
func (s *Service) DueForExecution(ctx context.Context, now time.Time) ([]types.BackupSchedule, error) {
	return s.store.GetDueForExecution(ctx, now)
}

// RecordExecution stores the outcome of a run: LastRunAt, the matching
// counter and the next run computed from executedAt. An unknown schedule is
// logged and ignored so the driver loop never fails on bookkeeping.
func (s *Service) RecordExecution(ctx context.Context, id string, success bool, executedAt time.Time) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	var err error
	for attempt := 1; attempt <= maxRecordAttempts; attempt++ {
		err = s.recordExecution(ctx, id, success, executedAt)
		if errors.Is(err, types.ErrNotFound) {
			s.log.Warnf("Ignoring execution result for unknown schedule %s", id)
			return nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return err
		}
		s.log.Debugf("Schedule %s changed concurrently, retrying execution record (attempt %d)", id, attempt)
	}
	return fmt.Errorf("failed to record execution of schedule %s: %w", id, err)
}

func (s *Service) recordExecution(ctx context.Context, id string, success bool, executedAt time.Time) error {
	schedule, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	ranAt := executedAt
	schedule.LastRunAt = &ranAt
	if success {
		schedule.SuccessCount++
	} else {
		schedule.FailureCount++
	}

	if schedule.IsEnabled {
		next, err := nextRun(schedule.CronExpression, executedAt)
		if err != nil {
			s.log.Errorf("Disabling schedule %s: %v", schedule.Name, err)
			schedule.IsEnabled = false
			schedule.NextRunAt = nil
		} else {
			schedule.NextRunAt = next
		}
	}
	schedule.UpdatedAt = s.now()

	return s.store.Update(ctx, schedule)
}

func scheduleDetails(s types.BackupSchedule) map[string]string {
	d := map[string]string{
		"name":           s.Name,
		"databaseName":   s.DatabaseName,
		"cronExpression": s.CronExpression,
		"isEnabled":      fmt.Sprintf("%t", s.IsEnabled),
	}
	if s.NextRunAt != nil {
		d["nextRunAt"] = s.NextRunAt.UTC().Format(time.RFC3339)
	}
	return d
}
