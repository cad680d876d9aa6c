package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoBackupKeeper/pkg/cronspec"
	"github.com/supporttools/GoBackupKeeper/pkg/executor"
	"github.com/supporttools/GoBackupKeeper/pkg/history"
	"github.com/supporttools/GoBackupKeeper/pkg/leader"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/metrics"
	"github.com/supporttools/GoBackupKeeper/pkg/retention"
)

var (
	// ErrAlreadyRunning is returned by RunNow while the schedule is executing
	ErrAlreadyRunning = errors.New("backup already running")
	// ErrAtCapacity is returned by RunNow while MaxConcurrent backups are running
	ErrAtCapacity = errors.New("maximum concurrent backups running")
)

// Stager returns the local path a backup file is written to
type Stager interface {
	GetBackupPath(databaseName, fileName string) (string, error)
}

// Uploader copies a finished artifact to remote storage
type Uploader interface {
	ObjectKey(databaseName, fileName string) string
	Upload(ctx context.Context, localPath, objectKey string) error
}

// RunnerConfig holds the driver settings
type RunnerConfig struct {
	PollSpec      string
	CleanupSpec   string
	MaxConcurrent int
	BackupTimeout time.Duration
	BackupType    string
	Compress      bool
}

// Dependencies are the collaborators of a Runner. Retention, Uploader and
// Leadership are optional.
type Dependencies struct {
	Schedules  *Service
	Ledger     *history.Ledger
	Retention  *retention.Engine
	DeleteFn   retention.DeleteFunc
	Executor   executor.Executor
	Stager     Stager
	Uploader   Uploader
	Leadership leader.Leadership
	Now        func() time.Time
}

// Runner polls for due schedules and executes them
type Runner struct {
	deps Dependencies
	cfg  RunnerConfig
	log  *zap.SugaredLogger
	now  func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewRunner creates a runner
func NewRunner(deps Dependencies, cfg RunnerConfig, log *zap.SugaredLogger) *Runner {
	if deps.Leadership == nil {
		deps.Leadership = leader.Single{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.BackupTimeout <= 0 {
		cfg.BackupTimeout = 2 * time.Hour
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		deps:     deps,
		cfg:      cfg,
		log:      logger.OrNop(log),
		now:      now,
		inFlight: make(map[string]bool),
	}
}

// cronLogger routes robfig/cron logging into zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Start registers the poll and cleanup jobs and starts the cron driver.
// Jobs run with ctx; cancel it to abort running backups.
func (r *Runner) Start(ctx context.Context) error {
	cl := cronLogger{log: r.log}
	c := cron.New(
		cron.WithParser(cronspec.Parser()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	if _, err := c.AddFunc(r.cfg.PollSpec, func() {
		if err := r.Tick(ctx); err != nil {
			r.log.Errorf("Scheduler tick failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule poll job with cron expression '%s': %w", r.cfg.PollSpec, err)
	}
	r.log.Infof("Scheduled backup polling with cron expression: %s", r.cfg.PollSpec)

	if r.deps.Retention != nil && r.deps.DeleteFn != nil && r.cfg.CleanupSpec != "" {
		if _, err := c.AddFunc(r.cfg.CleanupSpec, func() { r.Cleanup(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule retention cleanup with cron expression '%s': %w", r.cfg.CleanupSpec, err)
		}
		r.log.Infof("Scheduled retention cleanup with cron expression: %s", r.cfg.CleanupSpec)
	}

	r.cron = c
	c.Start()
	r.log.Info("Backup scheduler started successfully")
	return nil
}

// Stop halts the cron driver, waits for running jobs until ctx expires and
// gives up leadership
func (r *Runner) Stop(ctx context.Context) {
	if r.cron != nil {
		select {
		case <-r.cron.Stop().Done():
		case <-ctx.Done():
			r.log.Warn("Timed out waiting for running backups to finish")
		}
	}
	if err := r.deps.Leadership.Release(ctx); err != nil {
		r.log.Warnf("Failed to release scheduler leadership: %v", err)
	}
	r.log.Info("Backup scheduler stopped")
}

// isLeader reports whether this instance may act, counting the tick outcome when it may not
func (r *Runner) isLeader(ctx context.Context) bool {
	ok, err := r.deps.Leadership.IsLeader(ctx)
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		r.log.Errorf("Leadership check failed: %v", err)
		return false
	}
	if !ok {
		metrics.SchedulerTicks.WithLabelValues("standby").Inc()
		r.log.Debug("Not the scheduler leader, skipping")
	}
	return ok
}

// Tick runs every due schedule that is not already executing, at most
// MaxConcurrent at a time across overlapping ticks. It returns once the
// backups it started have finished.
func (r *Runner) Tick(ctx context.Context) error {
	if !r.isLeader(ctx) {
		return nil
	}

	due, err := r.deps.Schedules.DueForExecution(ctx, r.now())
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load due schedules: %w", err)
	}

	claimed := r.claim(due)
	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	if len(claimed) == 0 {
		return nil
	}
	r.log.Infof("%d of %d due schedules started", len(claimed), len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrent)
	for _, s := range claimed {
		s := s
		g.Go(func() error {
			defer r.release(s.ID)
			if _, err := r.run(gctx, s); err != nil {
				r.log.Warnf("Scheduled backup %s of %s failed: %v", s.Name, s.DatabaseName, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// claim marks schedules as in flight, skipping those already running and
// those over the concurrency bound
func (r *Runner) claim(due []types.BackupSchedule) []types.BackupSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()

	var claimed []types.BackupSchedule
	for _, s := range due {
		if r.inFlight[s.ID] {
			continue
		}
		if len(r.inFlight) >= r.cfg.MaxConcurrent {
			break
		}
		r.inFlight[s.ID] = true
		claimed = append(claimed, s)
	}
	return claimed
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, id)
}

// RunNow executes a schedule immediately, outside its cadence
func (r *Runner) RunNow(ctx context.Context, scheduleID string) (*types.BackupHistory, error) {
	s, err := r.deps.Schedules.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.inFlight[s.ID] {
		r.mu.Unlock()
		return nil, fmt.Errorf("schedule %s: %w", s.Name, ErrAlreadyRunning)
	}
	if len(r.inFlight) >= r.cfg.MaxConcurrent {
		r.mu.Unlock()
		return nil, fmt.Errorf("schedule %s: %w", s.Name, ErrAtCapacity)
	}
	r.inFlight[s.ID] = true
	r.mu.Unlock()
	defer r.release(s.ID)

	r.log.Infof("Running one-time backup of %s for schedule %s", s.DatabaseName, s.Name)
	return r.run(ctx, *s)
}

func (r *Runner) storageType() string {
	if r.deps.Uploader != nil {
		return types.StorageS3
	}
	return types.StorageLocal
}

// run executes one backup and records it in the ledger and on the schedule.
// Bookkeeping uses a context that survives the backup timeout.
func (r *Runner) run(ctx context.Context, s types.BackupSchedule) (*types.BackupHistory, error) {
	metrics.BackupsInFlight.Inc()
	defer metrics.BackupsInFlight.Dec()

	recordCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BackupTimeout)
	defer cancel()

	scheduleID := s.ID
	record, err := r.deps.Ledger.RecordStart(recordCtx, history.StartRequest{
		JobID:        s.ID,
		JobName:      s.Name,
		DatabaseName: s.DatabaseName,
		BackupType:   r.cfg.BackupType,
		StorageType:  r.storageType(),
		ScheduleID:   &scheduleID,
	})
	if err != nil {
		r.recordExecution(recordCtx, s, false)
		return nil, err
	}

	details, runErr := r.produce(ctx, s, record.BackupID)
	if runErr != nil {
		failed, err := r.deps.Ledger.RecordFailure(recordCtx, record.ID, runErr.Error())
		r.recordExecution(recordCtx, s, false)
		if err != nil {
			return nil, err
		}
		return failed, runErr
	}

	done, err := r.deps.Ledger.RecordSuccess(recordCtx, record.ID, details)
	r.recordExecution(recordCtx, s, err == nil)
	return done, err
}

// produce writes the artifact and, with an uploader, moves it to remote storage
func (r *Runner) produce(ctx context.Context, s types.BackupSchedule, backupID string) (history.SuccessDetails, error) {
	fileName := backupID + ".sql"
	if r.cfg.Compress {
		fileName += ".gz"
	}

	path, err := r.deps.Stager.GetBackupPath(s.DatabaseName, fileName)
	if err != nil {
		return history.SuccessDetails{}, err
	}

	result := r.deps.Executor.Execute(ctx, s.DatabaseName, path, executor.Options{
		Compress:   r.cfg.Compress,
		BackupType: r.cfg.BackupType,
	})
	if !result.Success {
		return history.SuccessDetails{}, errors.New(result.ErrorMessage)
	}

	details := history.SuccessDetails{
		FilePath:      path,
		FileName:      fileName,
		FileSizeBytes: result.SizeBytes,
		IsCompressed:  result.IsCompressed,
		Checksum:      result.Checksum,
		Metadata:      map[string]string{"scheduleName": s.Name},
	}

	if r.deps.Uploader != nil {
		key := r.deps.Uploader.ObjectKey(s.DatabaseName, fileName)
		err := r.deps.Uploader.Upload(ctx, path, key)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			r.log.Warnf("Failed to remove staged backup %s: %v", path, rmErr)
		}
		if err != nil {
			return history.SuccessDetails{}, err
		}
		details.FilePath = key
	}
	return details, nil
}

func (r *Runner) recordExecution(ctx context.Context, s types.BackupSchedule, success bool) {
	if err := r.deps.Schedules.RecordExecution(ctx, s.ID, success, r.now()); err != nil {
		r.log.Errorf("Failed to record execution of schedule %s: %v", s.Name, err)
	}
}

// Cleanup applies every active retention policy
func (r *Runner) Cleanup(ctx context.Context) retention.CleanupResult {
	if r.deps.Retention == nil || r.deps.DeleteFn == nil {
		return retention.CleanupResult{}
	}
	if !r.isLeader(ctx) {
		return retention.CleanupResult{}
	}

	result := r.deps.Retention.CleanupAll(ctx, r.deps.DeleteFn)
	for _, msg := range result.Errors {
		r.log.Warnf("Retention cleanup: %s", msg)
	}
	return result
}
