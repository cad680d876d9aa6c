package retention

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoBackupKeeper/pkg/audit"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/metrics"
)

// DeleteFunc removes the physical artifact of a backup
type DeleteFunc func(ctx context.Context, backup types.BackupHistory) error

// ApplyResult reports the outcome of applying one policy
type ApplyResult struct {
	DatabaseName    string
	PolicyID        string
	Plan            Plan
	DeletedCount    int
	FreedSpaceBytes int64
	Errors          []string
}

// CleanupResult reports the outcome of a full cleanup run
type CleanupResult struct {
	DeletedCount    int
	FreedSpaceBytes int64
	Errors          []string
	Policies        []ApplyResult
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Engine applies retention policies to the history ledger
type Engine struct {
	history     types.HistoryStore
	policies    types.PolicyStore
	audit       *audit.Recorder
	log         *zap.SugaredLogger
	now         func() time.Time
	thinner     Thinner
	concurrency int
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithThinner sets the within-tier thinning strategy
func WithThinner(t Thinner) Option {
	return func(e *Engine) { e.thinner = t }
}

// WithConcurrency bounds how many deletions run at once
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewEngine creates a retention engine
func NewEngine(history types.HistoryStore, policies types.PolicyStore, recorder *audit.Recorder, log *zap.SugaredLogger, opts ...Option) *Engine {
	e := &Engine{
		history:     history,
		policies:    policies,
		audit:       recorder,
		log:         logger.OrNop(log),
		now:         time.Now,
		thinner:     RetainAll{},
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Preview evaluates a policy against the stored history without deleting anything
func (e *Engine) Preview(ctx context.Context, databaseName string, policy types.RetentionPolicy) (Plan, error) {
	backups, err := e.history.GetByDatabaseName(ctx, databaseName)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to load history for %s: %w", databaseName, err)
	}
	return Evaluate(backups, policy, e.now(), e.thinner), nil
}

// Apply deletes every backup of databaseName the policy does not keep. The
// history record is removed only after deleteFn succeeded; failures are
// audited and collected without aborting the batch. An error is returned
// only when the history cannot be loaded.
func (e *Engine) Apply(ctx context.Context, databaseName string, policy types.RetentionPolicy, deleteFn DeleteFunc) (ApplyResult, error) {
	backups, err := e.history.GetByDatabaseName(ctx, databaseName)
	if err != nil {
		return ApplyResult{DatabaseName: databaseName, PolicyID: policy.ID},
			fmt.Errorf("failed to load history for %s: %w", databaseName, err)
	}
	return e.apply(ctx, databaseName, policy, backups, deleteFn), nil
}

func (e *Engine) apply(ctx context.Context, databaseName string, policy types.RetentionPolicy, backups []types.BackupHistory, deleteFn DeleteFunc) ApplyResult {
	plan := Evaluate(backups, policy, e.now(), e.thinner)
	result := ApplyResult{
		DatabaseName: databaseName,
		PolicyID:     policy.ID,
		Plan:         plan,
	}
	if len(plan.Delete) == 0 {
		e.log.Debugf("Retention policy %s keeps all %d backups of %s", policy.Name, len(plan.Retain), databaseName)
		return result
	}

	e.log.Infof("Retention policy %s: deleting %d backups of %s (%s), keeping %d",
		policy.Name, len(plan.Delete), databaseName, humanize.IBytes(uint64(plan.FreedBytes)), len(plan.Retain))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, d := range plan.Delete {
		d := d
		g.Go(func() error {
			err := e.deleteOne(gctx, policy, d, deleteFn)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", d.Backup.BackupID, err))
				return nil
			}
			result.DeletedCount++
			result.FreedSpaceBytes += d.Backup.FileSizeBytes
			return nil
		})
	}
	// Workers never return errors so Wait only synchronizes
	_ = g.Wait()

	return result
}

// deleteOne removes the artifact and then the history record of one backup
func (e *Engine) deleteOne(ctx context.Context, policy types.RetentionPolicy, d Decision, deleteFn DeleteFunc) (err error) {
	b := d.Backup
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delete panicked: %v", r)
			e.recordFailure(ctx, policy, b, err)
		}
	}()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("skipped: %w", err)
	}

	if err := deleteFn(ctx, b); err != nil {
		e.recordFailure(ctx, policy, b, err)
		return err
	}

	if err := e.history.Delete(ctx, b.ID); err != nil {
		e.log.Errorf("Deleted artifact of backup %s but could not remove its history record: %v", b.BackupID, err)
		return fmt.Errorf("artifact removed but history record kept: %w", err)
	}

	metrics.RetentionDeletes.WithLabelValues(b.DatabaseName, "deleted").Inc()
	metrics.RetentionFreedBytes.WithLabelValues(b.DatabaseName).Add(float64(b.FileSizeBytes))

	e.audit.Record(ctx, audit.Entry{
		Action:     audit.BackupDeleted,
		EntityType: audit.EntityHistory,
		EntityID:   b.BackupID,
		Details: map[string]string{
			"databaseName": b.DatabaseName,
			"policyId":     policy.ID,
			"tier":         d.Tier.String(),
			"reason":       string(d.Reason),
			"sizeBytes":    strconv.FormatInt(b.FileSizeBytes, 10),
		},
	})
	e.log.Infof("Deleted backup %s (%s, %s)", b.BackupID, d.Tier, d.Reason)
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, policy types.RetentionPolicy, b types.BackupHistory, err error) {
	metrics.RetentionDeletes.WithLabelValues(b.DatabaseName, "failed").Inc()
	e.audit.Record(ctx, audit.Entry{
		Action:     audit.BackupDeletionFailed,
		EntityType: audit.EntityHistory,
		EntityID:   b.BackupID,
		Failed:     true,
		Details: map[string]string{
			"databaseName": b.DatabaseName,
			"policyId":     policy.ID,
			"error":        err.Error(),
		},
	})
	e.log.Warnf("Failed to delete backup %s: %v", b.BackupID, err)
}

// CleanupAll applies every active policy to the history of its database.
// It never returns an error: a failure to load policies or history is
// reported as a single fatal entry in the result.
func (e *Engine) CleanupAll(ctx context.Context, deleteFn DeleteFunc) CleanupResult {
	result := CleanupResult{StartedAt: e.now()}

	policies, err := e.policies.GetAll(ctx)
	if err != nil {
		result.Errors = []string{fmt.Sprintf("Fatal error: %v", err)}
		e.log.Errorf("Retention cleanup aborted: %v", err)
		result.FinishedAt = e.now()
		return result
	}

	all, err := e.history.GetAll(ctx)
	if err != nil {
		result.Errors = []string{fmt.Sprintf("Fatal error: %v", err)}
		e.log.Errorf("Retention cleanup aborted: %v", err)
		result.FinishedAt = e.now()
		return result
	}

	byDatabase := make(map[string][]types.BackupHistory)
	for _, h := range all {
		byDatabase[h.DatabaseName] = append(byDatabase[h.DatabaseName], h)
	}

	for _, policy := range policies {
		if !policy.IsActive {
			continue
		}
		if err := ValidatePolicy(policy); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s: %v", policy.Name, err))
			continue
		}

		applied := e.apply(ctx, policy.DatabaseName, policy, byDatabase[policy.DatabaseName], deleteFn)
		result.Policies = append(result.Policies, applied)
		result.DeletedCount += applied.DeletedCount
		result.FreedSpaceBytes += applied.FreedSpaceBytes
		for _, msg := range applied.Errors {
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s: %s", policy.Name, msg))
		}

		// Later policies for the same database only see what this one kept
		byDatabase[policy.DatabaseName] = withoutDeleted(byDatabase[policy.DatabaseName], applied)
	}

	e.log.Infof("Retention cleanup finished: %d backups deleted, %s freed, %d errors",
		result.DeletedCount, humanize.IBytes(uint64(result.FreedSpaceBytes)), len(result.Errors))
	result.FinishedAt = e.now()
	return result
}

func withoutDeleted(backups []types.BackupHistory, applied ApplyResult) []types.BackupHistory {
	if len(applied.Plan.Delete) == 0 {
		return backups
	}
	deleted := make(map[uint64]bool)
	for _, d := range applied.Plan.Delete {
		deleted[d.Backup.ID] = true
	}
	remaining := make([]types.BackupHistory, 0, len(backups))
	for _, b := range backups {
		if !deleted[b.ID] {
			remaining = append(remaining, b)
		}
	}
	return remaining
}

// CreatePolicy validates and stores a new policy
func (e *Engine) CreatePolicy(ctx context.Context, policy types.RetentionPolicy, userID string) (*types.RetentionPolicy, error) {
	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if policy.Name == "" {
		policy.Name = policy.DatabaseName
	}
	now := e.now()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	if err := e.policies.Create(ctx, &policy); err != nil {
		return nil, fmt.Errorf("failed to create retention policy: %w", err)
	}

	e.audit.Record(ctx, audit.Entry{
		Action:     audit.RetentionPolicyCreated,
		EntityType: audit.EntityPolicy,
		EntityID:   policy.ID,
		UserID:     userID,
		Details:    policyDetails(policy),
	})
	e.log.Infof("Created retention policy %s for %s", policy.Name, policy.DatabaseName)
	return &policy, nil
}

// UpdatePolicy validates and replaces an existing policy
func (e *Engine) UpdatePolicy(ctx context.Context, policy types.RetentionPolicy, userID string) (*types.RetentionPolicy, error) {
	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}
	existing, err := e.policies.GetByID(ctx, policy.ID)
	if err != nil {
		return nil, err
	}
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = e.now()

	if err := e.policies.Update(ctx, &policy); err != nil {
		return nil, fmt.Errorf("failed to update retention policy: %w", err)
	}

	e.audit.Record(ctx, audit.Entry{
		Action:     audit.RetentionPolicyUpdated,
		EntityType: audit.EntityPolicy,
		EntityID:   policy.ID,
		UserID:     userID,
		Details:    policyDetails(policy),
	})
	e.log.Infof("Updated retention policy %s for %s", policy.Name, policy.DatabaseName)
	return &policy, nil
}

// EnsurePolicies creates the given policies unless one with the same name exists
func (e *Engine) EnsurePolicies(ctx context.Context, policies []types.RetentionPolicy) error {
	existing, err := e.policies.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load retention policies: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, p := range existing {
		names[p.Name] = true
	}

	for _, p := range policies {
		if names[p.Name] {
			continue
		}
		p.IsActive = true
		if _, err := e.CreatePolicy(ctx, p, types.SystemUser); err != nil {
			return err
		}
		names[p.Name] = true
	}
	return nil
}

func policyDetails(p types.RetentionPolicy) map[string]string {
	d := map[string]string{
		"name":         p.Name,
		"databaseName": p.DatabaseName,
		"windows": fmt.Sprintf("%dd/%dw/%dm/%dy",
			p.DailyRetentionDays, p.WeeklyRetentionWeeks, p.MonthlyRetentionMonths, p.YearlyRetentionYears),
		"isActive": strconv.FormatBool(p.IsActive),
	}
	if p.MaxStorageSizeBytes != nil {
		d["maxStorageSizeBytes"] = strconv.FormatInt(*p.MaxStorageSizeBytes, 10)
	}
	if p.MaxBackupCount != nil {
		d["maxBackupCount"] = strconv.Itoa(*p.MaxBackupCount)
	}
	return d
}
