// Package retention decides which backups a retention policy keeps and
// removes the rest through a caller supplied delete function.
package retention

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

const (
	day = 24 * time.Hour

	// maxBoundary is used for windows too long to represent as a duration
	maxBoundary = time.Duration(math.MaxInt64)
)

// Tier is the retention window a backup falls into
type Tier int

// Tiers from most to least recent
const (
	TierDaily Tier = iota
	TierWeekly
	TierMonthly
	TierYearly
	TierExpired
)

func (t Tier) String() string {
	switch t {
	case TierDaily:
		return "Daily"
	case TierWeekly:
		return "Weekly"
	case TierMonthly:
		return "Monthly"
	case TierYearly:
		return "Yearly"
	case TierExpired:
		return "Expired"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// Reason explains why a backup is kept or deleted
type Reason string

// Reasons attached to decisions
const (
	ReasonWindow     Reason = "within-window"
	ReasonExpired    Reason = "expired"
	ReasonThinned    Reason = "thinned"
	ReasonStorageCap Reason = "storage-cap"
	ReasonCountCap   Reason = "count-cap"
)

// Boundaries are the cumulative upper age limits of each windowed tier
type Boundaries struct {
	Daily   time.Duration
	Weekly  time.Duration
	Monthly time.Duration
	Yearly  time.Duration
}

// BoundariesFor computes the cumulative window limits of a policy
func BoundariesFor(p types.RetentionPolicy) Boundaries {
	var b Boundaries
	b.Daily = extend(0, p.DailyRetentionDays, 1)
	b.Weekly = extend(b.Daily, p.WeeklyRetentionWeeks, 7)
	b.Monthly = extend(b.Weekly, p.MonthlyRetentionMonths, 30)
	b.Yearly = extend(b.Monthly, p.YearlyRetentionYears, 365)
	return b
}

// extend adds count periods of unitDays to base, saturating at maxBoundary
func extend(base time.Duration, count int, unitDays int64) time.Duration {
	if count <= 0 {
		return base
	}
	maxDays := int64(maxBoundary / day)
	if int64(count) > maxDays/unitDays {
		return maxBoundary
	}
	window := time.Duration(int64(count)*unitDays) * day
	if base > maxBoundary-window {
		return maxBoundary
	}
	return base + window
}

// Tier classifies an age. Every boundary is inclusive.
func (b Boundaries) Tier(age time.Duration) Tier {
	switch {
	case age <= b.Daily:
		return TierDaily
	case age <= b.Weekly:
		return TierWeekly
	case age <= b.Monthly:
		return TierMonthly
	case age <= b.Yearly:
		return TierYearly
	default:
		return TierExpired
	}
}

// Classify places a backup into exactly one tier by its age at now
func Classify(backup types.BackupHistory, policy types.RetentionPolicy, now time.Time) Tier {
	return BoundariesFor(policy).Tier(now.Sub(backup.StartedAt))
}

// ValidatePolicy rejects negative windows and non-positive caps
func ValidatePolicy(p types.RetentionPolicy) error {
	if p.DatabaseName == "" {
		return errors.New("retention policy requires a database name")
	}
	if p.DailyRetentionDays < 0 || p.WeeklyRetentionWeeks < 0 || p.MonthlyRetentionMonths < 0 || p.YearlyRetentionYears < 0 {
		return fmt.Errorf("retention policy %q: retention windows must not be negative", p.Name)
	}
	if p.MaxStorageSizeBytes != nil && *p.MaxStorageSizeBytes <= 0 {
		return fmt.Errorf("retention policy %q: maxStorageSizeBytes must be positive", p.Name)
	}
	if p.MaxBackupCount != nil && *p.MaxBackupCount <= 0 {
		return fmt.Errorf("retention policy %q: maxBackupCount must be positive", p.Name)
	}
	return nil
}

// Decision is the verdict for one backup
type Decision struct {
	Backup types.BackupHistory
	Tier   Tier
	Reason Reason
}

// Plan is the full outcome of evaluating a policy
type Plan struct {
	Retain        []Decision
	Delete        []Decision
	RetainedBytes int64
	FreedBytes    int64
}

// DeleteSet returns the backups to delete, oldest first
func (p Plan) DeleteSet() []types.BackupHistory {
	result := make([]types.BackupHistory, 0, len(p.Delete))
	for _, d := range p.Delete {
		result = append(result, d.Backup)
	}
	return result
}

// TierCounts returns how many retained backups each tier holds
func (p Plan) TierCounts() map[Tier]int {
	counts := make(map[Tier]int)
	for _, d := range p.Retain {
		counts[d.Tier]++
	}
	return counts
}

// SelectForDeletion returns the Success backups the policy does not keep,
// oldest first. Within-window backups are all retained.
func SelectForDeletion(all []types.BackupHistory, policy types.RetentionPolicy, now time.Time) []types.BackupHistory {
	return Evaluate(all, policy, now, RetainAll{}).DeleteSet()
}

// Evaluate classifies every Success backup, thins the weekly, monthly and
// yearly tiers, then enforces the storage and count caps oldest first.
// The input slice is never modified.
func Evaluate(all []types.BackupHistory, policy types.RetentionPolicy, now time.Time, thinner Thinner) Plan {
	if thinner == nil {
		thinner = RetainAll{}
	}
	bounds := BoundariesFor(policy)

	var plan Plan
	byTier := make(map[Tier][]types.BackupHistory)
	for _, b := range all {
		if b.Status != types.StatusSuccess {
			continue
		}
		c := b.Clone()
		tier := bounds.Tier(now.Sub(c.StartedAt))
		if tier == TierExpired {
			plan.Delete = append(plan.Delete, Decision{Backup: c, Tier: tier, Reason: ReasonExpired})
			continue
		}
		byTier[tier] = append(byTier[tier], c)
	}

	var retained []Decision
	for _, tier := range []Tier{TierDaily, TierWeekly, TierMonthly, TierYearly} {
		backups := byTier[tier]
		sortOldestFirst(backups)
		keep := backups
		if tier != TierDaily {
			var drop []types.BackupHistory
			keep, drop = thinner.Thin(tier, backups)
			for _, b := range drop {
				plan.Delete = append(plan.Delete, Decision{Backup: b, Tier: tier, Reason: ReasonThinned})
			}
		}
		for _, b := range keep {
			retained = append(retained, Decision{Backup: b, Tier: tier, Reason: ReasonWindow})
		}
	}

	sort.SliceStable(retained, func(i, j int) bool { return olderThan(retained[i].Backup, retained[j].Backup) })

	var total int64
	for _, d := range retained {
		total += d.Backup.FileSizeBytes
	}

	if policy.MaxStorageSizeBytes != nil {
		limit := *policy.MaxStorageSizeBytes
		for len(retained) > 0 && total > limit {
			evicted := retained[0]
			retained = retained[1:]
			total -= evicted.Backup.FileSizeBytes
			evicted.Reason = ReasonStorageCap
			plan.Delete = append(plan.Delete, evicted)
		}
	}

	if policy.MaxBackupCount != nil {
		limit := *policy.MaxBackupCount
		for len(retained) > 0 && len(retained) > limit {
			evicted := retained[0]
			retained = retained[1:]
			total -= evicted.Backup.FileSizeBytes
			evicted.Reason = ReasonCountCap
			plan.Delete = append(plan.Delete, evicted)
		}
	}

	sort.SliceStable(plan.Delete, func(i, j int) bool { return olderThan(plan.Delete[i].Backup, plan.Delete[j].Backup) })

	plan.Retain = retained
	plan.RetainedBytes = total
	for _, d := range plan.Delete {
		plan.FreedBytes += d.Backup.FileSizeBytes
	}
	return plan
}

// olderThan orders by start time with the record keys as tie breakers so
// evaluation is deterministic
func olderThan(a, b types.BackupHistory) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.Before(b.StartedAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.BackupID < b.BackupID
}

func sortOldestFirst(backups []types.BackupHistory) {
	sort.SliceStable(backups, func(i, j int) bool { return olderThan(backups[i], backups[j]) })
}
