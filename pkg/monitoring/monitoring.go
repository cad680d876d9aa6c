// Package monitoring derives the health of the backup system from its schedules and history.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/cronspec"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/metrics"
)

// Status is the overall health verdict
type Status string

// Health statuses
const (
	StatusHealthy  Status = "Healthy"
	StatusDegraded Status = "Degraded"
	StatusError    Status = "Error"
)

// OverdueGrace is how long past its next run a schedule may be before it is reported overdue
const OverdueGrace = 5 * time.Minute

// Stats summarizes schedules and today's backups
type Stats struct {
	TotalSchedules      int        `json:"totalSchedules"`
	EnabledSchedules    int        `json:"enabledSchedules"`
	DisabledSchedules   int        `json:"disabledSchedules"`
	BackupsToday        int        `json:"backupsToday"`
	FailedToday         int        `json:"failedToday"`
	SuccessRateToday    float64    `json:"successRateToday"`
	LastBackupToday     *time.Time `json:"lastBackupToday,omitempty"`
	NextScheduledBackup *time.Time `json:"nextScheduledBackup,omitempty"`
	DueWithin24Hours    int        `json:"dueWithin24Hours"`
}

// ActiveSchedule is the health view of an enabled schedule
type ActiveSchedule struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	DatabaseName   string     `json:"databaseName"`
	CronExpression string     `json:"cronExpression"`
	NextRunAt      *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	SuccessCount   int64      `json:"successCount"`
	FailureCount   int64      `json:"failureCount"`
}

// Health is the result of a health evaluation
type Health struct {
	IsHealthy       bool             `json:"isHealthy"`
	Status          Status           `json:"status"`
	Issues          []string         `json:"issues"`
	Stats           Stats            `json:"stats"`
	ActiveSchedules []ActiveSchedule `json:"activeSchedules"`
	CheckedAt       time.Time        `json:"checkedAt"`
}

// Upcoming is an enabled schedule that will run soon
type Upcoming struct {
	Name             string        `json:"name"`
	DatabaseName     string        `json:"databaseName"`
	NextRunAt        time.Time     `json:"nextRunAt"`
	TimeUntilNextRun time.Duration `json:"timeUntilNextRun"`
}

// HealthMetrics evaluates schedules and history at now with the default overdue grace
func HealthMetrics(schedules []types.BackupSchedule, history []types.BackupHistory, now time.Time) Health {
	return evaluate(schedules, history, now, OverdueGrace)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func evaluate(schedules []types.BackupSchedule, history []types.BackupHistory, now time.Time, grace time.Duration) Health {
	h := Health{
		Issues:          []string{},
		ActiveSchedules: []ActiveSchedule{},
		CheckedAt:       now,
	}
	h.Stats.TotalSchedules = len(schedules)

	dayEnd := now.Add(24 * time.Hour)
	var overdue, invalid []string
	for _, s := range schedules {
		if !s.IsEnabled {
			h.Stats.DisabledSchedules++
			continue
		}
		h.Stats.EnabledSchedules++
		h.ActiveSchedules = append(h.ActiveSchedules, ActiveSchedule{
			ID:             s.ID,
			Name:           s.Name,
			DatabaseName:   s.DatabaseName,
			CronExpression: s.CronExpression,
			NextRunAt:      s.NextRunAt,
			LastRunAt:      s.LastRunAt,
			SuccessCount:   s.SuccessCount,
			FailureCount:   s.FailureCount,
		})

		if !cronspec.Validate(s.CronExpression) {
			invalid = append(invalid, fmt.Sprintf("Schedule %q has an invalid cron expression %q", s.Name, s.CronExpression))
		}
		if s.NextRunAt == nil {
			continue
		}
		next := *s.NextRunAt
		if h.Stats.NextScheduledBackup == nil || next.Before(*h.Stats.NextScheduledBackup) {
			n := next
			h.Stats.NextScheduledBackup = &n
		}
		if !next.Before(now) && !next.After(dayEnd) {
			h.Stats.DueWithin24Hours++
		}
		if next.Add(grace).Before(now) {
			overdue = append(overdue, fmt.Sprintf("Schedule %q is overdue: next run was %s", s.Name, next.Format(time.RFC3339)))
		}
	}

	var succeeded int
	for _, b := range history {
		startedAt := b.StartedAt.In(now.Location())
		if !sameDay(startedAt, now) {
			continue
		}
		h.Stats.BackupsToday++
		switch b.Status {
		case types.StatusSuccess:
			succeeded++
		case types.StatusFailed:
			h.Stats.FailedToday++
		}
		if h.Stats.LastBackupToday == nil || startedAt.After(*h.Stats.LastBackupToday) {
			t := startedAt
			h.Stats.LastBackupToday = &t
		}
	}
	if h.Stats.BackupsToday > 0 {
		h.Stats.SuccessRateToday = float64(succeeded) / float64(h.Stats.BackupsToday) * 100
	}

	if h.Stats.EnabledSchedules == 0 {
		h.Issues = append(h.Issues, "No enabled schedules")
	}
	h.Issues = append(h.Issues, overdue...)
	h.Issues = append(h.Issues, invalid...)

	h.IsHealthy = len(h.Issues) == 0
	h.Status = StatusHealthy
	if !h.IsHealthy {
		h.Status = StatusDegraded
	}
	return h
}

// UpcomingBackups lists enabled schedules whose next run falls in [now, now+withinHours], soonest first
func UpcomingBackups(schedules []types.BackupSchedule, now time.Time, withinHours int) []Upcoming {
	end := now.Add(time.Duration(withinHours) * time.Hour)
	upcoming := []Upcoming{}
	for _, s := range schedules {
		if !s.IsEnabled || s.NextRunAt == nil {
			continue
		}
		next := *s.NextRunAt
		if next.Before(now) || next.After(end) {
			continue
		}
		upcoming = append(upcoming, Upcoming{
			Name:             s.Name,
			DatabaseName:     s.DatabaseName,
			NextRunAt:        next,
			TimeUntilNextRun: next.Sub(now),
		})
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].NextRunAt.Before(upcoming[j].NextRunAt)
	})
	return upcoming
}

// Monitor evaluates health from the stores
type Monitor struct {
	schedules types.ScheduleStore
	history   types.HistoryStore
	log       *zap.SugaredLogger
	now       func() time.Time
	grace     time.Duration
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithOverdueGrace replaces the default overdue grace
func WithOverdueGrace(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.grace = d
		}
	}
}

// NewMonitor creates a monitor over the schedule and history stores
func NewMonitor(schedules types.ScheduleStore, history types.HistoryStore, log *zap.SugaredLogger, opts ...Option) *Monitor {
	m := &Monitor{
		schedules: schedules,
		history:   history,
		log:       logger.OrNop(log),
		now:       time.Now,
		grace:     OverdueGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check loads schedules and history and evaluates them. A store failure
// yields StatusError with a single issue instead of an error.
func (m *Monitor) Check(ctx context.Context) Health {
	now := m.now()

	schedules, err := m.schedules.GetAll(ctx)
	if err != nil {
		return m.publish(storeError(now, "schedules", err))
	}
	history, err := m.history.GetAll(ctx)
	if err != nil {
		return m.publish(storeError(now, "backup history", err))
	}

	return m.publish(evaluate(schedules, history, now, m.grace))
}

func storeError(now time.Time, what string, err error) Health {
	return Health{
		Status:          StatusError,
		Issues:          []string{fmt.Sprintf("Failed to read %s: %v", what, err)},
		ActiveSchedules: []ActiveSchedule{},
		CheckedAt:       now,
	}
}

// publish exports the verdict as gauges and logs problems
func (m *Monitor) publish(h Health) Health {
	healthy := 0.0
	if h.IsHealthy {
		healthy = 1
	}
	metrics.Healthy.Set(healthy)
	metrics.HealthIssues.Set(float64(len(h.Issues)))
	if h.Status != StatusError {
		metrics.Schedules.WithLabelValues("enabled").Set(float64(h.Stats.EnabledSchedules))
		metrics.Schedules.WithLabelValues("disabled").Set(float64(h.Stats.DisabledSchedules))
	}

	for _, issue := range h.Issues {
		m.log.Warnf("Health issue: %s", issue)
	}
	return h
}

// Upcoming lists the stored schedules due within the next withinHours
func (m *Monitor) Upcoming(ctx context.Context, withinHours int) ([]Upcoming, error) {
	schedules, err := m.schedules.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedules: %w", err)
	}
	return UpcomingBackups(schedules, m.now(), withinHours), nil
}

// ServeHTTP writes the current health as JSON, 503 unless healthy
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if h.IsHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		m.log.Warnf("Failed to write health response: %v", err)
	}
}
