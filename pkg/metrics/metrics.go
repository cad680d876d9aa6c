// Package metrics provides Prometheus metrics for backup lifecycle operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of backups recorded by the history ledger
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gobackupkeeper_backup_total",
		Help: "The total number of backup attempts that completed",
	}, []string{"database", "status"})

	// BackupDuration measures time taken by successful and failed backups
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gobackupkeeper_backup_duration_seconds",
		Help:    "Time taken to perform a backup",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"database"})

	// BackupSize tracks size of the latest backup file in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gobackupkeeper_backup_size_bytes",
		Help: "Size of the latest backup file in bytes",
	}, []string{"database", "storage"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gobackupkeeper_backup_last_success_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"database"})

	// BackupsInFlight counts backups the runner is currently executing
	BackupsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gobackupkeeper_backups_in_flight",
		Help: "Number of backups currently executing",
	})

	// RetentionDeletes counts backups removed or failed to remove by retention
	RetentionDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gobackupkeeper_retention_deletions_total",
		Help: "The total number of backup deletions attempted by retention policy",
	}, []string{"database", "status"})

	// RetentionFreedBytes counts bytes released by retention
	RetentionFreedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gobackupkeeper_retention_freed_bytes_total",
		Help: "Bytes of backup artifacts removed by retention policy",
	}, []string{"database"})

	// SchedulerTicks counts poll ticks by outcome
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gobackupkeeper_scheduler_ticks_total",
		Help: "Scheduler poll ticks by outcome",
	}, []string{"result"})

	// AuditWriteFailures counts audit entries that could not be stored
	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gobackupkeeper_audit_write_failures_total",
		Help: "Audit entries that could not be written",
	})

	// Healthy is 1 when the last health check reported Healthy
	Healthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gobackupkeeper_healthy",
		Help: "1 when the last health check was healthy, 0 otherwise",
	})

	// HealthIssues is the number of issues found by the last health check
	HealthIssues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gobackupkeeper_health_issues",
		Help: "Number of issues reported by the last health check",
	})

	// Schedules counts schedules by state
	Schedules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gobackupkeeper_schedules",
		Help: "Number of backup schedules by state",
	}, []string{"state"})
)

// Route mounts an additional handler on the metrics server
type Route struct {
	Pattern string
	Handler http.Handler
}

// NewServer builds the HTTP server for the metrics and health check endpoints.
// A nil health handler answers OK unconditionally.
func NewServer(port string, health http.Handler, routes ...Route) *http.Server {
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", health)
	for _, route := range routes {
		mux.Handle(route.Pattern, route.Handler)
	}

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
