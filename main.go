package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/audit"
	"github.com/supporttools/GoBackupKeeper/pkg/config"
	dbmeta "github.com/supporttools/GoBackupKeeper/pkg/database/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/executor"
	"github.com/supporttools/GoBackupKeeper/pkg/history"
	"github.com/supporttools/GoBackupKeeper/pkg/leader"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/metrics"
	"github.com/supporttools/GoBackupKeeper/pkg/monitoring"
	"github.com/supporttools/GoBackupKeeper/pkg/retention"
	"github.com/supporttools/GoBackupKeeper/pkg/scheduler"
	"github.com/supporttools/GoBackupKeeper/pkg/storage"
	"github.com/supporttools/GoBackupKeeper/pkg/storage/local"
	"github.com/supporttools/GoBackupKeeper/pkg/storage/s3"
	"github.com/supporttools/GoBackupKeeper/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(execute())
}

// execute runs the service and returns the process exit code once every
// deferred cleanup has run
func execute() int {
	if err := config.LoadConfiguration(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	cfg := config.CFG

	appLogger, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	appLogger.Install()
	defer appLogger.Close()
	log := appLogger.SugaredLogger

	log.Infof("Starting GoBackupKeeper %s (commit %s)", version.Version, version.GitCommit)

	if err := config.ValidateConfig(); err != nil {
		log.Errorf("Configuration validation failed: %v", err)
		return 1
	}
	config.DisplayConfiguration()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, appLogger); err != nil {
		log.Errorf("GoBackupKeeper stopped with error: %v", err)
		return 1
	}
	log.Info("GoBackupKeeper stopped")
	return 0
}

func run(ctx context.Context, cfg config.AppConfig, appLogger *logger.Logger) error {
	log := appLogger.SugaredLogger

	stores, err := dbmeta.Open(ctx, cfg, appLogger.Named("metadata"))
	if err != nil {
		return fmt.Errorf("failed to initialize metadata store: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Errorf("Failed to close metadata store: %v", err)
		}
	}()

	recorder := audit.NewRecorder(stores.Audit, appLogger.Named("audit"))
	schedules := scheduler.NewService(stores.Schedules, recorder, appLogger.Named("schedules"))
	ledger := history.NewLedger(stores.History, recorder, appLogger.Named("history"))

	thinner, err := retention.ThinnerFor(cfg.Retention.Thinning)
	if err != nil {
		return err
	}
	engine := retention.NewEngine(stores.History, stores.Policies, recorder, appLogger.Named("retention"),
		retention.WithThinner(thinner),
		retention.WithConcurrency(cfg.Retention.DeleteConcurrency))

	if err := engine.EnsurePolicies(ctx, cfg.Retention.Policies); err != nil {
		return err
	}
	if err := seedSchedules(ctx, schedules, cfg.Schedules, log); err != nil {
		return err
	}

	// Backups are staged in the local directory even when only S3 is enabled
	localClient, err := local.NewClient(cfg.Local.BackupDirectory, appLogger.Named("local"))
	if err != nil {
		return err
	}
	router := storage.NewRouter(appLogger.Named("storage"))
	router.Register(types.StorageLocal, localClient)

	backupExecutor, err := newExecutor(cfg.Executor, appLogger.Named("executor"))
	if err != nil {
		return err
	}

	deps := scheduler.Dependencies{
		Schedules: schedules,
		Ledger:    ledger,
		Retention: engine,
		DeleteFn:  router.DeleteFunc(),
		Executor:  backupExecutor,
		Stager:    localClient,
	}

	var routes []metrics.Route
	if cfg.S3.Enabled {
		s3Client, err := s3.NewClient(ctx, cfg.S3, cfg.Debug, appLogger.Named("s3"))
		if err != nil {
			return err
		}
		router.Register(types.StorageS3, s3Client)
		deps.Uploader = s3Client

		expiry := config.ParseDurationOrDefault(cfg.S3.PresignExpiry, time.Hour)
		routes = append(routes, metrics.Route{
			Pattern: "/backups/download",
			Handler: storage.NewDownloadHandler(stores.History, s3Client, expiry, appLogger.Named("download")),
		})
	}

	deps.Leadership, err = leader.New(cfg.Scheduler, cfg.MetadataDB, appLogger.Named("leader"))
	if err != nil {
		return err
	}

	runner := scheduler.NewRunner(deps, scheduler.RunnerConfig{
		PollSpec:      cfg.Scheduler.PollSpec,
		CleanupSpec:   cfg.Retention.CleanupSpec,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		BackupTimeout: config.ParseDurationOrDefault(cfg.Scheduler.BackupTimeout, 2*time.Hour),
		BackupType:    cfg.Executor.BackupType,
		Compress:      cfg.Executor.Compress,
	}, appLogger.Named("runner"))
	if err := runner.Start(ctx); err != nil {
		return err
	}

	monitor := monitoring.NewMonitor(stores.Schedules, stores.History, appLogger.Named("monitoring"),
		monitoring.WithOverdueGrace(config.ParseDurationOrDefault(cfg.Scheduler.OverdueGrace, monitoring.OverdueGrace)))
	server := metrics.NewServer(cfg.Metrics.Port, monitor, routes...)

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Metrics and health server listening on :%s", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	health := monitor.Check(ctx)
	log.Infof("Initial health status: %s (%d issues)", health.Status, len(health.Issues))
	log.Info("GoBackupKeeper is running. Press Ctrl+C to exit.")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, shutting down...")
	case runErr = <-serverErr:
		log.Errorf("Metrics server failed: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	runner.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Error shutting down HTTP server: %v", err)
	}
	return runErr
}

// newExecutor uses the configured command, or generates a dump command for the configured engine
func newExecutor(cfg config.ExecutorConfig, log *zap.SugaredLogger) (*executor.CommandExecutor, error) {
	if cfg.Command != "" || cfg.Engine == "" {
		if cfg.Command == "" {
			log.Warn("No backup command or engine configured, every backup will fail")
		}
		return executor.NewCommandExecutor(cfg.Command, log), nil
	}

	template, env, err := executor.DumpCommand(executor.DumpTarget{
		Engine:   cfg.Engine,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
	}, cfg.MySQLDump, cfg.PostgresDump)
	if err != nil {
		return nil, err
	}
	return executor.NewCommandExecutor(template, log).WithEnv(env...), nil
}

// seedSchedules creates the schedules declared in the configuration that do not exist yet
func seedSchedules(ctx context.Context, svc *scheduler.Service, seeds []config.ScheduleSeed, log *zap.SugaredLogger) error {
	if len(seeds) == 0 {
		return nil
	}
	reqs := make([]scheduler.CreateRequest, 0, len(seeds))
	for _, seed := range seeds {
		reqs = append(reqs, scheduler.CreateRequest{
			Name:           seed.Name,
			DatabaseName:   seed.DatabaseName,
			CronExpression: seed.CronExpression,
			IsEnabled:      seed.Enabled,
			UserID:         types.SystemUser,
		})
	}
	created, err := svc.EnsureSchedules(ctx, reqs)
	if err != nil {
		return err
	}
	log.Infof("Seeded %d of %d configured schedules", created, len(seeds))
	return nil
}
