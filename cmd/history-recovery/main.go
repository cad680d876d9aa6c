// history-recovery rebuilds backup history from the artifacts left in local and S3 storage
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/database/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	filestore "github.com/supporttools/GoBackupKeeper/pkg/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
	"github.com/supporttools/GoBackupKeeper/pkg/storage/local"
)

var (
	dryRun    = flag.Bool("dry-run", false, "Report what would be recovered without writing history")
	verbose   = flag.Bool("verbose", false, "Enable verbose logging")
	scanLocal = flag.Bool("local", true, "Scan local storage for backups")
	scanS3    = flag.Bool("s3", true, "Scan S3 storage for backups")
	mergeMode = flag.Bool("merge", false, "Add missing records to existing history instead of requiring an empty one")

	// {database}-{yyyymmdd-hhmmss}-{8 hex}.sql[.gz]
	backupFilePattern = regexp.MustCompile(`^(.+)-(\d{8}-\d{6})-([0-9a-f]{8})\.sql(\.gz)?$`)
)

const timestampLayout = "20060102-150405"

// RecoveredBackup is a backup artifact found during recovery
type RecoveredBackup struct {
	BackupID     string
	FileName     string
	Location     string // absolute path or object key
	DatabaseName string
	StartedAt    time.Time
	ModTime      time.Time
	Size         int64
	IsCompressed bool
	IsS3         bool
}

// StorageType returns the storage type recorded on the history entry
func (b RecoveredBackup) StorageType() string {
	if b.IsS3 {
		return types.StorageS3
	}
	return types.StorageLocal
}

// Summary counts what a recovery run did
type Summary struct {
	Recovered  int
	Skipped    int
	Failed     int
	TotalBytes int64
}

func main() {
	flag.Parse()

	if err := config.LoadConfiguration(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.CFG

	level := cfg.Log.Level
	if *verbose {
		level = "debug"
	}
	appLogger, err := logger.New(level, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Close()
	log := appLogger.Named("recovery")

	if err := run(context.Background(), cfg, log); err != nil {
		log.Fatalf("History recovery failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.AppConfig, log *zap.SugaredLogger) error {
	stores, err := metadata.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Errorf("Failed to close metadata store: %v", err)
		}
	}()

	existing, err := stores.History.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read existing history: %w", err)
	}
	if len(existing) > 0 && !*mergeMode {
		log.Infof("Found existing history with %d records. Use -merge to add missing records.", len(existing))
		return nil
	}

	log.Info("Starting history recovery")

	var found []RecoveredBackup
	if *scanLocal && cfg.Local.Enabled {
		client, err := local.NewClient(cfg.Local.BackupDirectory, log.Named("local"))
		if err != nil {
			return err
		}
		backups, err := scanLocalStorage(client, log)
		if err != nil {
			return err
		}
		log.Infof("Found %d backups in local storage", len(backups))
		found = append(found, backups...)
	}

	if *scanS3 && cfg.S3.Enabled {
		api, err := newS3API(cfg.S3)
		if err != nil {
			return err
		}
		backups, err := scanS3Storage(ctx, api, cfg.S3.Bucket, cfg.S3.Prefix, log)
		if err != nil {
			return err
		}
		log.Infof("Found %d backups in S3 storage", len(backups))
		found = append(found, backups...)
	}

	target := stores.History
	if *dryRun {
		target = filestore.NewMemoryStore().History()
	}

	summary := recoverHistory(ctx, target, reconcileBackups(found, log), existingBackupIDs(existing), cfg.Executor.BackupType, log)

	log.Info("Recovery Summary:")
	log.Infof("- Backups recovered: %d", summary.Recovered)
	log.Infof("- Already present: %d", summary.Skipped)
	log.Infof("- Failed: %d", summary.Failed)
	log.Infof("- Total size: %s", humanize.Bytes(uint64(summary.TotalBytes)))
	if *dryRun {
		log.Info("Dry run completed - no changes were saved")
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d backups could not be recorded", summary.Failed)
	}
	return nil
}

// parseBackupFile extracts the backup identity from an artifact file name
func parseBackupFile(name string) (RecoveredBackup, bool) {
	matches := backupFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return RecoveredBackup{}, false
	}
	startedAt, err := time.Parse(timestampLayout, matches[2])
	if err != nil {
		return RecoveredBackup{}, false
	}
	return RecoveredBackup{
		BackupID:     fmt.Sprintf("%s-%s-%s", matches[1], matches[2], matches[3]),
		FileName:     name,
		DatabaseName: matches[1],
		StartedAt:    startedAt,
		IsCompressed: matches[4] != "",
	}, true
}

// scanLocalStorage lists the backup artifacts below the local backup root
func scanLocalStorage(client *local.Client, log *zap.SugaredLogger) ([]RecoveredBackup, error) {
	artifacts, err := client.ListArtifacts()
	if err != nil {
		return nil, err
	}

	var backups []RecoveredBackup
	for _, a := range artifacts {
		backup, ok := parseBackupFile(filepath.Base(a.Path))
		if !ok {
			log.Debugf("Skipping file with non-standard name: %s", a.Path)
			continue
		}
		backup.Location = a.Path
		backup.Size = a.Size
		backup.ModTime = a.ModTime
		backups = append(backups, backup)
	}
	return backups, nil
}

func newS3API(cfg config.S3Config) (s3iface.S3API, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle || cfg.Endpoint != ""),
		DisableSSL:       aws.Bool(!cfg.UseSSL),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return s3.New(sess), nil
}

// scanS3Storage lists the backup objects below prefix
func scanS3Storage(ctx context.Context, api s3iface.S3API, bucket, prefix string, log *zap.SugaredLogger) ([]RecoveredBackup, error) {
	params := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		params.Prefix = aws.String(strings.TrimSuffix(prefix, "/") + "/")
	}

	var backups []RecoveredBackup
	err := api.ListObjectsV2PagesWithContext(ctx, params, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			backup, ok := parseBackupFile(filepath.Base(key))
			if !ok {
				log.Debugf("Skipping S3 object with non-standard name: %s", key)
				continue
			}
			backup.Location = key
			backup.Size = aws.Int64Value(obj.Size)
			backup.ModTime = aws.TimeValue(obj.LastModified)
			backup.IsS3 = true
			backups = append(backups, backup)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects in bucket %s: %w", bucket, err)
	}
	return backups, nil
}

// reconcileBackups keeps one entry per backup ID, preferring the S3 copy, and
// orders the result oldest first
func reconcileBackups(backups []RecoveredBackup, log *zap.SugaredLogger) []RecoveredBackup {
	byID := make(map[string]RecoveredBackup, len(backups))
	for _, b := range backups {
		current, ok := byID[b.BackupID]
		if !ok {
			byID[b.BackupID] = b
			continue
		}
		if current.IsS3 != b.IsS3 {
			log.Debugf("Found backup %s in both local and S3 storage", b.BackupID)
		}
		if b.IsS3 && !current.IsS3 {
			byID[b.BackupID] = b
		}
	}

	reconciled := make([]RecoveredBackup, 0, len(byID))
	for _, b := range byID {
		reconciled = append(reconciled, b)
	}
	sort.Slice(reconciled, func(i, j int) bool {
		if !reconciled[i].StartedAt.Equal(reconciled[j].StartedAt) {
			return reconciled[i].StartedAt.Before(reconciled[j].StartedAt)
		}
		return reconciled[i].BackupID < reconciled[j].BackupID
	})
	return reconciled
}

func existingBackupIDs(records []types.BackupHistory) map[string]bool {
	ids := make(map[string]bool, len(records))
	for _, r := range records {
		ids[r.BackupID] = true
	}
	return ids
}

// recoverHistory writes a Success record for every backup not already known
func recoverHistory(ctx context.Context, store types.HistoryStore, backups []RecoveredBackup, existing map[string]bool, backupType string, log *zap.SugaredLogger) Summary {
	var summary Summary
	for _, b := range backups {
		if existing[b.BackupID] {
			log.Debugf("Skipping existing backup: %s", b.BackupID)
			summary.Skipped++
			continue
		}

		record := historyRecord(b, backupType)
		if err := store.Create(ctx, &record); err != nil {
			log.Errorf("Failed to record backup %s: %v", b.BackupID, err)
			summary.Failed++
			continue
		}
		existing[b.BackupID] = true
		summary.Recovered++
		summary.TotalBytes += b.Size
		log.Debugf("Recovered backup: %s", b.BackupID)
	}
	return summary
}

func historyRecord(b RecoveredBackup, backupType string) types.BackupHistory {
	completedAt := b.ModTime
	if completedAt.IsZero() || completedAt.Before(b.StartedAt) {
		completedAt = b.StartedAt
	}
	duration := completedAt.Sub(b.StartedAt)

	return types.BackupHistory{
		BackupID:      b.BackupID,
		JobName:       "recovery",
		DatabaseName:  b.DatabaseName,
		BackupType:    backupType,
		StorageType:   b.StorageType(),
		Status:        types.StatusSuccess,
		StartedAt:     b.StartedAt,
		CompletedAt:   &completedAt,
		Duration:      &duration,
		FilePath:      b.Location,
		FileName:      b.FileName,
		FileSizeBytes: b.Size,
		IsCompressed:  b.IsCompressed,
		Metadata:      map[string]string{"recovered": "true"},
	}
}
