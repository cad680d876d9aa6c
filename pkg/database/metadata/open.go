package metadata

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	filestore "github.com/supporttools/GoBackupKeeper/pkg/metadata"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// Storage backends
const (
	BackendDatabase = "database"
	BackendFile     = "file"
)

// Stores is the set of repositories the service runs on
type Stores struct {
	Schedules types.ScheduleStore
	History   types.HistoryStore
	Policies  types.PolicyStore
	Audit     types.AuditStore
	Backend   string

	close func() error
}

// Close releases the backend
func (s *Stores) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// Open uses the metadata database when it is enabled and the JSON file store
// otherwise. When the database is used and a metadata file exists, its
// content is imported.
func Open(ctx context.Context, cfg config.AppConfig, log *zap.SugaredLogger) (*Stores, error) {
	log = logger.OrNop(log)

	if !cfg.MetadataDB.Enabled {
		file, err := filestore.NewStore(cfg.MetadataFile, log.Named("filestore"))
		if err != nil {
			return nil, fmt.Errorf("failed to open metadata file: %w", err)
		}
		log.Infof("Using metadata file %s", cfg.MetadataFile)
		return &Stores{
			Schedules: file.Schedules(),
			History:   file.History(),
			Policies:  file.Policies(),
			Audit:     file.Audit(),
			Backend:   BackendFile,
			close:     file.Save,
		}, nil
	}

	db, err := Initialize(cfg.MetadataDB, cfg.Debug, log)
	if err != nil {
		return nil, err
	}
	repos := NewRepositories(db)

	if cfg.MetadataFile != "" {
		if _, err := os.Stat(cfg.MetadataFile); err == nil {
			file, err := filestore.NewStore(cfg.MetadataFile, log.Named("filestore"))
			if err != nil {
				_ = Close(db)
				return nil, fmt.Errorf("failed to open metadata file for import: %w", err)
			}
			result, err := ImportFileStore(ctx, file, repos, log)
			if err != nil {
				_ = Close(db)
				return nil, err
			}
			log.Infof("Imported %d schedules, %d policies and %d history records from %s (%d already present)",
				result.Schedules, result.Policies, result.History, cfg.MetadataFile, result.Skipped)
		}
	}

	log.Infof("Using %s metadata database %s", cfg.MetadataDB.Type, cfg.MetadataDB.Database)
	return &Stores{
		Schedules: repos.Schedules,
		History:   repos.History,
		Policies:  repos.Policies,
		Audit:     repos.Audit,
		Backend:   BackendDatabase,
		close:     func() error { return Close(db) },
	}, nil
}
