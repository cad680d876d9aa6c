package metadata

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	filestore "github.com/supporttools/GoBackupKeeper/pkg/metadata"
)

// ImportResult counts the records copied by ImportFileStore
type ImportResult struct {
	Schedules int
	History   int
	Policies  int
	Skipped   int
}

// ImportFileStore copies schedules, policies and history from a file store into
// the database. Records that already exist are skipped so the import can be rerun.
func ImportFileStore(ctx context.Context, file *filestore.Store, repos *Repositories, log *zap.SugaredLogger) (ImportResult, error) {
	log = logger.OrNop(log)
	var result ImportResult

	schedules, err := file.Schedules().GetAll(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read schedules from file store: %w", err)
	}
	for i := range schedules {
		found, err := exists(ctx, repos.Schedules.db, &BackupSchedule{}, schedules[i].ID)
		if err != nil {
			return result, err
		}
		if found {
			result.Skipped++
			continue
		}
		if err := repos.Schedules.Create(ctx, &schedules[i]); err != nil {
			return result, err
		}
		result.Schedules++
	}

	policies, err := file.Policies().GetAll(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read policies from file store: %w", err)
	}
	for i := range policies {
		found, err := exists(ctx, repos.Policies.db, &RetentionPolicy{}, policies[i].ID)
		if err != nil {
			return result, err
		}
		if found {
			result.Skipped++
			continue
		}
		if err := repos.Policies.Create(ctx, &policies[i]); err != nil {
			return result, err
		}
		result.Policies++
	}

	history, err := file.History().GetAll(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read history from file store: %w", err)
	}
	for i := range history {
		found, err := repos.History.ExistsByBackupID(ctx, history[i].BackupID)
		if err != nil {
			return result, err
		}
		if found {
			result.Skipped++
			continue
		}
		if err := repos.History.Create(ctx, &history[i]); err != nil {
			return result, err
		}
		result.History++
	}

	log.Infof("Imported %d schedules, %d policies and %d history records from file store (%d skipped)",
		result.Schedules, result.Policies, result.History, result.Skipped)
	return result, nil
}
