package storage

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// Presigner issues time-limited download URLs for remote artifacts
type Presigner interface {
	GeneratePresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// DownloadHandler redirects GET ?backupId=<id> to a presigned URL of the S3 artifact
type DownloadHandler struct {
	history   types.HistoryStore
	presigner Presigner
	expiry    time.Duration
	log       *zap.SugaredLogger
}

// NewDownloadHandler creates a download handler
func NewDownloadHandler(history types.HistoryStore, presigner Presigner, expiry time.Duration, log *zap.SugaredLogger) *DownloadHandler {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &DownloadHandler{history: history, presigner: presigner, expiry: expiry, log: logger.OrNop(log)}
}

func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	backupID := r.URL.Query().Get("backupId")
	if backupID == "" {
		http.Error(w, "backupId is required", http.StatusBadRequest)
		return
	}

	records, err := h.history.GetAll(r.Context())
	if err != nil {
		h.log.Errorf("Failed to load history for download of %s: %v", backupID, err)
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}

	var backup *types.BackupHistory
	for i := range records {
		if records[i].BackupID == backupID {
			backup = &records[i]
			break
		}
	}
	switch {
	case backup == nil:
		http.Error(w, "backup not found", http.StatusNotFound)
		return
	case backup.Status != types.StatusSuccess:
		http.Error(w, "backup has no artifact", http.StatusConflict)
		return
	case backup.StorageType != types.StorageS3:
		http.Error(w, "only s3 artifacts can be downloaded", http.StatusBadRequest)
		return
	}

	url, err := h.presigner.GeneratePresignedURL(r.Context(), backup.FilePath, h.expiry)
	if err != nil {
		h.log.Errorf("Failed to presign %s: %v", backup.FilePath, err)
		http.Error(w, "failed to generate download URL", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}
