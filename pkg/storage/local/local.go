// Package local stores backup artifacts on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// Client manages artifacts under one backup directory
type Client struct {
	dir string
	log *zap.SugaredLogger
}

// NewClient creates a client rooted at backupDirectory
func NewClient(backupDirectory string, log *zap.SugaredLogger) (*Client, error) {
	if backupDirectory == "" {
		return nil, fmt.Errorf("local backup directory is not configured")
	}
	dir, err := filepath.Abs(backupDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backup directory %s: %w", backupDirectory, err)
	}
	return &Client{dir: dir, log: logger.OrNop(log)}, nil
}

// Directory returns the backup root
func (c *Client) Directory() string {
	return c.dir
}

// EnsureBackupPath ensures the directory for a database exists
func (c *Client) EnsureBackupPath(databaseName string) (string, error) {
	backupDir := filepath.Join(c.dir, databaseName)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory %s: %w", backupDir, err)
	}
	return backupDir, nil
}

// GetBackupPath returns the full path for a backup file of a database
func (c *Client) GetBackupPath(databaseName, backupFileName string) (string, error) {
	backupDir, err := c.EnsureBackupPath(databaseName)
	if err != nil {
		return "", err
	}
	return filepath.Join(backupDir, backupFileName), nil
}

// resolve returns the absolute path of an artifact, refusing paths outside the backup root
func (c *Client) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(c.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside backup directory %s", path, c.dir)
	}
	return path, nil
}

// Delete removes the artifact of a backup. A missing file counts as deleted.
func (c *Client) Delete(_ context.Context, backup types.BackupHistory) error {
	if backup.FilePath == "" {
		return fmt.Errorf("backup %s has no file path", backup.BackupID)
	}
	path, err := c.resolve(backup.FilePath)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			c.log.Debugf("Local backup %s already removed", path)
			return nil
		}
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	c.log.Infof("Removed local backup: %s", path)
	return nil
}

// Artifact is a backup file found on disk
type Artifact struct {
	DatabaseName string
	Path         string
	Size         int64
	ModTime      time.Time
}

// ListArtifacts walks the backup root and returns every *.sql and *.sql.gz file.
// The first directory below the root is taken as the database name.
func (c *Client) ListArtifacts() ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != c.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".sql.gz") && !strings.HasSuffix(path, ".sql") {
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) < 2 {
			return nil
		}
		artifacts = append(artifacts, Artifact{
			DatabaseName: parts[0],
			Path:         path,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", c.dir, err)
	}
	return artifacts, nil
}
