// Package executor produces backup artifacts by running an external dump command.
package executor

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/logger"
)

// DatabasePlaceholder is replaced with the database name in command templates
const DatabasePlaceholder = "{database}"

// Options tune one execution
type Options struct {
	Compress   bool
	BackupType string
}

// Result describes the artifact written by Execute
type Result struct {
	Success      bool
	ErrorMessage string
	SizeBytes    int64
	Checksum     string
	IsCompressed bool
}

// Executor writes a backup of databaseName to outputPath
type Executor interface {
	Execute(ctx context.Context, databaseName, outputPath string, opts Options) Result
}

// CommandExecutor streams the stdout of a dump command into the artifact file
type CommandExecutor struct {
	template string
	env      []string
	log      *zap.SugaredLogger
}

// NewCommandExecutor creates an executor for a command template such as
// "mysqldump --single-transaction {database}"
func NewCommandExecutor(template string, log *zap.SugaredLogger) *CommandExecutor {
	return &CommandExecutor{template: template, log: logger.OrNop(log)}
}

// WithEnv adds environment variables to every command run
func (e *CommandExecutor) WithEnv(env ...string) *CommandExecutor {
	e.env = append(e.env, env...)
	return e
}

// Command returns the argv for databaseName
func (e *CommandExecutor) Command(databaseName string) []string {
	return strings.Fields(strings.ReplaceAll(e.template, DatabasePlaceholder, databaseName))
}

// Execute runs the command and writes its output to outputPath. The checksum
// is the SHA-256 of the bytes stored on disk.
func (e *CommandExecutor) Execute(ctx context.Context, databaseName, outputPath string, opts Options) Result {
	argv := e.Command(databaseName)
	if len(argv) == 0 {
		return Result{ErrorMessage: "no backup command configured"}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return Result{ErrorMessage: fmt.Sprintf("failed to create backup directory: %v", err)}
	}

	outputFile, err := os.Create(outputPath)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("failed to create backup file: %v", err)}
	}

	hasher := sha256.New()
	var sink io.Writer = io.MultiWriter(outputFile, hasher)
	var gzipWriter *gzip.Writer
	if opts.Compress {
		gzipWriter = gzip.NewWriter(sink)
		sink = gzipWriter
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = sink
	cmd.Stderr = &stderr
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}

	e.log.Infof("Running backup of %s: %s > %s", databaseName, argv[0], outputPath)
	runErr := cmd.Run()

	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to finish compression: %w", err)
		}
	}
	if err := outputFile.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close backup file: %w", err)
	}

	if runErr != nil {
		_ = os.Remove(outputPath)
		msg := fmt.Sprintf("%s failed: %v", argv[0], runErr)
		if out := strings.TrimSpace(stderr.String()); out != "" {
			msg += " - " + out
		}
		if ctx.Err() != nil {
			msg = fmt.Sprintf("%s canceled: %v", argv[0], ctx.Err())
		}
		return Result{ErrorMessage: msg}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("failed to stat backup file: %v", err)}
	}

	return Result{
		Success:      true,
		SizeBytes:    info.Size(),
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		IsCompressed: opts.Compress,
	}
}
