package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

func TestGetBackupPathCreatesDirectory(t *testing.T) {
	c, err := NewClient(t.TempDir(), nil)
	require.NoError(t, err)

	path, err := c.GetBackupPath("ordersdb", "a.sql.gz")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Directory(), "ordersdb", "a.sql.gz"), path)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(t.TempDir(), nil)
	require.NoError(t, err)

	path, err := c.GetBackupPath("ordersdb", "a.sql.gz")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("dump"), 0644))

	require.NoError(t, c.Delete(ctx, types.BackupHistory{BackupID: "a", FilePath: path}))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Already gone
	assert.NoError(t, c.Delete(ctx, types.BackupHistory{BackupID: "a", FilePath: path}))

	// Relative paths resolve against the backup root
	rel := filepath.Join("ordersdb", "b.sql.gz")
	require.NoError(t, os.WriteFile(filepath.Join(c.Directory(), rel), []byte("dump"), 0644))
	assert.NoError(t, c.Delete(ctx, types.BackupHistory{BackupID: "b", FilePath: rel}))
}

func TestDeleteRefusesPathsOutsideRoot(t *testing.T) {
	c, err := NewClient(t.TempDir(), nil)
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "victim.sql.gz")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	assert.Error(t, c.Delete(context.Background(), types.BackupHistory{BackupID: "x", FilePath: outside}))
	assert.Error(t, c.Delete(context.Background(), types.BackupHistory{BackupID: "x", FilePath: "../victim.sql.gz"}))
	assert.Error(t, c.Delete(context.Background(), types.BackupHistory{BackupID: "x"}))

	_, err = os.Stat(outside)
	assert.NoError(t, err)
}

func TestListArtifacts(t *testing.T) {
	c, err := NewClient(t.TempDir(), nil)
	require.NoError(t, err)

	for _, p := range []string{
		"ordersdb/ordersdb-20261001-020000-aabbccdd.sql.gz",
		"usersdb/usersdb-20261001-020000-11223344.sql",
		"usersdb/notes.txt",
		".metadata/metadata.json",
	} {
		full := filepath.Join(c.Directory(), p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0644))
	}

	artifacts, err := c.ListArtifacts()
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "ordersdb", artifacts[0].DatabaseName)
	assert.Equal(t, "usersdb", artifacts[1].DatabaseName)
}

func TestNewClientRequiresDirectory(t *testing.T) {
	_, err := NewClient("", nil)
	assert.Error(t, err)
}
