package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.HomeDir)
	assert.Equal(t, filepath.Join(cfg.HomeDir, ".safemod"), cfg.SafemodDir)
	assert.Equal(t, 50, cfg.MaxCheckpoints)
	assert.True(t, cfg.RollbackForceOverwrite)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_LoadFile(t *testing.T) {
	dir := t.TempDir()
	cfg := LoadDir(dir)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_checkpoints: 5
compress_backups: true
drift_debounce: 250ms
log:
  level: debug
`), 0644))

	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, 5, cfg.MaxCheckpoints)
	assert.True(t, cfg.CompressBackups)
	assert.Equal(t, 250*time.Millisecond, cfg.DriftDebounce)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched fields keep defaults
	assert.Equal(t, 1000, cfg.MaxOperations)
}

func TestConfig_LoadFileMissing(t *testing.T) {
	cfg := LoadDir(t.TempDir())
	assert.NoError(t, cfg.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestConfig_LoadFileInvalid(t *testing.T) {
	dir := t.TempDir()
	cfg := LoadDir(dir)
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("max_checkpoints: 0\n"), 0644))
	assert.Error(t, cfg.LoadFile(path))

	require.NoError(t, os.WriteFile(path, []byte("max_checkpoints: [\n"), 0644))
	assert.Error(t, cfg.LoadFile(path))
}

func TestConfig_EnsureDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	cfg := LoadDir(dir)
	require.NoError(t, cfg.EnsureDirs())

	for _, d := range []string{cfg.SafemodDir, cfg.BackupDir, cfg.Log.Dir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
