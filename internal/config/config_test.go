package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLOWSYNC_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.AutosaveDebounce)
	assert.Equal(t, "postgres", cfg.Store)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store: sqlite
sqlitePath: /tmp/fs.db
autosaveDebounce: 750ms
flushMaxAttempts: 3
`), 0o600))

	t.Setenv("FLOWSYNC_CONFIG_FILE", path)
	t.Setenv("FLOWSYNC_FLUSH_MAX_ATTEMPTS", "7")
	t.Setenv("FLOWSYNC_FLUSH_TIMEOUT", "2500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, "/tmp/fs.db", cfg.SQLitePath)
	assert.Equal(t, 750*time.Millisecond, cfg.AutosaveDebounce)
	assert.Equal(t, 7, cfg.FlushMaxAttempts)
	assert.Equal(t, 2500*time.Millisecond, cfg.FlushTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Store = "cassandra"
	cfg.FlushMaxAttempts = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store")
	assert.Contains(t, err.Error(), "flush max attempts")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("FLOWSYNC_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	require.Error(t, err)
}
