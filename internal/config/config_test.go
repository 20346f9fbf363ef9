package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Remote.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.Sync.SettleDelay)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.ResolvedRetention)
	assert.Equal(t, "merge", cfg.Conflict.Policy)
	assert.Equal(t, "http://localhost:3000/api/health", cfg.Remote.HealthURL())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database: /var/lib/fieldsync/queue.db
remote:
  base_url: https://clinic.example.org/api/
  request_timeout: 10s
sync:
  interval: 30s
  max_concurrency: 8
  pull: false
backoff:
  max: 1m
conflict:
  policy: manual
schemas: ./schemas
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/fieldsync/queue.db", cfg.Database)
	assert.Equal(t, 10*time.Second, cfg.Remote.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 8, cfg.Sync.MaxConcurrency)
	assert.False(t, cfg.Sync.Pull)
	assert.Equal(t, time.Minute, cfg.Backoff.Max)
	assert.Equal(t, "manual", cfg.Conflict.Policy)
	assert.Equal(t, "./schemas", cfg.Schemas)
	assert.Equal(t, "https://clinic.example.org/api/health", cfg.Remote.HealthURL())

	// Untouched keys keep their defaults.
	assert.Equal(t, "/health", cfg.Remote.HealthPath)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Backoff.Initial)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("sync:\n  intervall: 30s\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intervall")
}

func TestParse_RejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("sync:\n  interval: soon\n"))
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Database = ""
	cfg.Remote.BaseURL = "clinic"
	cfg.Sync.MaxConcurrency = 0
	cfg.Backoff.Multiplier = 0.5
	cfg.Conflict.Policy = "coin-flip"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"database", "remote.base_url", "sync.max_concurrency", "backoff.multiplier", "conflict.policy"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDatabase:  "/tmp/q.db",
		EnvRemoteURL: "https://other.example.org",
		EnvSchemas:   "",
	}
	cfg := Default()
	cfg.Schemas = "./schemas"
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "/tmp/q.db", cfg.Database)
	assert.Equal(t, "https://other.example.org", cfg.Remote.BaseURL)
	assert.Equal(t, "", cfg.Schemas, "an explicitly empty FIELDSYNC_SCHEMAS disables validation")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: from-file.db\n"), 0o644))
	t.Setenv(EnvRemoteURL, "https://env.example.org/api")
	t.Setenv(EnvDatabase, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file.db", cfg.Database)
	assert.Equal(t, "https://env.example.org/api", cfg.Remote.BaseURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
