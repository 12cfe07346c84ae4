package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addie/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 48*time.Hour, cfg.Orchestrator.ExceptionSLA)
	assert.Equal(t, 3, cfg.Orchestrator.IngestRetry.MaxAttempts)
	assert.Equal(t, []time.Duration{0, time.Second, 2 * time.Second}, cfg.Orchestrator.IngestRetry.Backoff)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Contains(t, cfg.RolePermissions()["reviewer"], "exception.resolve")
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("orchestrator:\n  exception_sla: 2h\n  max_concurrent_runs: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Orchestrator.ExceptionSLA)
	assert.Equal(t, 1, cfg.Orchestrator.MaxConcurrentRuns)
	assert.Equal(t, 3, cfg.Orchestrator.IngestRetry.MaxAttempts)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"sla":      "orchestrator:\n  exception_sla: 0s\n",
		"attempts": "orchestrator:\n  ingest_retry:\n    max_attempts: 0\n",
		"backoff":  "orchestrator:\n  ingest_retry:\n    max_attempts: 1\n    backoff: [0s, 1s]\n",
		"level":    "logging:\n  level: loud\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentRuns)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "addie.yml"), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644))
	cfg, err = config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)

	_, err = config.Load(t.TempDir())
	assert.Error(t, err)
}
