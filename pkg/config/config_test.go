package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 10000, cfg.Cache.L1.MaxEntries)
	assert.Equal(t, 5*time.Minute, cfg.Budget.ReservationTTL)
	assert.Equal(t, 50, cfg.WriteBehind.BatchSize)
	assert.Equal(t, time.Minute, cfg.TenantRate.Windows["command"])
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: development
cache:
  l1:
    max_entries: 500
write_behind:
  batch_size: 10
  max_pending_items: 200
budget:
  drift_tolerance: 0.02
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 500, cfg.Cache.L1.MaxEntries)
	assert.Equal(t, 10, cfg.WriteBehind.BatchSize)
	assert.Equal(t, 0.02, cfg.Budget.DriftTolerance)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.WriteBehind.MaxRetries)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GATEKEEPER_ENVIRONMENT", "development")
	t.Setenv("GATEKEEPER_METRICS_LISTEN_ADDR", ":9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":9999", cfg.Metrics.ListenAddr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero l1 capacity", "cache:\n  l1:\n    max_entries: 0\n"},
		{"pending below batch", "write_behind:\n  batch_size: 100\n  max_pending_items: 10\n"},
		{"drift tolerance out of range", "budget:\n  drift_tolerance: 2.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/gatekeeper.yaml")
	assert.Error(t, err)
}
