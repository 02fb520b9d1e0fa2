package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Swarm.Enabled)
	assert.Equal(t, 3, cfg.Swarm.Coordinator.QuorumSize)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
logging:
  level: debug
guardian:
  anomalyThreshold: 0.5
eventBus:
  queueSize: 64
server:
  metricsAddr: ":9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.5, cfg.Guardian.AnomalyThreshold)
	assert.Equal(t, 64, cfg.EventBus.QueueSize)
	assert.Equal(t, ":9999", cfg.Server.MetricsAddr)

	// untouched sections keep their defaults
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, Default().Enforcer, cfg.Enforcer)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, t.TempDir(), "store: [not, a, mapping]")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "sqlite" },
			wantErr: "unknown store backend",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Backend = "postgres"; c.Store.Database.DSN = "" },
			wantErr: "requires store.database.dsn",
		},
		{
			name: "postgres with dsn",
			mutate: func(c *Config) {
				c.Store.Backend = "postgres"
				c.Store.Database.DSN = "postgres://localhost/authz"
			},
		},
		{
			name:    "guardian threshold out of range",
			mutate:  func(c *Config) { c.Guardian.AnomalyThreshold = 1.5 },
			wantErr: "anomalyThreshold",
		},
		{
			name:    "quorum below one",
			mutate:  func(c *Config) { c.Swarm.Coordinator.QuorumSize = 0 },
			wantErr: "quorumSize",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}

func TestWatcherSkipsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("store: [broken"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("broken file must not trigger a reload")
	case <-time.After(time.Second):
	}

	// a subsequent valid write still reloads
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not invoked after recovery")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "logging:\n  level: info\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("unrelated file must not trigger a reload")
	case <-time.After(time.Second):
	}
}
