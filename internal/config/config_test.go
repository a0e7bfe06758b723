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
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
storage:
  backend: sqlite
  sqlite:
    path: /tmp/tasks.db
    busy_timeout: 2s
scheduler:
  poll_interval: 250ms
  worker_capacity: 4
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/tasks.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 2*time.Second, cfg.Storage.SQLite.BusyTimeout.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval.Std())
	assert.Equal(t, 4, cfg.Scheduler.WorkerCapacity)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Scheduler.IdentityFile, cfg.Scheduler.IdentityFile)
	assert.Equal(t, Default().Storage.Etcd.Endpoints, cfg.Storage.Etcd.Endpoints)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9090\"\n  port: 9090\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  poll_interval: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "zookeeper" }},
		{"etcd without endpoints", func(c *Config) { c.Storage.Etcd.Endpoints = nil }},
		{"sqlite without path", func(c *Config) {
			c.Storage.Backend = "sqlite"
			c.Storage.SQLite.Path = ""
		}},
		{"zero poll interval", func(c *Config) { c.Scheduler.PollInterval = 0 }},
		{"zero worker capacity", func(c *Config) { c.Scheduler.WorkerCapacity = 0 }},
		{"empty identity file", func(c *Config) { c.Scheduler.IdentityFile = "" }},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
