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
	configPath := filepath.Join(t.TempDir(), "test-config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return configPath
}

func TestLoad(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		configPath := writeConfig(t, `
server:
  listen: ":9090"
  timeout: 45s

crawl:
  timeout: 20s
  attempts: 5
  max_pages: 50
  workers: 3
  parallel: true

jobs:
  retention: 12h
`)
		cfg, err := Load(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, ":9090", cfg.Server.Listen)
		assert.Equal(t, 45*time.Second, cfg.Server.Timeout)
		assert.Equal(t, 20*time.Second, cfg.Crawl.Timeout)
		assert.Equal(t, 5, cfg.Crawl.Attempts)
		assert.Equal(t, 50, cfg.Crawl.MaxPages)
		assert.Equal(t, 3, cfg.Crawl.Workers)
		assert.True(t, cfg.Crawl.Parallel)
		assert.Equal(t, 12*time.Hour, cfg.Jobs.Retention)
	})

	t.Run("defaults", func(t *testing.T) {
		configPath := writeConfig(t, `server: {}`)

		cfg, err := Load(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, ":8080", cfg.Server.Listen)
		assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
		assert.Equal(t, 30*time.Second, cfg.Crawl.Timeout)
		assert.Equal(t, 3, cfg.Crawl.Attempts)
		assert.Equal(t, 500*time.Millisecond, cfg.Crawl.RetryDelay)
		assert.Equal(t, 5, cfg.Crawl.Workers)
		assert.Zero(t, cfg.Crawl.MaxPages)
		assert.Equal(t, "opds-tools/1.0", cfg.Crawl.UserAgent)
		assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
		assert.Equal(t, time.Hour, cfg.Jobs.CleanupInterval)
		assert.Contains(t, cfg.Database.DSN, "opds-tools.db")
	})

	t.Run("environment variables expanded", func(t *testing.T) {
		t.Setenv("TEST_LISTEN_ADDR", ":7070")
		configPath := writeConfig(t, `
server:
  listen: "${TEST_LISTEN_ADDR}"
`)
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, ":7070", cfg.Server.Listen)
	})

	t.Run("file not found", func(t *testing.T) {
		cfg, err := Load("/non/existent/file.yml")
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		configPath := writeConfig(t, `
invalid yaml content
  with bad indentation
    and no structure
`)
		cfg, err := Load(configPath)
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "parse config")
	})

	t.Run("invalid crawl workers", func(t *testing.T) {
		configPath := writeConfig(t, `
crawl:
  workers: -1
`)
		cfg, err := Load(configPath)
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "crawl.workers")
	})

	t.Run("too short retention", func(t *testing.T) {
		configPath := writeConfig(t, `
jobs:
  retention: 5s
`)
		cfg, err := Load(configPath)
		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "jobs.retention")
	})
}

func TestConfig_Getters(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	listen, timeout := cfg.GetServerConfig()
	assert.Equal(t, ":8080", listen)
	assert.Equal(t, 30*time.Second, timeout)

	crawl := cfg.GetCrawlConfig()
	assert.Equal(t, 5, crawl.Workers)

	jobs := cfg.GetJobsConfig()
	assert.Equal(t, 24*time.Hour, jobs.Retention)
}
