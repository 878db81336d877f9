package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.True(t, cfg.Logging.Development)
	require.Equal(t, 100, cfg.API.MaxCount)
	require.Equal(t, "fixed", cfg.API.RateLimitWaitStrategy)
	require.Equal(t, 4*time.Hour, cfg.API.FixedWait)
	require.Equal(t, 28, cfg.Crawl.WindowDays)
	require.False(t, cfg.Server.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  development: false
api:
  max_count: 50
  rate_limit_wait_strategy: next_utc_midnight
crawl:
  window_days: 7
  fetch_comments: true
db:
  dsn: postgres://localhost/crawls
server:
  enabled: true
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, 50, cfg.API.MaxCount)
	require.Equal(t, "next_utc_midnight", cfg.API.RateLimitWaitStrategy)
	require.Equal(t, 7, cfg.Crawl.WindowDays)
	require.True(t, cfg.Crawl.FetchComments)
	require.Equal(t, "postgres://localhost/crawls", cfg.DB.DSN)
	require.Equal(t, 9090, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max count too high", func(c *Config) { c.API.MaxCount = 101 }},
		{"max count zero", func(c *Config) { c.API.MaxCount = 0 }},
		{"unknown wait strategy", func(c *Config) { c.API.RateLimitWaitStrategy = "exponential" }},
		{"window too wide", func(c *Config) { c.Crawl.WindowDays = 31 }},
		{"window zero", func(c *Config) { c.Crawl.WindowDays = 0 }},
		{"unknown archive provider", func(c *Config) { c.Archive.Provider = "s3" }},
		{"local archive without dir", func(c *Config) { c.Archive.Provider = "local" }},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Provider = "gcs" }},
		{"server without port", func(c *Config) { c.Server.Enabled = true; c.Server.Port = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func validConfig() Config {
	return Config{
		API: APIConfig{
			RequestsPerSecond:     5,
			MaxCount:              100,
			RateLimitWaitStrategy: "fixed",
			FixedWait:             4 * time.Hour,
		},
		Crawl: CrawlConfig{WindowDays: 28},
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
