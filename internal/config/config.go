// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	API     APIConfig     `mapstructure:"api"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	DB      DBConfig      `mapstructure:"db"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// APIConfig controls the research API client.
type APIConfig struct {
	CredentialsFile   string  `mapstructure:"credentials_file"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	MaxCount          int     `mapstructure:"max_count"`
	// RateLimitWaitStrategy is "fixed" or "next_utc_midnight".
	RateLimitWaitStrategy string        `mapstructure:"rate_limit_wait_strategy"`
	FixedWait             time.Duration `mapstructure:"fixed_wait"`
}

// CrawlConfig governs window chunking and per-run limits.
type CrawlConfig struct {
	WindowDays    int  `mapstructure:"window_days"`
	MaxRequests   int  `mapstructure:"max_requests"`
	FetchUserInfo bool `mapstructure:"fetch_user_info"`
	FetchComments bool `mapstructure:"fetch_comments"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ArchiveConfig sets the optional raw-response archive destination.
type ArchiveConfig struct {
	// Provider is "", "local" or "gcs"; empty disables archiving.
	Provider  string `mapstructure:"provider"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TIKCRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("api.requests_per_second", 5.0)
	v.SetDefault("api.max_count", 100)
	v.SetDefault("api.rate_limit_wait_strategy", "fixed")
	v.SetDefault("api.fixed_wait", 4*time.Hour)
	v.SetDefault("crawl.window_days", 28)
	v.SetDefault("archive.prefix", "responses")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.API.MaxCount <= 0 || c.API.MaxCount > 100 {
		return fmt.Errorf("api.max_count must be in 1..100")
	}
	if c.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("api.requests_per_second must be > 0")
	}
	switch c.API.RateLimitWaitStrategy {
	case "fixed", "next_utc_midnight":
	default:
		return fmt.Errorf("api.rate_limit_wait_strategy must be %q or %q", "fixed", "next_utc_midnight")
	}
	if c.API.RateLimitWaitStrategy == "fixed" && c.API.FixedWait <= 0 {
		return fmt.Errorf("api.fixed_wait must be > 0")
	}
	if c.Crawl.WindowDays <= 0 || c.Crawl.WindowDays > 30 {
		return fmt.Errorf("crawl.window_days must be in 1..30")
	}
	switch c.Archive.Provider {
	case "", "local", "gcs":
	default:
		return fmt.Errorf("archive.provider must be empty, %q or %q", "local", "gcs")
	}
	if c.Archive.Provider == "local" && c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir must be set for the local provider")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}
