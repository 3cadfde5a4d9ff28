// Package config loads stocksync configuration from file, environment,
// and defaults.
//
// Sources are merged in viper's usual precedence order: explicit flags
// beat STOCKSYNC_* environment variables, which beat the config file,
// which beats built-in defaults. The config file is optional; a missing
// file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved stocksync configuration.
type Config struct {
	// DataDir holds the local database, session token, and device id.
	DataDir string `mapstructure:"data_dir"`

	// Backend selects the remote: "postgres", "libsql", or "" for
	// local-only operation.
	Backend string `mapstructure:"backend"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	LibSQL struct {
		URL       string `mapstructure:"url"`
		AuthToken string `mapstructure:"auth_token"`
	} `mapstructure:"libsql"`

	// JWTSecret signs session tokens. Required for login.
	JWTSecret string `mapstructure:"jwt_secret"`

	Sync struct {
		DrainInterval time.Duration `mapstructure:"drain_interval"`
		PullInterval  time.Duration `mapstructure:"pull_interval"`
		BatchSize     int           `mapstructure:"batch_size"`
		MaxAttempts   int           `mapstructure:"max_attempts"`
	} `mapstructure:"sync"`

	Dashboard struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"dashboard"`

	Log struct {
		// File to append logs to. Empty means stderr.
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"log"`
}

// DBPath returns the path of the local SQLite database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "stocksync.db")
}

// Load reads configuration from the given file path (optional; empty
// means search the default locations) plus environment and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STOCKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stocksync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "stocksync"))
		}
	}

	// A search miss is fine; an unreadable or malformed file is not.
	// An explicit path that does not exist fails with a path error.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("data_dir", filepath.Join(home, ".stocksync"))
	v.SetDefault("backend", "")
	// Credential keys need registering for env-only configuration to
	// reach Unmarshal.
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("libsql.url", "")
	v.SetDefault("libsql.auth_token", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("sync.drain_interval", 5*time.Second)
	v.SetDefault("sync.pull_interval", 60*time.Second)
	v.SetDefault("sync.batch_size", 25)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

func (c *Config) validate() error {
	switch c.Backend {
	case "", "postgres", "libsql":
	default:
		return fmt.Errorf("unknown backend %q (want postgres, libsql, or empty)", c.Backend)
	}

	if c.Backend == "postgres" && c.Postgres.DSN == "" {
		return fmt.Errorf("backend postgres requires postgres.dsn")
	}
	if c.Backend == "libsql" && c.LibSQL.URL == "" {
		return fmt.Errorf("backend libsql requires libsql.url")
	}

	if c.Sync.DrainInterval <= 0 {
		return fmt.Errorf("sync.drain_interval must be positive")
	}
	if c.Sync.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	return nil
}
