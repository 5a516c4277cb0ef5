// Package config loads the engine configuration from a YAML file with
// environment variable overrides (ENTSYNC_ prefix, e.g.
// ENTSYNC_REPO_URL).
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the complete engine configuration.
type Config struct {
	// Workspace identifies this workspace. Used as the execute lock key
	// and in job snapshots.
	Workspace string `mapstructure:"workspace"`

	Database DatabaseConfig `mapstructure:"database"`
	Repo     RepoConfig     `mapstructure:"repo"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the entity store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
}

// RepoConfig configures the git repository mirror.
type RepoConfig struct {
	URL    string `mapstructure:"url"`
	Branch string `mapstructure:"branch"`

	// CloneDir is where the working clone lives.
	CloneDir string `mapstructure:"clone_dir"`
}

// ServeConfig configures the event stream server.
type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

// JobsConfig tunes the job orchestrator.
type JobsConfig struct {
	// PhaseTimeout bounds one phase without progress. Zero disables it.
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`

	// RetryAttempts and RetryBackoff bound automatic retries of
	// transient repository failures.
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// LogConfig configures engine logging.
type LogConfig struct {
	// File is the log destination. Empty means stderr.
	File string `mapstructure:"file"`

	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Load reads the config file at path. An empty path searches the
// working directory and ~/.config/entsync for entsync.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("workspace", "default")
	v.SetDefault("database.path", defaultDataPath("entsync.db"))
	v.SetDefault("repo.branch", "main")
	v.SetDefault("repo.clone_dir", defaultDataPath("mirror"))
	v.SetDefault("serve.addr", ":8377")
	v.SetDefault("jobs.phase_timeout", "2m")
	v.SetDefault("jobs.retry_attempts", 3)
	v.SetDefault("jobs.retry_backoff", "500ms")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	v.SetEnvPrefix("ENTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(os.ExpandEnv(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("entsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/entsync")
		// A missing config file is fine; defaults and env vars apply.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Branch == "" {
		return fmt.Errorf("repo.branch is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Jobs.RetryAttempts < 1 {
		return fmt.Errorf("jobs.retry_attempts must be at least 1")
	}
	return nil
}

// NewLogger builds the engine logger. With a log file configured the
// output rotates via lumberjack; otherwise it goes to stderr.
func (c *Config) NewLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if c.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   os.ExpandEnv(c.Log.File),
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

// defaultDataPath places engine state under the user's home directory,
// falling back to the working directory when home is unknown.
func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".entsync", name)
}
