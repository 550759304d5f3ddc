// Package config loads volsync settings from the data directory's config
// file and the environment. File values come from .volsync/config.toml;
// every key can be overridden with a VOLSYNC_ environment variable
// (VOLSYNC_REMOTE_URL, VOLSYNC_AUTH_TOKEN, ...).
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

// DataDirName is the per-project data directory.
const DataDirName = ".volsync"

// Config is the resolved runtime configuration.
type Config struct {
	RemoteURL          string        `mapstructure:"remote_url"`
	AuthToken          string        `mapstructure:"auth_token"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	BackupRetain       int           `mapstructure:"backup_retain"`
	ThrottleGap        time.Duration `mapstructure:"throttle_gap"`
	DashboardPort      int           `mapstructure:"dashboard_port"`
	AuditRetentionDays int           `mapstructure:"audit_retention_days"`
}

// Load reads configuration from dataDir/config.toml plus the environment.
// A missing config file is fine; defaults and environment apply.
func Load(dataDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dataDir)

	v.SetEnvPrefix("VOLSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sync_interval", "5m")
	v.SetDefault("batch_size", 100)
	v.SetDefault("backup_retain", 10)
	v.SetDefault("throttle_gap", "200ms")
	v.SetDefault("dashboard_port", 8484)
	v.SetDefault("audit_retention_days", 30)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// FindDataDir walks up from the working directory looking for a .volsync
// directory. Returns empty when none exists.
func FindDataDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// DBPath returns the local database location under the data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "volsync.db")
}

// AuditLogPath returns the rotating audit file location.
func AuditLogPath(dataDir string) string {
	return filepath.Join(dataDir, "audit.log")
}
