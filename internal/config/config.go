// Package config loads posvault configuration from a YAML file, environment
// variables (POSVAULT_*) and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/blackwell-systems/posvault/internal/store"
)

const (
	// FileName is the config file looked up when no path is given.
	FileName  = "posvault.yaml"
	envPrefix = "POSVAULT"
)

// Dir returns the posvault config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/posvault if XDG_CONFIG_HOME is not set.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "posvault"), nil
}

type Config struct {
	DatabasePath string          `mapstructure:"database_path" validate:"required"`
	StatePath    string          `mapstructure:"state_path"`
	SnapshotDir  string          `mapstructure:"snapshot_dir" validate:"required"`
	Listen       string          `mapstructure:"listen" validate:"required,hostname_port"`
	PIDFile      string          `mapstructure:"pid_file"`
	SettleDelay  time.Duration   `mapstructure:"settle_delay" validate:"gte=0"`
	Log          LogConfig       `mapstructure:"log"`
	Remote       RemoteConfig    `mapstructure:"remote"`
	Schedule     *ScheduleConfig `mapstructure:"schedule"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=text json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
}

type RemoteConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Bucket          string        `mapstructure:"bucket" validate:"required_if=Enabled true"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint" validate:"omitempty,url"`
	PathStyle       bool          `mapstructure:"path_style"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Attempts        int           `mapstructure:"attempts" validate:"min=1"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
}

// ScheduleConfig is the optional schedule block. When present it is applied
// to the persisted schedule at startup and whenever the file changes.
type ScheduleConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	IntervalValue int    `mapstructure:"interval_value"`
	IntervalUnit  string `mapstructure:"interval_unit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "pos.db")
	v.SetDefault("state_path", "")
	v.SetDefault("snapshot_dir", "backups")
	v.SetDefault("listen", "127.0.0.1:8780")
	v.SetDefault("pid_file", "")
	v.SetDefault("settle_delay", "1s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.bucket", "")
	v.SetDefault("remote.prefix", "posvault")
	v.SetDefault("remote.region", "")
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.path_style", false)
	v.SetDefault("remote.access_key_id", "")
	v.SetDefault("remote.secret_access_key", "")
	v.SetDefault("remote.attempts", 3)
	v.SetDefault("remote.retry_delay", "2s")
}

// StateFile returns the database holding the schedule and audit history:
// state_path, or posvault-state.db beside the POS database. It is kept out of
// the POS database so a restore never rolls it back.
func (c *Config) StateFile() string {
	if c.StatePath != "" {
		return c.StatePath
	}
	return filepath.Join(filepath.Dir(c.DatabasePath), "posvault-state.db")
}

// Load reads configuration. An explicit path must exist; with an empty path
// posvault.yaml is looked up in the working directory and in Dir, and
// defaults apply if neither has one.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg, including the schedule block against the same bounds
// the schedule store enforces.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Schedule != nil {
		if err := store.ValidateSchedule(cfg.Schedule.Store()); err != nil {
			return fmt.Errorf("invalid schedule block: %w", err)
		}
	}
	return nil
}

// Store converts the block to the persisted schedule shape.
func (s ScheduleConfig) Store() store.ScheduleConfig {
	return store.ScheduleConfig{
		Enabled:       s.Enabled,
		IntervalValue: s.IntervalValue,
		IntervalUnit:  s.IntervalUnit,
	}
}
