// Package config loads recsync settings from a TOML file and RECSYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/agrogringo/recsync/internal/logging"
)

// DefaultFile is the config file looked up when none is given.
const DefaultFile = "recsync.toml"

// EnvPrefix prefixes environment overrides: RECSYNC_USER_ID,
// RECSYNC_REMOTE_URL, RECSYNC_SYNC_INTERVAL and so on.
const EnvPrefix = "RECSYNC"

// Config is the full recsync configuration.
type Config struct {
	UserID       string             `mapstructure:"user_id"`
	Local        LocalConfig        `mapstructure:"local"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Assets       AssetsConfig       `mapstructure:"assets"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          logging.Config     `mapstructure:"log"`
}

// LocalConfig locates the local durable store.
type LocalConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig selects the remote document store.
type RemoteConfig struct {
	Driver       string        `mapstructure:"driver"`
	URL          string        `mapstructure:"url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// AssetsConfig configures the Cloud Storage asset service.
type AssetsConfig struct {
	Bucket          string `mapstructure:"bucket"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	Folder          string `mapstructure:"folder"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// SyncConfig tunes the sync daemon.
type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Debounce         time.Duration `mapstructure:"debounce"`
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"`
}

// ConnectivityConfig configures the reachability probe. An empty ProbeAddr
// treats the device as always online.
type ConnectivityConfig struct {
	ProbeAddr string        `mapstructure:"probe_addr"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DashboardConfig configures the status WebSocket server. Port 0 disables
// it.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// defaults holds every key with its default, in the form written by
// WriteDefault.
func defaults() map[string]any {
	log := logging.DefaultConfig()
	return map[string]any{
		"user_id":                 "",
		"local.path":              filepath.Join(".recsync", "local.db"),
		"remote.driver":           "libsql",
		"remote.url":              "",
		"remote.poll_interval":    "5s",
		"assets.bucket":           "",
		"assets.public_base_url":  "",
		"assets.folder":           "recomendaciones",
		"assets.credentials_file": "",
		"sync.interval":           "30s",
		"sync.debounce":           "500ms",
		"sync.resubscribe_delay":  "5s",
		"connectivity.probe_addr": "",
		"connectivity.timeout":    "3s",
		"dashboard.port":          0,
		"log.mode":                log.Mode,
		"log.level":               log.Level,
		"log.file":                log.File,
		"log.max_size_mb":         log.MaxSizeMB,
		"log.max_backups":         log.MaxBackups,
		"log.max_age_days":        log.MaxAgeDays,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path over the defaults and applies RECSYNC_* overrides. A
// missing file is not an error when path is DefaultFile or empty.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	optional := path == "" || path == DefaultFile
	if path == "" {
		path = DefaultFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	var problems []string
	if c.Local.Path == "" {
		problems = append(problems, "local.path is required")
	}
	if c.Remote.URL != "" && c.Remote.Driver == "" {
		problems = append(problems, "remote.driver is required with remote.url")
	}
	for key, d := range map[string]time.Duration{
		"remote.poll_interval":   c.Remote.PollInterval,
		"sync.interval":          c.Sync.Interval,
		"sync.debounce":          c.Sync.Debounce,
		"sync.resubscribe_delay": c.Sync.ResubscribeDelay,
		"connectivity.timeout":   c.Connectivity.Timeout,
	} {
		if d < 0 {
			problems = append(problems, key+" must not be negative")
		}
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		problems = append(problems, "dashboard.port out of range")
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// WriteDefault writes the default configuration to path as TOML. An
// existing file is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(newViper().AllSettings()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return file.Close()
}
