// Package config loads procfleet settings from a TOML file with viper.
// Every key has a default and can be overridden from the environment with
// the PROCFLEET_ prefix, e.g. PROCFLEET_SSH_USER or PROCFLEET_GC_IMAGE_MAX_AGE.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procfleet/internal/gc"
	"github.com/loykin/procfleet/internal/logger"
	"github.com/loykin/procfleet/internal/proc"
	"github.com/loykin/procfleet/internal/remote"
	"github.com/loykin/procfleet/internal/supervisor"
	"github.com/loykin/procfleet/internal/transfer"
)

const EnvPrefix = "PROCFLEET"

type SSHConfig struct {
	User                  string        `mapstructure:"user"`
	Port                  int           `mapstructure:"port"`
	KeyFile               string        `mapstructure:"key_file"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	Sudo                  bool          `mapstructure:"sudo"`
}

// Remote converts the section into the transport's settings.
func (c SSHConfig) Remote() remote.SSHConfig {
	return remote.SSHConfig{
		User:                  c.User,
		Port:                  c.Port,
		KeyFile:               c.KeyFile,
		KnownHostsFile:        c.KnownHosts,
		InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
		DialTimeout:           c.DialTimeout,
		Sudo:                  c.Sudo,
	}
}

type SupervisorConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type GCConfig struct {
	ImageMaxAge time.Duration `mapstructure:"image_max_age"`
}

type BuildConfig struct {
	Host      string `mapstructure:"host"`
	TempRoot  string `mapstructure:"temp_root"`
	OutputDir string `mapstructure:"output_dir"`
}

type FleetConfig struct {
	Hosts       []string `mapstructure:"hosts"`
	Parallelism int      `mapstructure:"parallelism"`
}

type MetadataConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig selects the audit sink; an empty DSN disables history.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type Config struct {
	SSH        SSHConfig        `mapstructure:"ssh"`
	Layout     proc.Layout      `mapstructure:"layout"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	GC         GCConfig         `mapstructure:"gc"`
	Build      BuildConfig      `mapstructure:"build"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        logger.Config    `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	layout := proc.DefaultLayout()
	defaults := map[string]any{
		"ssh.user":                     "root",
		"ssh.port":                     22,
		"ssh.key_file":                 "~/.ssh/id_rsa",
		"ssh.known_hosts":              "~/.ssh/known_hosts",
		"ssh.insecure_ignore_host_key": false,
		"ssh.dial_timeout":             "10s",
		"ssh.sudo":                     true,

		"layout.procs_root":  layout.ProcsRoot,
		"layout.builds_root": layout.BuildsRoot,
		"layout.images_root": layout.ImagesRoot,

		"supervisor.timeout": supervisor.DefaultTimeout.String(),
		"gc.image_max_age":   gc.DefaultImageMaxAge.String(),

		"build.host":       "",
		"build.temp_root":  transfer.DefaultTempRoot,
		"build.output_dir": ".",

		"fleet.hosts":       []string{},
		"fleet.parallelism": 4,

		"metadata.dsn": "sqlite://procfleet.db",
		"history.dsn":  "",

		"metrics.enabled": false,
		"metrics.listen":  ":9090",

		"server.listen":    "127.0.0.1:8080",
		"server.base_path": "/api",

		"log.level":        "info",
		"log.file":         "",
		"log.max_size_mb":  logger.DefaultMaxSizeMB,
		"log.max_backups":  logger.DefaultMaxBackups,
		"log.max_age_days": logger.DefaultMaxAgeDays,
		"log.compress":     false,
		"log.no_color":     false,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	return Load("")
}

// Load reads path (TOML) on top of the defaults. An empty path loads only
// defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings no operation could work with.
func (c *Config) Validate() error {
	var errs []error
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port out of range: %d", c.SSH.Port))
	}
	for key, root := range map[string]string{
		"layout.procs_root":  c.Layout.ProcsRoot,
		"layout.builds_root": c.Layout.BuildsRoot,
		"layout.images_root": c.Layout.ImagesRoot,
	} {
		if !strings.HasPrefix(root, "/") || root == "/" {
			errs = append(errs, fmt.Errorf("%s must be an absolute path below /: %q", key, root))
		}
	}
	if c.Supervisor.Timeout <= 0 {
		errs = append(errs, errors.New("supervisor.timeout must be positive"))
	}
	if c.GC.ImageMaxAge <= 0 {
		errs = append(errs, errors.New("gc.image_max_age must be positive"))
	}
	if c.Fleet.Parallelism <= 0 {
		errs = append(errs, errors.New("fleet.parallelism must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
