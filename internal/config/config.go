package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/helmd/internal/logger"
	"github.com/spf13/viper"
)

// Default values applied when the config file leaves a field empty.
const (
	DefaultRegistryPath   = "services.json"
	DefaultLogsDir        = "logs"
	DefaultStoreDSN       = "sqlite://helmd.db"
	DefaultGracePeriod    = 2 * time.Second
	DefaultHealthTimeout  = 2 * time.Second
	DefaultListen         = "127.0.0.1:5004"
	DefaultSampleSchedule = "@every 30s"
	DefaultEnvFile        = ".flaskenv"
)

// DefaultAllow lists runtime executables whose listeners count as managed services.
var DefaultAllow = []string{"python", "java", "gunicorn", "uvicorn", "hypercorn", "waitress"}

// DefaultScrubEnv lists variables inherited from a reloader parent that must not leak into children.
var DefaultScrubEnv = []string{"WERKZEUG_RUN_MAIN", "WERKZEUG_SERVER_FD"}

// Config is the top-level helmd configuration (helmd.toml).
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Logs     LogsConfig     `mapstructure:"logs"`
	Store    StoreConfig    `mapstructure:"store"`
	History  HistoryConfig  `mapstructure:"history"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Launch   LaunchConfig   `mapstructure:"launch"`
	Health   HealthConfig   `mapstructure:"health"`
	Identity IdentityConfig `mapstructure:"identity"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      logger.Config  `mapstructure:"log"`

	// dir is the directory of the loaded config file; relative paths resolve against it.
	dir string
}

type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

type LogsConfig struct {
	Dir string `mapstructure:"dir"`
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists lifecycle history sinks by DSN (sqlite, postgres, clickhouse, opensearch).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type ProbeConfig struct {
	Allow []string `mapstructure:"allow"`
}

type LaunchConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	ScrubEnv     []string      `mapstructure:"scrub_env"`
	DevModeEnv   string        `mapstructure:"dev_mode_env"`
	ModeEnv      string        `mapstructure:"mode_env"`
	SyncRegistry bool          `mapstructure:"sync_registry"`
}

type HealthConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// IdentityConfig carries the identity-provider admin credentials injected into
// command-launched services. They are never hard-coded.
type IdentityConfig struct {
	AdminUserEnv     string `mapstructure:"admin_user_env"`
	AdminPasswordEnv string `mapstructure:"admin_password_env"`
	AdminUser        string `mapstructure:"admin_user"`
	AdminPassword    string `mapstructure:"admin_password"`
}

// ProxyConfig names the service that is also the reverse-proxy entry point.
type ProxyConfig struct {
	Service    string `mapstructure:"service"`
	PublicPort int    `mapstructure:"public_port"`
	PublicHost string `mapstructure:"public_host"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. Either CertFile/KeyFile or Dir
// (tls.crt, tls.key) must be set; with AutoGenerate a self-signed pair is
// written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	Hosts        []string `mapstructure:"hosts"`
}

type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.path", DefaultRegistryPath)
	v.SetDefault("logs.dir", DefaultLogsDir)
	v.SetDefault("store.dsn", DefaultStoreDSN)
	v.SetDefault("probe.allow", DefaultAllow)
	v.SetDefault("launch.grace_period", DefaultGracePeriod)
	v.SetDefault("launch.scrub_env", DefaultScrubEnv)
	v.SetDefault("launch.dev_mode_env", "HELMD_DEV_MODE")
	v.SetDefault("launch.mode_env", "FLASK_ENV")
	v.SetDefault("launch.sync_registry", true)
	v.SetDefault("health.timeout", DefaultHealthTimeout)
	v.SetDefault("identity.admin_user_env", "KEYCLOAK_ADMIN")
	v.SetDefault("identity.admin_password_env", "KEYCLOAK_ADMIN_PASSWORD")
	v.SetDefault("proxy.public_host", "0.0.0.0")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.schedule", DefaultSampleSchedule)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the helmd config file at path. An empty path yields defaults
// (plus HELMD_* environment overrides) rooted at the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HELMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dir := "."
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dir = filepath.Dir(path)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	c.dir = abs
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks invariants that viper cannot express.
func (c *Config) Validate() error {
	if c.Launch.GracePeriod < 0 {
		return fmt.Errorf("launch.grace_period cannot be negative")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be positive")
	}
	if c.Proxy.Service != "" && c.Proxy.PublicPort <= 0 {
		return fmt.Errorf("proxy.public_port required when proxy.service is set")
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if t := c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		return fmt.Errorf("server.tls requires cert_file/key_file or dir")
	}
	if len(c.Probe.Allow) == 0 {
		return fmt.Errorf("probe.allow must list at least one executable name")
	}
	return nil
}

// Resolve returns p unchanged when absolute, otherwise joined to the config directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	base := c.dir
	if base == "" {
		base = "."
	}
	return filepath.Join(base, p)
}

// ServerTLS returns the TLS settings with file paths resolved against the config directory.
func (c *Config) ServerTLS() TLSConfig {
	t := c.Server.TLS
	t.CertFile = c.Resolve(t.CertFile)
	t.KeyFile = c.Resolve(t.KeyFile)
	t.Dir = c.Resolve(t.Dir)
	return t
}

// RegistryPath is the absolute path of the service registry file.
func (c *Config) RegistryPath() string { return c.Resolve(c.Registry.Path) }

// LogsDir is the absolute logs root.
func (c *Config) LogsDir() string { return c.Resolve(c.Logs.Dir) }

// StoreDSN returns the store DSN with a relative sqlite path resolved against the config directory.
func (c *Config) StoreDSN() string {
	d := strings.TrimSpace(c.Store.DSN)
	if strings.HasPrefix(strings.ToLower(d), "sqlite://") {
		p := d[len("sqlite://"):]
		if p != ":memory:" {
			return "sqlite://" + c.Resolve(p)
		}
	}
	return d
}
