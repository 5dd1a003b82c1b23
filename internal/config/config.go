// Package config provides configuration management for stitch using Viper
// for loading from files, environment variables and command-line flags.
//
// Values come from .stitch.yml, STITCH_-prefixed environment variables (a
// .env file is loaded into the environment first) and flags bound by the
// cmd package. Load applies defaults and validates the result.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/stitch/internal/errors"
	"github.com/conneroisu/stitch/internal/logging"
)

type Config struct {
	Site   SiteConfig   `mapstructure:"site" yaml:"site" json:"site"`
	Build  BuildConfig  `mapstructure:"build" yaml:"build" json:"build"`
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
	Watch  WatchConfig  `mapstructure:"watch" yaml:"watch" json:"watch"`
	Log    LogConfig    `mapstructure:"log" yaml:"log" json:"log"`
}

type SiteConfig struct {
	Source      string `mapstructure:"source" yaml:"source" json:"source"`
	Output      string `mapstructure:"output" yaml:"output" json:"output"`
	IncludeRoot string `mapstructure:"include_root" yaml:"include_root" json:"include_root"`
}

type BuildConfig struct {
	ExcludePrefix string `mapstructure:"exclude_prefix" yaml:"exclude_prefix" json:"exclude_prefix"`
	MarkupExt     string `mapstructure:"markup_ext" yaml:"markup_ext" json:"markup_ext"`
	Clean         bool   `mapstructure:"clean" yaml:"clean" json:"clean"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host" json:"host"`
	Port           int      `mapstructure:"port" yaml:"port" json:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce" json:"debounce"`
	Ignore   []string      `mapstructure:"ignore" yaml:"ignore" json:"ignore"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// SetDefaults registers default values on v. Registering every key also
// lets AutomaticEnv find STITCH_ overrides for them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("site.source", "website")
	v.SetDefault("site.output", "dist")
	v.SetDefault("site.include_root", "")
	v.SetDefault("build.exclude_prefix", "_")
	v.SetDefault("build.markup_ext", ".html")
	v.SetDefault("build.clean", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("watch.debounce", time.Duration(0))
	v.SetDefault("watch.ignore", []string{".git"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	// Slices set through env vars arrive as a single string.
	if v.IsSet("watch.ignore") {
		config.Watch.Ignore = v.GetStringSlice("watch.ignore")
	}
	if v.IsSet("server.allowed_origins") {
		config.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// IncludeRoot returns the directory include paths are resolved against.
func (c *Config) IncludeRoot() string {
	if c.Site.IncludeRoot != "" {
		return c.Site.IncludeRoot
	}
	return c.Site.Source
}

// Addr returns the host:port the dev server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ReloadEndpoint returns the WebSocket URL pages connect to in live mode.
func (c *Config) ReloadEndpoint() string {
	return c.ReloadEndpointAt(c.Addr())
}

// ReloadEndpointAt returns the WebSocket URL for a server bound to addr. The
// port comes from addr. The host is the configured one, or localhost when
// the server listens on every interface.
func (c *Config) ReloadEndpointAt(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = strconv.Itoa(c.Server.Port)
	}
	host := c.Server.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, port)
}

// LoggerConfig converts the log section into a logging.LoggerConfig.
func (c *Config) LoggerConfig() (*logging.LoggerConfig, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = c.Log.Format
	return lc, nil
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if err := validateSiteConfig(&config.Site); err != nil {
		return fmt.Errorf("site config: %w", err)
	}
	if err := validateBuildConfig(&config.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateLogConfig(&config.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if config.Watch.Debounce < 0 {
		return errors.NewConfigError("BAD_DEBOUNCE", fmt.Sprintf("watch.debounce must not be negative, got %s", config.Watch.Debounce))
	}
	return nil
}

func validateSiteConfig(config *SiteConfig) error {
	if strings.TrimSpace(config.Source) == "" {
		return errors.NewConfigError("EMPTY_SOURCE", "site.source must be set")
	}
	if strings.TrimSpace(config.Output) == "" {
		return errors.NewConfigError("EMPTY_OUTPUT", "site.output must be set")
	}

	// Nesting either way would make a rebuild feed itself or clean wipe sources.
	source, err := filepath.Abs(config.Source)
	if err != nil {
		return fmt.Errorf("resolving source: %w", err)
	}
	output, err := filepath.Abs(config.Output)
	if err != nil {
		return fmt.Errorf("resolving output: %w", err)
	}
	if within(output, source) || within(source, output) {
		return errors.NewConfigError("NESTED_DIRS",
			fmt.Sprintf("source %q and output %q must not contain each other", config.Source, config.Output))
	}
	return nil
}

func validateBuildConfig(config *BuildConfig) error {
	if config.ExcludePrefix == "" {
		return errors.NewConfigError("EMPTY_PREFIX", "build.exclude_prefix must not be empty")
	}
	if !strings.HasPrefix(config.MarkupExt, ".") {
		return errors.NewConfigError("BAD_EXT", fmt.Sprintf("build.markup_ext must start with '.', got %q", config.MarkupExt))
	}
	return nil
}

func validateServerConfig(config *ServerConfig) error {
	// Port 0 is accepted so tests can ask for a system-assigned port.
	if config.Port < 0 || config.Port > 65535 {
		return errors.NewConfigError("BAD_PORT", fmt.Sprintf("port %d is not in valid range 0-65535", config.Port))
	}
	if strings.ContainsAny(config.Host, " /;&|$`<>\"'\\") {
		return errors.NewConfigError("BAD_HOST", fmt.Sprintf("host %q contains invalid characters", config.Host))
	}
	return nil
}

func validateLogConfig(config *LogConfig) error {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		return err
	}
	switch config.Format {
	case "text", "json":
		return nil
	default:
		return errors.NewConfigError("BAD_LOG_FORMAT", fmt.Sprintf("log.format must be text or json, got %q", config.Format))
	}
}

// within reports whether path equals dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
