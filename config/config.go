// Package config loads txcache settings from a YAML file, a .env file and
// TXCACHE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gofhir/txcache/pkg/logger"
	"github.com/gofhir/txcache/terminology"
)

// EnvPrefix prefixes every environment override, e.g. TXCACHE_TERMINOLOGY_URL.
const EnvPrefix = "TXCACHE"

// Config is the full txcache configuration.
type Config struct {
	Terminology TerminologyConfig `mapstructure:"terminology"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

// TerminologyConfig selects the remote terminology server and the local
// resources loaded at startup.
type TerminologyConfig struct {
	URL               string              `mapstructure:"url"` // Remote server base URL; empty means degraded mode
	Authorization     AuthorizationConfig `mapstructure:"authorization"`
	Headers           map[string]string   `mapstructure:"headers"` // Sent with every remote request
	RemoteCodeSystems []string            `mapstructure:"remote-code-systems"`
	SwitchedPrefixes  []string            `mapstructure:"switched-prefixes"`
	ConnectTimeout    time.Duration       `mapstructure:"connect-timeout"`
	LoadPaths         []string            `mapstructure:"load-paths"` // Directories or files with local resources
	Packages          []string            `mapstructure:"packages"`   // FHIR packages: name#version, .tgz path or URL
	PackageCache      string              `mapstructure:"package-cache"`
}

// AuthorizationConfig holds the bearer token sent to the remote server.
type AuthorizationConfig struct {
	Token string `mapstructure:"token"`
}

// CacheConfig tunes the caching layer.
type CacheConfig struct {
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// TimeoutsConfig holds bucket TTLs in milliseconds.
type TimeoutsConfig struct {
	ExpandValueSet int64 `mapstructure:"expand-value-set"`
	ValidateCode   int64 `mapstructure:"validate-code"`
	LookupCode     int64 `mapstructure:"lookup-code"`
	TranslateCode  int64 `mapstructure:"translate-code"`
	Misc           int64 `mapstructure:"misc"`
}

// ServerConfig configures the HTTP server started by serve.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// Load reads the configuration. configPath may be empty, in which case
// config.yaml is searched in the working directory and /etc/txcache and
// its absence is not an error. Missing env files are ignored.
func Load(configPath string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/txcache")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("terminology.url", "")
	v.SetDefault("terminology.authorization.token", "")
	v.SetDefault("terminology.headers", map[string]string{})
	v.SetDefault("terminology.remote-code-systems", []string{})
	v.SetDefault("terminology.switched-prefixes", []string{})
	v.SetDefault("terminology.connect-timeout", "2m")
	v.SetDefault("terminology.load-paths", []string{})
	v.SetDefault("terminology.packages", []string{})
	v.SetDefault("terminology.package-cache", "")

	defaults := terminology.DefaultCacheTimeouts()
	v.SetDefault("cache.timeouts.expand-value-set", defaults.ExpandValueSet.Milliseconds())
	v.SetDefault("cache.timeouts.validate-code", defaults.ValidateCode.Milliseconds())
	v.SetDefault("cache.timeouts.lookup-code", defaults.LookupCode.Milliseconds())
	v.SetDefault("cache.timeouts.translate-code", defaults.TranslateCode.Milliseconds())
	v.SetDefault("cache.timeouts.misc", defaults.Misc.Milliseconds())

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks values that decoding alone does not catch.
func (c *Config) Validate() error {
	if c.Terminology.URL != "" {
		u, err := url.Parse(c.Terminology.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("terminology.url %q is not an absolute URL", c.Terminology.URL)
		}
	}
	if c.Terminology.ConnectTimeout < 0 {
		return fmt.Errorf("terminology.connect-timeout must not be negative")
	}

	t := c.Cache.Timeouts
	for name, ms := range map[string]int64{
		"expand-value-set": t.ExpandValueSet,
		"validate-code":    t.ValidateCode,
		"lookup-code":      t.LookupCode,
		"translate-code":   t.TranslateCode,
		"misc":             t.Misc,
	} {
		if ms < 0 {
			return fmt.Errorf("cache.timeouts.%s must not be negative", name)
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format %q must be console or json", c.Log.Format)
	}
	return nil
}

// CacheTimeouts converts the millisecond settings. Zero keeps the default.
func (c *Config) CacheTimeouts() terminology.CacheTimeouts {
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	t := c.Cache.Timeouts
	return terminology.CacheTimeouts{
		ExpandValueSet: ms(t.ExpandValueSet),
		ValidateCode:   ms(t.ValidateCode),
		LookupCode:     ms(t.LookupCode),
		TranslateCode:  ms(t.TranslateCode),
		Misc:           ms(t.Misc),
	}
}
