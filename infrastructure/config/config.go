// Package config loads ucdriver settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "UCDRIVER_"

// Duration is a time.Duration that reads "1m30s" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration.
type Config struct {
	Driver   DriverConfig   `yaml:"driver"`
	Patcher  PatcherConfig  `yaml:"patcher"`
	Logging  LoggingConfig  `yaml:"logging"`
	Profiles ProfilesConfig `yaml:"profiles"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DriverConfig configures the browser and chromedriver launch.
type DriverConfig struct {
	BrowserExecutablePath string   `yaml:"browserExecutablePath"`
	DriverExecutablePath  string   `yaml:"driverExecutablePath"`
	UserDataDir           string   `yaml:"userDataDir"`
	Port                  int      `yaml:"port"`
	Headless              bool     `yaml:"headless"`
	EnableCDPEvents       bool     `yaml:"enableCdpEvents"`
	SuppressWelcome       bool     `yaml:"suppressWelcome"`
	UseSubprocess         bool     `yaml:"useSubprocess"`
	LogLevel              int      `yaml:"logLevel"`
	Arguments             []string `yaml:"arguments"`
	StartupTimeout        Duration `yaml:"startupTimeout"`
}

// PatcherConfig configures driver download and patching.
type PatcherConfig struct {
	Enabled     bool     `yaml:"enabled"`
	DataDir     string   `yaml:"dataDir"`
	VersionMain int      `yaml:"versionMain"`
	Force       bool     `yaml:"force"`
	LegacyURL   string   `yaml:"legacyUrl"`
	CfTURL      string   `yaml:"cftUrl"`
	HTTPTimeout Duration `yaml:"httpTimeout"`
	LockTimeout Duration `yaml:"lockTimeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// ProfilesConfig selects the profile store.
type ProfilesConfig struct {
	// Store is "file" or "mongodb".
	Store string `yaml:"store"`
	Dir   string `yaml:"dir"`
}

// MongoDBConfig configures the MongoDB profile store.
type MongoDBConfig struct {
	URI            string   `yaml:"uri"`
	Database       string   `yaml:"database"`
	ConnectTimeout Duration `yaml:"connectTimeout"`
	PingTimeout    Duration `yaml:"pingTimeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the default configuration.
func Default() *Config {
	base := defaultBaseDir()
	return &Config{
		Driver: DriverConfig{
			SuppressWelcome: true,
			StartupTimeout:  Duration(30 * time.Second),
		},
		Patcher: PatcherConfig{
			Enabled:     true,
			DataDir:     filepath.Join(base, "drivers"),
			LegacyURL:   "https://chromedriver.storage.googleapis.com",
			CfTURL:      "https://googlechromelabs.github.io/chrome-for-testing/latest-versions-per-milestone-with-downloads.json",
			HTTPTimeout: Duration(60 * time.Second),
			LockTimeout: Duration(2 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Dir:        filepath.Join(base, "logs"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
		Profiles: ProfilesConfig{
			Store: "file",
			Dir:   filepath.Join(base, "profiles"),
		},
		MongoDB: MongoDBConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "ucdriver",
			ConnectTimeout: Duration(10 * time.Second),
			PingTimeout:    Duration(5 * time.Second),
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

func defaultBaseDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "ucdriver")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ucdriver.yaml"
	}
	return filepath.Join(dir, "ucdriver", "config.yaml")
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Driver.Port < 0 || c.Driver.Port > 65535 {
		return fmt.Errorf("driver.port %d out of range", c.Driver.Port)
	}
	if c.Patcher.VersionMain < 0 {
		return fmt.Errorf("patcher.versionMain must not be negative")
	}
	switch c.Profiles.Store {
	case "file", "mongodb":
	default:
		return fmt.Errorf("profiles.store must be file or mongodb, got %q", c.Profiles.Store)
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(string) error
}

func (c *Config) bindings() []envBinding {
	return []envBinding{
		{"BROWSER_EXECUTABLE_PATH", setString(&c.Driver.BrowserExecutablePath)},
		{"DRIVER_EXECUTABLE_PATH", setString(&c.Driver.DriverExecutablePath)},
		{"USER_DATA_DIR", setString(&c.Driver.UserDataDir)},
		{"PORT", setInt(&c.Driver.Port)},
		{"HEADLESS", setBool(&c.Driver.Headless)},
		{"ENABLE_CDP_EVENTS", setBool(&c.Driver.EnableCDPEvents)},
		{"USE_SUBPROCESS", setBool(&c.Driver.UseSubprocess)},
		{"VERSION_MAIN", setInt(&c.Patcher.VersionMain)},
		{"PATCHER_FORCE", setBool(&c.Patcher.Force)},
		{"DATA_DIR", setString(&c.Patcher.DataDir)},
		{"LOG_LEVEL", setString(&c.Logging.Level)},
		{"LOG_FORMAT", setString(&c.Logging.Format)},
		{"PROFILE_STORE", setString(&c.Profiles.Store)},
		{"MONGODB_URI", setString(&c.MongoDB.URI)},
		{"METRICS_ADDR", setString(&c.Metrics.Addr)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}
