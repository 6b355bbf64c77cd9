// Package config handles loading and validating boxkit runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

const (
	// EnvHome overrides the runtime home directory.
	EnvHome = "BOXKIT_HOME"
	// EnvConfig points at an explicit config file.
	EnvConfig = "BOXKIT_CONFIG"

	defaultHomeName = ".boxkit"
)

// Config is the root configuration for a boxkit runtime.
type Config struct {
	Home          string               `json:"home,omitempty" yaml:"home,omitempty"` // Runtime home. Default: ~/.boxkit. Override: BOXKIT_HOME env var.
	Store         StoreConfig          `json:"store" yaml:"store"`
	Images        ImagesConfig         `json:"images" yaml:"images"`
	VM            VMConfig             `json:"vm" yaml:"vm"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = tracing disabled
}

// StoreConfig configures the box record store.
type StoreConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <home>/boxkit.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// ImagesConfig configures image resolution.
type ImagesConfig struct {
	// Registries are tried in order for unqualified image references.
	// First successful pull wins. Fully-qualified references bypass the list.
	Registries []string `json:"registries" yaml:"registries"`
	// CacheDir is where resolved rootfs trees are stored. Default: <home>/images.
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
}

// VMConfig configures VM provisioning and supervision.
type VMConfig struct {
	ShimPath         string        `json:"shim_path,omitempty" yaml:"shim_path,omitempty"`                 // VM shim binary. Default: "boxkit-shim" from PATH.
	DefaultCPUs      int           `json:"default_cpus" yaml:"default_cpus"`                               // Default: 1.
	DefaultMemoryMiB int           `json:"default_memory_mib" yaml:"default_memory_mib"`                   // Default: 512.
	HandshakeTimeout time.Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"` // Default: 30s.
	StopGracePeriod  time.Duration `json:"stop_grace_period,omitempty" yaml:"stop_grace_period,omitempty"` // Default: 5s.
}

// ObservabilityConfig enables tracing of provisioning and execution paths.
type ObservabilityConfig struct {
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"` // nil = tracing disabled
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty"` // Default: "boxkit".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`                             // OTLP collector endpoint.
	Protocol    string  `json:"protocol,omitempty" yaml:"protocol,omitempty"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"` // Default: 1.0.
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file and applies defaults. An empty path falls
// back to BOXKIT_CONFIG, then to <home>/config.yaml if that file exists,
// then to pure defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := &Config{}
	if path == "" {
		candidate := filepath.Join(defaultHome(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Home == "" {
		c.Home = defaultHome()
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Home, "boxkit.db")
	}
	if c.Store.JournalMode == "" {
		c.Store.JournalMode = "wal"
	}
	if len(c.Images.Registries) == 0 {
		c.Images.Registries = []string{"docker.io"}
	}
	if c.Images.CacheDir == "" {
		c.Images.CacheDir = filepath.Join(c.Home, "images")
	}
	if c.VM.ShimPath == "" {
		c.VM.ShimPath = "boxkit-shim"
	}
	if c.VM.DefaultCPUs <= 0 {
		c.VM.DefaultCPUs = 1
	}
	if c.VM.DefaultMemoryMiB <= 0 {
		c.VM.DefaultMemoryMiB = 512
	}
	if c.VM.HandshakeTimeout <= 0 {
		c.VM.HandshakeTimeout = 30 * time.Second
	}
	if c.VM.StopGracePeriod <= 0 {
		c.VM.StopGracePeriod = 5 * time.Second
	}
}

// Validate checks config consistency.
func (c *Config) Validate() error {
	if c.VM.DefaultCPUs > 64 {
		return fmt.Errorf("vm.default_cpus %d exceeds the supported maximum of 64", c.VM.DefaultCPUs)
	}
	if c.Observability != nil && c.Observability.Tracing != nil {
		tr := c.Observability.Tracing
		if tr.Enabled && tr.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if tr.Protocol != "" && tr.Protocol != "grpc" && tr.Protocol != "http" {
			return fmt.Errorf("observability.tracing.protocol must be \"grpc\" or \"http\", got %q", tr.Protocol)
		}
	}
	return nil
}

// BoxesDir returns the directory holding per-box working directories.
func (c *Config) BoxesDir() string { return filepath.Join(c.Home, "boxes") }

// BoxDir returns the working directory of a single box.
func (c *Config) BoxDir(id string) string { return filepath.Join(c.BoxesDir(), id) }

// EnsureHome creates the home directory tree.
func (c *Config) EnsureHome() error {
	for _, dir := range []string{c.Home, c.BoxesDir(), c.Images.CacheDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func defaultHome() string {
	if v := os.Getenv(EnvHome); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultHomeName
	}
	return filepath.Join(home, defaultHomeName)
}
