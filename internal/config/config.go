package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"judgeguard/internal/confine"
)

// DefaultPath is read when neither --config nor JUDGEGUARD_CONFIG is set.
const DefaultPath = "/etc/judgeguard/config.yaml"

// EnvPath names the environment variable holding the config path.
const EnvPath = "JUDGEGUARD_CONFIG"

// Config holds the site configuration shared by runguard and runpipe.
type Config struct {
	Guard   GuardConfig   `yaml:"guard"`
	Cgroup  CgroupConfig  `yaml:"cgroup"`
	Pipe    PipeConfig    `yaml:"pipe"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type GuardConfig struct {
	ValidUsers       []string                 `yaml:"valid_users"`   // names, globs or uids a command may run as
	ChrootPrefix     string                   `yaml:"chroot_prefix"` // --root must resolve below this; empty allows any
	KillDelay        time.Duration            `yaml:"kill_delay"`
	DrainTimeout     time.Duration            `yaml:"drain_timeout"`
	RlimitPermission confine.PermissionPolicy `yaml:"rlimit_permission"` // "warn" or "strict"
	Namespaces       []string                 `yaml:"namespaces"`
	AllowRootCommand bool                     `yaml:"allow_root_command"`
	OnlineCPUsPath   string                   `yaml:"online_cpus_path"`
}

type CgroupConfig struct {
	Disabled       bool          `yaml:"disabled"` // development hosts without cgroup v2 delegation
	Root           string        `yaml:"root"`
	Parent         string        `yaml:"parent"`
	RequireCgroup2 bool          `yaml:"require_cgroup2"`
	DeleteDelay    time.Duration `yaml:"delete_delay"`
	DeleteRetries  int           `yaml:"delete_retries"`
}

type PipeConfig struct {
	ResizePipes     bool          `yaml:"resize_pipes"`
	MaxPipeSizePath string        `yaml:"max_pipe_size_path"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // Prometheus textfile-collector output, empty disables
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Resolve picks the config file: flag, then environment, then the
// default path if it exists. Without any file the defaults are used.
func Resolve(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		if _, err := os.Stat(DefaultPath); err != nil {
			return DefaultConfig(), nil
		}
		path = DefaultPath
	}
	return Load(path)
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Guard: GuardConfig{
			ValidUsers:       []string{"domjudge-run", "domjudge-run-*"},
			KillDelay:        100 * time.Millisecond,
			DrainTimeout:     time.Second,
			RlimitPermission: confine.PolicyWarn,
			Namespaces:       []string{"ipc", "network", "mount", "uts"},
			OnlineCPUsPath:   "/sys/devices/system/cpu/online",
		},
		Cgroup: CgroupConfig{
			Root:           "/sys/fs/cgroup",
			Parent:         "judgeguard",
			RequireCgroup2: true,
			DeleteDelay:    10 * time.Millisecond,
			DeleteRetries:  50,
		},
		Pipe: PipeConfig{
			ResizePipes:     true,
			MaxPipeSizePath: "/proc/sys/fs/pipe-max-size",
			DrainTimeout:    time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Guard.KillDelay <= 0 {
		return fmt.Errorf("guard.kill_delay must be > 0")
	}
	if c.Guard.DrainTimeout <= 0 {
		return fmt.Errorf("guard.drain_timeout must be > 0")
	}
	if !c.Guard.RlimitPermission.Valid() {
		return fmt.Errorf("guard.rlimit_permission must be %q or %q, got %q",
			confine.PolicyWarn, confine.PolicyStrict, c.Guard.RlimitPermission)
	}
	if _, err := confine.ParseNamespaces(c.Guard.Namespaces); err != nil {
		return fmt.Errorf("guard.namespaces: %w", err)
	}
	if c.Guard.ChrootPrefix != "" && !filepath.IsAbs(c.Guard.ChrootPrefix) {
		return fmt.Errorf("guard.chroot_prefix: %q must be an absolute path", c.Guard.ChrootPrefix)
	}
	if !filepath.IsAbs(c.Cgroup.Root) {
		return fmt.Errorf("cgroup.root: %q must be an absolute path", c.Cgroup.Root)
	}
	if c.Cgroup.Parent == "" || filepath.IsAbs(c.Cgroup.Parent) {
		return fmt.Errorf("cgroup.parent: %q must be a relative path", c.Cgroup.Parent)
	}
	if c.Pipe.DrainTimeout <= 0 {
		return fmt.Errorf("pipe.drain_timeout must be > 0")
	}
	if c.Cgroup.DeleteDelay <= 0 || c.Cgroup.DeleteRetries < 1 {
		return fmt.Errorf("cgroup.delete_delay and cgroup.delete_retries must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
