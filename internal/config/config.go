// Package config loads the chainseal configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "CHAINSEAL_CONFIG"

// Duration is a time.Duration written as a Go duration string ("1s", "8h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AuditConfig locates the ledger and the signing key.
type AuditConfig struct {
	Path    string `yaml:"path"`
	KeyFile string `yaml:"key_file"`
	// PublicKeyFile is used by verification when no signing key is present.
	PublicKeyFile string `yaml:"public_key_file"`
}

// SessionConfig tunes the security session.
type SessionConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	DefaultTTL    Duration `yaml:"default_ttl"`
}

// PolicyConfig locates the instrumentation policy.
type PolicyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// AttestConfig locates the attestation registry.
type AttestConfig struct {
	DBPath string `yaml:"db_path"`
}

// MetricsConfig sets the metrics listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig sets the log level and destination. An empty file logs
// to stderr.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the top-level configuration.
type Config struct {
	Audit   AuditConfig   `yaml:"audit"`
	Session SessionConfig `yaml:"session"`
	Policy  PolicyConfig  `yaml:"policy"`
	Attest  AttestConfig  `yaml:"attest"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Dir returns ~/.chainseal, or "" when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chainseal")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := Dir()
	return &Config{
		Audit: AuditConfig{
			Path:    filepath.Join(dir, "ledger.jsonl"),
			KeyFile: filepath.Join(dir, "signing.key"),
		},
		Session: SessionConfig{
			SweepInterval: Duration(time.Second),
			DefaultTTL:    Duration(8 * time.Hour),
		},
		Policy: PolicyConfig{
			Path:  filepath.Join(dir, "policy.yaml"),
			Watch: true,
		},
		Attest: AttestConfig{
			DBPath: filepath.Join(dir, "attest.db"),
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the config path from CHAINSEAL_CONFIG or
// ~/.chainseal/config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads the config at path (DefaultPath when empty). A missing file
// yields defaults; fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Audit.Path == "" {
		return fmt.Errorf("config: audit.path is required")
	}
	if c.Session.SweepInterval.Std() <= 0 {
		return fmt.Errorf("config: session.sweep_interval must be positive")
	}
	if c.Session.DefaultTTL.Std() < 0 {
		return fmt.Errorf("config: session.default_ttl must not be negative")
	}
	return nil
}

func (c *Config) expand() {
	c.Audit.Path = expandHome(c.Audit.Path)
	c.Audit.KeyFile = expandHome(c.Audit.KeyFile)
	c.Audit.PublicKeyFile = expandHome(c.Audit.PublicKeyFile)
	c.Policy.Path = expandHome(c.Policy.Path)
	c.Attest.DBPath = expandHome(c.Attest.DBPath)
	c.Logging.File = expandHome(c.Logging.File)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
