package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/chainseal/internal/label"
)

// Rule decides whether matching operations are instrumented.
// Rules are evaluated in order; first match wins.
type Rule struct {
	Component         string       `yaml:"component"`
	Operation         string       `yaml:"operation"`
	Tenant            string       `yaml:"tenant"`
	MinClassification *label.Level `yaml:"min_classification"`
	Instrument        bool         `yaml:"instrument"`
	Reason            string       `yaml:"reason"`
}

// Config is the instrumentation policy.
type Config struct {
	// Default applies when no rule matches.
	Default bool   `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultConfig instruments everything.
func DefaultConfig() *Config {
	return &Config{Default: true}
}

// DefaultPath returns ~/.chainseal/policy.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chainseal", "policy.yaml")
}

// LoadConfig loads the policy from YAML. Empty path falls back to
// DefaultPath. A missing file returns defaults; invalid YAML is an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads the policy and returns the SHA-256 of the raw
// bytes on disk (of empty input when defaults are used). The hash goes
// into forensic envelopes so a record names the policy it ran under.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}
	emptyHash := hashBytes(nil)
	if path == "" {
		return DefaultConfig(), emptyHash, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), emptyHash, nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse policy config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hashBytes(data), nil
}

// Validate rejects rules that can never match.
func (c *Config) Validate() error {
	for i, r := range c.Rules {
		if r.Component == "" && r.Operation == "" && r.Tenant == "" && r.MinClassification == nil {
			return fmt.Errorf("policy rule %d: at least one match field is required", i)
		}
	}
	return nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// matchPattern matches s against a pattern, case-insensitively.
// *x* contains, *x suffix, x* prefix, "" or * anything, exact otherwise.
func matchPattern(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	lowerS := strings.ToLower(s)
	lowerPattern := strings.ToLower(pattern)

	if len(lowerPattern) > 1 && strings.HasPrefix(lowerPattern, "*") && strings.HasSuffix(lowerPattern, "*") {
		return strings.Contains(lowerS, lowerPattern[1:len(lowerPattern)-1])
	}
	if strings.HasPrefix(lowerPattern, "*") {
		return strings.HasSuffix(lowerS, lowerPattern[1:])
	}
	if strings.HasSuffix(lowerPattern, "*") {
		return strings.HasPrefix(lowerS, lowerPattern[:len(lowerPattern)-1])
	}
	return lowerS == lowerPattern
}

func (r Rule) matches(req Request) bool {
	if !matchPattern(r.Component, req.Component) {
		return false
	}
	if !matchPattern(r.Operation, req.Operation) {
		return false
	}
	if r.Tenant != "" && r.Tenant != "*" && r.Tenant != req.TenantID {
		return false
	}
	if r.MinClassification != nil && req.Classification.Level < *r.MinClassification {
		return false
	}
	return true
}

// DefaultConfigYAML returns a commented policy file for `chainseal policy init`.
func DefaultConfigYAML() string {
	return `# chainseal instrumentation policy
#
# Decides which orchestrated operations produce forensic envelopes.
# Rules are evaluated in order. First match wins.
# Errors while evaluating are treated as "instrument" (fail-open).
#
# Fields:
#   component / operation: *x* contains, x* prefix, *x suffix, exact otherwise
#   tenant: exact tenant id or "*"
#   min_classification: public | internal | confidential | secret | top_secret
#   instrument: true | false

default: true

rules:
  # Health checks carry no data worth auditing.
  - component: health
    instrument: false
    reason: "liveness probes"

  # Everything classified confidential or above is always audited.
  - min_classification: confidential
    instrument: true
`
}
