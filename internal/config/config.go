package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models operaflow.yml, the planning policy of a workspace.
type Config struct {
	Penalty     PenaltyPolicy `yaml:"penalty"`
	Conflicts   ConflictRules `yaml:"conflicts"`
	Provisional struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"provisional"`
	// Access overrides entries of the built-in access table: role -> route -> level.
	Access   map[string]map[string]string `yaml:"access"`
	Webhooks []WebhookConfig              `yaml:"webhooks"`
}

// PenaltyPolicy weights the cost of a substitution. All weights are non-negative
// so the score never decreases when role distance or duration grows.
type PenaltyPolicy struct {
	RoleLadder          []string `yaml:"role_ladder"`
	RoleWeight          float64  `yaml:"role_weight"`
	DurationWeight      float64  `yaml:"duration_weight"`
	UnknownRoleDistance int      `yaml:"unknown_role_distance"`
	DefaultMaxDays      int      `yaml:"default_max_days"`
}

// ConflictRules holds overallocation severity thresholds as load ratios.
type ConflictRules struct {
	CriticalRatio float64 `yaml:"critical_ratio"`
	HighRatio     float64 `yaml:"high_ratio"`
	MediumRatio   float64 `yaml:"medium_ratio"`
	LowRatio      float64 `yaml:"low_ratio"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	p := c.Penalty
	if p.RoleWeight < 0 || p.DurationWeight < 0 {
		return fmt.Errorf("config.penalty weights must be >= 0")
	}
	if p.UnknownRoleDistance < 0 {
		return fmt.Errorf("config.penalty.unknown_role_distance must be >= 0")
	}
	if p.DefaultMaxDays <= 0 {
		return fmt.Errorf("config.penalty.default_max_days must be > 0")
	}
	seen := map[string]bool{}
	for _, role := range p.RoleLadder {
		if role == "" {
			return fmt.Errorf("config.penalty.role_ladder contains empty role")
		}
		if seen[role] {
			return fmt.Errorf("config.penalty.role_ladder lists %s twice", role)
		}
		seen[role] = true
	}
	t := c.Conflicts
	if t.MediumRatio <= 0 {
		return fmt.Errorf("config.conflicts.medium_ratio must be > 0")
	}
	if !(t.CriticalRatio >= t.HighRatio && t.HighRatio >= t.MediumRatio && t.MediumRatio >= t.LowRatio) {
		return fmt.Errorf("config.conflicts ratios must satisfy critical >= high >= medium >= low")
	}
	if c.Provisional.TTL <= 0 {
		return fmt.Errorf("config.provisional.ttl must be > 0")
	}
	for role, routes := range c.Access {
		if role == "" {
			return fmt.Errorf("config.access contains empty role")
		}
		for route, level := range routes {
			switch level {
			case "none", "read", "write":
			default:
				return fmt.Errorf("config.access.%s.%s: unknown level %q", role, route, level)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".operaflow", "operaflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the workspace config, or the defaults when no file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in planning policy.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `penalty:
  role_ladder: [apprentice, technician, senior_technician, team_lead, site_manager]
  role_weight: 10
  duration_weight: 5
  unknown_role_distance: 5
  default_max_days: 30

conflicts:
  critical_ratio: 1.5
  high_ratio: 1.2
  medium_ratio: 1.0
  low_ratio: 1.0

provisional:
  ttl: 72h

access: {}
webhooks: []
`
