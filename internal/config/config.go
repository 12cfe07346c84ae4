package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models addie.yml.
type Config struct {
	Orchestrator struct {
		ExceptionSLA time.Duration `yaml:"exception_sla"`
		IngestRetry  struct {
			MaxAttempts int             `yaml:"max_attempts"`
			Backoff     []time.Duration `yaml:"backoff"`
		} `yaml:"ingest_retry"`
		MaxConcurrentRuns  int     `yaml:"max_concurrent_runs"`
		FetchRatePerSecond float64 `yaml:"fetch_rate_per_second"`
	} `yaml:"orchestrator"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with addie config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.ExceptionSLA <= 0 {
		return fmt.Errorf("config.orchestrator.exception_sla must be positive")
	}
	if o.IngestRetry.MaxAttempts < 1 {
		return fmt.Errorf("config.orchestrator.ingest_retry.max_attempts must be at least 1")
	}
	if len(o.IngestRetry.Backoff) > o.IngestRetry.MaxAttempts {
		return fmt.Errorf("config.orchestrator.ingest_retry.backoff has %d entries for %d attempts", len(o.IngestRetry.Backoff), o.IngestRetry.MaxAttempts)
	}
	for i, d := range o.IngestRetry.Backoff {
		if d < 0 {
			return fmt.Errorf("config.orchestrator.ingest_retry.backoff[%d] is negative", i)
		}
	}
	if o.MaxConcurrentRuns < 1 {
		return fmt.Errorf("config.orchestrator.max_concurrent_runs must be at least 1")
	}
	if o.FetchRatePerSecond < 0 {
		return fmt.Errorf("config.orchestrator.fetch_rate_per_second must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	return nil
}

// RolePermissions flattens the RBAC table for the auth layer.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = role.Permissions
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "addie.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

const defaultTemplate = `orchestrator:
  exception_sla: 48h
  ingest_retry:
    max_attempts: 3
    backoff: [0s, 1s, 2s]
  max_concurrent_runs: 4
  fetch_rate_per_second: 2

server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info
  development: false

rbac:
  roles:
    admin:
      description: "Full access"
      permissions: [project.read, project.write, pipeline.run, pipeline.cancel, exception.resolve, rollout.update]
    operator:
      description: "Runs and cancels pipelines"
      permissions: [project.read, project.write, pipeline.run, pipeline.cancel]
    reviewer:
      description: "Resolves routed exceptions"
      permissions: [project.read, exception.resolve]
    viewer:
      description: "Read-only access"
      permissions: [project.read]
`
