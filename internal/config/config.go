// Package config loads the orchestrator configuration from a YAML file
// with defaults and SKIPPER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvDatabase = "SKIPPER_DATABASE"
	EnvLogLevel = "SKIPPER_LOG_LEVEL"
)

// Workflow engines.
const (
	EngineSync        = "sync"
	EngineGoWorkflows = "goworkflows"
	EngineDBOS        = "dbos"
)

// Platform types.
const (
	PlatformLocal     = "local"
	PlatformDocker    = "docker"
	PlatformRecording = "recording"
)

// Health gate modes.
const (
	HealthAccept = "accept"
	HealthStatus = "status"
)

const defaultConfigYAML = `# skipper configuration
database: skipper.db

log:
  level: info
  format: json

workflow:
  engine: sync
  result_timeout: 10m

health:
  mode: accept
  timeout: 5m
  initial_interval: 500ms
  max_interval: 10s

reconcile:
  interval: 30s
  concurrency: 4
  # With the sync engine, releases left DEPLOYING or DELETING for this
  # long by a process that stopped are cleaned up.
  stranded_after: 15m

metrics:
  address: ":9464"

packages:
  root: packages

platforms:
  - name: default
    type: recording
`

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

type WorkflowConfig struct {
	Engine        string        `yaml:"engine" validate:"oneof=sync goworkflows dbos"`
	DBOSURL       string        `yaml:"dbos_url" validate:"required_if=Engine dbos"`
	ResultTimeout time.Duration `yaml:"result_timeout" validate:"gte=0"`
}

type HealthConfig struct {
	Mode            string        `yaml:"mode" validate:"oneof=accept status"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
}

type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	Concurrency   int           `yaml:"concurrency" validate:"gte=1,lte=64"`
	StrandedAfter time.Duration `yaml:"stranded_after" validate:"gte=0"`
}

type MetricsConfig struct {
	// Address is where serve exposes /metrics. Empty disables it.
	Address string `yaml:"address"`
}

type PackagesConfig struct {
	Root string `yaml:"root" validate:"required"`
}

// PlatformConfig declares one deployment target.
type PlatformConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Type       string `yaml:"type" validate:"oneof=local docker recording"`
	WorkDir    string `yaml:"work_dir"`
	DockerHost string `yaml:"docker_host"`
}

// Config models the skipper configuration file.
type Config struct {
	Database  string           `yaml:"database" validate:"required"`
	Log       LogConfig        `yaml:"log"`
	Workflow  WorkflowConfig   `yaml:"workflow"`
	Health    HealthConfig     `yaml:"health"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Packages  PackagesConfig   `yaml:"packages"`
	Platforms []PlatformConfig `yaml:"platforms" validate:"required,min=1,dive"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &c); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return c
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

var validate = validator.New()

// Validate checks field constraints and that platform names are unique.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Platforms))
	for _, p := range c.Platforms {
		if seen[p.Name] {
			return fmt.Errorf("invalid config: duplicate platform %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// DefaultYAML returns the commented default configuration file.
func DefaultYAML() string {
	return strings.TrimLeft(defaultConfigYAML, "\n")
}
