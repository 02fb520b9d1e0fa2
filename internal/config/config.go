// Package config loads the application configuration and supports hot
// reload through filesystem notifications.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/authz-engine/agentic-core/internal/analyst"
	"github.com/authz-engine/agentic-core/internal/db"
	"github.com/authz-engine/agentic-core/internal/enforcer"
	"github.com/authz-engine/agentic-core/internal/engine"
	"github.com/authz-engine/agentic-core/internal/eventbus"
	"github.com/authz-engine/agentic-core/internal/guardian"
	"github.com/authz-engine/agentic-core/internal/logging"
	"github.com/authz-engine/agentic-core/internal/orchestrator"
	"github.com/authz-engine/agentic-core/internal/swarm"
)

// StoreConfig selects and configures the policy store backend
type StoreConfig struct {
	// Backend is "memory" or "postgres"
	Backend  string    `yaml:"backend"`
	Database db.Config `yaml:"database"`
}

// RedisConfig configures the optional shared rate-limit backend
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdvisorConfig configures natural-language explanation generation
type AdvisorConfig struct {
	// AnthropicAPIKeyEnv names the environment variable holding the API
	// key; empty or unset disables natural language.
	AnthropicAPIKeyEnv string `yaml:"anthropicApiKeyEnv"`
	Model              string `yaml:"model"`
	MaxTokens          int64  `yaml:"maxTokens"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	MetricsAddr string `yaml:"metricsAddr"`
}

// SwarmConfig groups the pool and coordinator settings
type SwarmConfig struct {
	Enabled     bool                    `yaml:"enabled"`
	Pool        swarm.PoolConfig        `yaml:"pool"`
	Coordinator swarm.CoordinatorConfig `yaml:"coordinator"`
}

// EventBusConfig configures the in-process event bus
type EventBusConfig struct {
	QueueSize int `yaml:"queueSize"`
}

// Config is the full application configuration
type Config struct {
	Logging      logging.Config      `yaml:"logging"`
	Store        StoreConfig         `yaml:"store"`
	Engine       engine.Config       `yaml:"engine"`
	Guardian     guardian.Config     `yaml:"guardian"`
	Analyst      analyst.Config      `yaml:"analyst"`
	Enforcer     enforcer.Config     `yaml:"enforcer"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Swarm        SwarmConfig         `yaml:"swarm"`
	EventBus     EventBusConfig      `yaml:"eventBus"`
	Redis        RedisConfig         `yaml:"redis"`
	Advisor      AdvisorConfig       `yaml:"advisor"`
	Server       ServerConfig        `yaml:"server"`
}

// Default returns the configuration used when no file is supplied
func Default() *Config {
	return &Config{
		Logging:      logging.DefaultConfig(),
		Store:        StoreConfig{Backend: "memory", Database: db.DefaultConfig()},
		Engine:       engine.DefaultConfig(),
		Guardian:     guardian.DefaultConfig(),
		Analyst:      analyst.DefaultConfig(),
		Enforcer:     enforcer.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Swarm: SwarmConfig{
			Enabled:     true,
			Pool:        swarm.DefaultPoolConfig(),
			Coordinator: swarm.DefaultCoordinatorConfig(),
		},
		EventBus: EventBusConfig{QueueSize: eventbus.DefaultQueueSize},
		Advisor:  AdvisorConfig{AnthropicAPIKeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 1024},
		Server:   ServerConfig{MetricsAddr: ":9090"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Store.Backend != "memory" && c.Store.Backend != "postgres" {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.Database.DSN == "" {
		return fmt.Errorf("postgres backend requires store.database.dsn")
	}
	if c.Guardian.AnomalyThreshold < 0 || c.Guardian.AnomalyThreshold > 1 {
		return fmt.Errorf("guardian.anomalyThreshold must be in [0,1]")
	}
	if c.Swarm.Coordinator.QuorumSize < 1 {
		return fmt.Errorf("swarm.coordinator.quorumSize must be at least 1")
	}
	return nil
}
