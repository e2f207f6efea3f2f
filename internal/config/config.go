package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node        NodeConfig               `yaml:"node"`
	Consensus   ConsensusConfig          `yaml:"consensus"`
	Coordinator CoordinatorConfig        `yaml:"coordinator"`
	Executor    ExecutorConfig           `yaml:"executor"`
	Rules       []ConflictRule           `yaml:"rules"`
	Agents      map[string]AgentTemplate `yaml:"agents"`
	NATS        NATSConfig               `yaml:"nats"`
	Store       StoreConfig              `yaml:"store"`
	Web         WebConfig                `yaml:"web"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
}

type NodeConfig struct {
	ID string `yaml:"id"`
}

type ConsensusConfig struct {
	Cluster        string        `yaml:"cluster"`
	Peers          []string      `yaml:"peers"`
	FaultThreshold float64       `yaml:"fault_threshold"`
	Timeout        time.Duration `yaml:"timeout"`
}

type CoordinatorConfig struct {
	MaxSwarms         int    `yaml:"max_swarms"`
	ConflictDetection bool   `yaml:"conflict_detection"`
	ExecutionMode     string `yaml:"execution_mode"` // parallel, sequential, hybrid
}

type ExecutorConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// Conflict rule types.
const (
	RuleExclusiveAccess    = "exclusive_access"
	RuleSequentialOrdering = "sequential_ordering"
	RuleRateLimit          = "rate_limit"
)

// ConflictRule is a declarative policy restricting concurrent or ordered
// execution of certain task types and resources. Rules are loaded once at
// startup and read-only afterwards.
type ConflictRule struct {
	ID        string        `yaml:"id"`
	Type      string        `yaml:"type"` // RuleExclusiveAccess, RuleSequentialOrdering, RuleRateLimit
	Resources []string      `yaml:"resources"`
	TaskTypes []string      `yaml:"task_types"`
	MaxCount  int           `yaml:"max_count"`
	Window    time.Duration `yaml:"window"`
}

// AgentTemplate describes a named class of agents that can be added to swarms.
type AgentTemplate struct {
	Type         string   `yaml:"type"`
	Capabilities []string `yaml:"capabilities"`
	Count        int      `yaml:"count"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

func defaults() Config {
	return Config{
		Node: NodeConfig{
			ID: "node-0",
		},
		Consensus: ConsensusConfig{
			Cluster:        "synod",
			FaultThreshold: 0.33,
			Timeout:        5 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MaxSwarms:         10,
			ConflictDetection: true,
			ExecutionMode:     "parallel",
		},
		Executor: ExecutorConfig{
			MaxRetries:  3,
			TaskTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/synod.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SYNOD_CONFIG")
	if path == "" {
		path = "config/synod.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNOD_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("SYNOD_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("SYNOD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SYNOD_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("SYNOD_WEB_TOKEN"); v != "" {
		cfg.Web.Auth = v
	}
}

// Validate checks cross-field constraints that the YAML schema cannot express.
func Validate(cfg *Config) error {
	if cfg.Consensus.FaultThreshold < 0 || cfg.Consensus.FaultThreshold >= 0.5 {
		return fmt.Errorf("fault_threshold must be in [0, 0.5), got %v", cfg.Consensus.FaultThreshold)
	}
	switch cfg.Coordinator.ExecutionMode {
	case "parallel", "sequential", "hybrid":
	default:
		return fmt.Errorf("unknown execution_mode: %s", cfg.Coordinator.ExecutionMode)
	}
	for _, r := range cfg.Rules {
		switch r.Type {
		case RuleExclusiveAccess, RuleSequentialOrdering, RuleRateLimit:
		default:
			return fmt.Errorf("rule %s: unknown type %s", r.ID, r.Type)
		}
		if r.Type == RuleRateLimit && (r.MaxCount <= 0 || r.Window <= 0) {
			return fmt.Errorf("rule %s: rate_limit needs max_count and window", r.ID)
		}
	}
	return nil
}
