package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Web      WebConfig      `yaml:"web"`
	Engine   EngineConfig   `yaml:"engine"`
	Git      GitConfig      `yaml:"git"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ProviderConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	Model           string `yaml:"model"`
	SummaryModel    string `yaml:"summary_model"`
	MaxTokens       int    `yaml:"max_tokens"`
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

type EngineConfig struct {
	AgentTimeout     time.Duration `yaml:"agent_timeout"`
	TaskPollInterval time.Duration `yaml:"task_poll_interval"`
	TaskIdleTimeout  time.Duration `yaml:"task_idle_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type GitConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SandboxConfig struct {
	Image   string `yaml:"image"`   // default image for sandboxed agents
	Network bool   `yaml:"network"` // allow network access inside the sandbox
}

func defaults() Config {
	return Config{
		Provider: ProviderConfig{
			Model:        "claude-sonnet-4-5",
			SummaryModel: "claude-haiku-4-5",
			MaxTokens:    8192,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/hive.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Engine: EngineConfig{
			AgentTimeout:     time.Hour,
			TaskPollInterval: 5 * time.Second,
			TaskIdleTimeout:  2 * time.Minute,
			SweepInterval:    10 * time.Minute,
		},
		Git: GitConfig{
			CommandTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Image: "alpine:3.22",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVE_CONFIG")
	if path == "" {
		path = "config/hive.yaml"
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

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Provider.AnthropicAPIKey = v
	}
	if v := os.Getenv("HIVE_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("HIVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVE_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("HIVE_AGENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.AgentTimeout = d
		}
	}
}
