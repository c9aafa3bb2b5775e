package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config/phaserun.yaml"

type Config struct {
	Engine    EngineConfig               `yaml:"engine"`
	Agents    map[string]AgentDefinition `yaml:"agents"`
	Runner    RunnerConfig               `yaml:"runner"`
	NATS      NATSConfig                 `yaml:"nats"`
	Store     StoreConfig                `yaml:"store"`
	Web       WebConfig                  `yaml:"web"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Telegram  TelegramConfig             `yaml:"telegram"`
}

type EngineConfig struct {
	MaxWorkers  int           `yaml:"max_workers"` // 0 = derive from CPU count
	LockTimeout time.Duration `yaml:"lock_timeout"`
	Resources   []string      `yaml:"resources"`
	LogPath     string        `yaml:"log_path"`
	LogMaxSize  int64         `yaml:"log_max_size"` // bytes, 0 disables rotation
}

// AgentDefinition declares an agent's prerequisites and the resources it
// must hold while running.
type AgentDefinition struct {
	DependsOn []string `yaml:"depends_on"`
	Resources []string `yaml:"resources"`
}

type RunnerConfig struct {
	Kind           string            `yaml:"kind"` // auto, exec, lua, docker, simulate
	AgentsDir      string            `yaml:"agents_dir"`
	Timeout        time.Duration     `yaml:"timeout"`
	Image          string            `yaml:"image"`
	SimulatedDelay time.Duration     `yaml:"simulated_delay"`
	Interpreters   map[string]string `yaml:"interpreters"`
}

type NATSConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // -1 picks a random port
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
	PollInterval time.Duration  `yaml:"poll_interval"`
	Runs         []ScheduledRun `yaml:"runs"`
}

// ScheduledRun is a recurring execution request declared in the config file.
type ScheduledRun struct {
	Name     string         `yaml:"name"`
	Agents   []string       `yaml:"agents"`
	Context  map[string]any `yaml:"context"`
	Schedule string         `yaml:"schedule"` // schedule JSON, see internal/schedule
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// DefaultResources is the lock table used when none is configured.
var DefaultResources = []string{"database", "filesystem", "network", "git"}

func defaults() Config {
	return Config{
		Engine: EngineConfig{
			LockTimeout: 5 * time.Second,
			Resources:   append([]string(nil), DefaultResources...),
			LogPath:     "data/parallel_execution.log",
		},
		Runner: RunnerConfig{
			Kind:           "auto",
			AgentsDir:      "agents",
			Timeout:        30 * time.Second,
			Image:          "phaserun-agent:latest",
			SimulatedDelay: 500 * time.Millisecond,
			Interpreters: map[string]string{
				".py": "python3",
				".sh": "sh",
			},
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
		},
		Store: StoreConfig{
			Path: "data/phaserun.db",
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

// Path returns the config file location, honoring PHASERUN_CONFIG.
func Path() string {
	if p := os.Getenv("PHASERUN_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the YAML file at path over the defaults. A missing file is
// not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PHASERUN_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxWorkers = n
		}
	}
	if v := os.Getenv("PHASERUN_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.LockTimeout = d
		}
	}
	if v := os.Getenv("PHASERUN_LOG_PATH"); v != "" {
		cfg.Engine.LogPath = v
	}
	if v := os.Getenv("PHASERUN_RUNNER"); v != "" {
		cfg.Runner.Kind = v
	}
	if v := os.Getenv("PHASERUN_AGENTS_DIR"); v != "" {
		cfg.Runner.AgentsDir = v
	}
	if v := os.Getenv("PHASERUN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PHASERUN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("PHASERUN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("PHASERUN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("PHASERUN_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("PHASERUN_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
}

// Dependencies returns the dependency graph declared under agents. It is nil
// when no agents are configured, in which case callers fall back to the
// built-in graph.
func (c *Config) Dependencies() map[string][]string {
	if len(c.Agents) == 0 {
		return nil
	}
	deps := make(map[string][]string, len(c.Agents))
	for name, def := range c.Agents {
		deps[name] = append([]string(nil), def.DependsOn...)
	}
	return deps
}

// AgentResources returns the resource tags declared per agent.
func (c *Config) AgentResources() map[string][]string {
	res := make(map[string][]string)
	for name, def := range c.Agents {
		if len(def.Resources) > 0 {
			res[name] = append([]string(nil), def.Resources...)
		}
	}
	return res
}
