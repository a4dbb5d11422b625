package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the YAML file read by Load.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Operations    OperationsConfig    `yaml:"operations"`
	Tasks         TasksConfig         `yaml:"tasks"`
	Redis         RedisConfig         `yaml:"redis"`
	NATS          NATSConfig          `yaml:"nats"`
	HTTP          HTTPConfig          `yaml:"http"`
	OTel          OTelConfig          `yaml:"otel"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Verbose       bool                `yaml:"verbose"`
}

// OrchestrationConfig bounds the supervisor loop
type OrchestrationConfig struct {
	MaxRounds int `yaml:"max_rounds"`
}

// OperationsConfig tunes operation garbage collection
type OperationsConfig struct {
	Retention      time.Duration `yaml:"retention"`
	CleanupDefault time.Duration `yaml:"cleanup_default"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
}

// TasksConfig tunes background task execution
type TasksConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxParallel    int           `yaml:"max_parallel"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// DispatchRate is the number of agent turns started per second; zero
	// means unlimited
	DispatchRate  float64 `yaml:"dispatch_rate"`
	DispatchBurst int     `yaml:"dispatch_burst"`
}

// RedisConfig selects the Redis message backend. An empty Addr keeps
// messages in memory.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// NATSConfig enables lifecycle event publication. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HTTPConfig configures the metrics and health server
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// OTelConfig selects the trace exporter: otlp, stdout or none
type OTelConfig struct {
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

// OpenAIConfig configures the LLM decision policy
type OpenAIConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Orchestration: OrchestrationConfig{MaxRounds: 10},
		Operations: OperationsConfig{
			Retention:      30 * time.Second,
			CleanupDefault: 60 * time.Second,
			SweepSchedule:  "@every 30s",
		},
		Tasks: TasksConfig{
			PollInterval: 5 * time.Second,
			MaxParallel:  8,
		},
		NATS: NATSConfig{SubjectPrefix: "agentops.operations"},
		HTTP: HTTPConfig{Port: 9090},
		OTel: OTelConfig{
			Exporter:    "none",
			ServiceName: "agentops",
		},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
	}
}

// LoadEnvFiles loads .env files into the process environment. Missing
// files are skipped; variables already set are kept.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path yields the defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with AGENTOPS_* variables
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("AGENTOPS_REDIS_ADDR", &c.Redis.Addr)
	setString("AGENTOPS_REDIS_PASSWORD", &c.Redis.Password)
	setString("AGENTOPS_NATS_URL", &c.NATS.URL)
	setString("AGENTOPS_OTEL_EXPORTER", &c.OTel.Exporter)
	setString("AGENTOPS_OPENAI_MODEL", &c.OpenAI.Model)
	setString("AGENTOPS_OPENAI_BASE_URL", &c.OpenAI.BaseURL)

	if v := os.Getenv("AGENTOPS_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGENTOPS_HTTP_PORT %q: %w", v, err)
		}
		c.HTTP.Port = port
	}
	if v := os.Getenv("AGENTOPS_MAX_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGENTOPS_MAX_ROUNDS %q: %w", v, err)
		}
		c.Orchestration.MaxRounds = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Orchestration.MaxRounds <= 0 {
		return fmt.Errorf("orchestration.max_rounds must be positive, got %d", c.Orchestration.MaxRounds)
	}
	if c.Operations.Retention < 0 || c.Operations.CleanupDefault < 0 {
		return fmt.Errorf("operations retention and cleanup_default must not be negative")
	}
	if c.Tasks.PollInterval <= 0 {
		return fmt.Errorf("tasks.poll_interval must be positive")
	}
	if c.Tasks.DispatchRate < 0 {
		return fmt.Errorf("tasks.dispatch_rate must not be negative")
	}
	switch c.OTel.Exporter {
	case "", "none", "otlp", "stdout":
	default:
		return fmt.Errorf("unknown otel.exporter %q", c.OTel.Exporter)
	}
	return nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
