package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// DefaultSystemPrompt is injected ahead of every message history
const DefaultSystemPrompt = "You are a helpful assistant. You are concise and ask any necessary questions."

// Config holds application configuration
type Config struct {
	Backend      string `yaml:"backend"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	Debug        bool   `yaml:"debug"`
	OllamaModel  string `yaml:"ollama_model"` // Model specification in format "model:version" (e.g., "llama3:latest")
	OllamaURL    string `yaml:"ollama_url"`
	GrokBaseURL  string `yaml:"grok_base_url"`

	// Provider keys come from the environment only
	OpenAIKey    string `yaml:"-"`
	AnthropicKey string `yaml:"-"`
	GrokKey      string `yaml:"-"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Client    ClientConfig    `yaml:"client"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	MaxStreamDuration time.Duration `yaml:"max_stream_duration"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence driver
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"` // sqlite only, used when DSN is empty
}

// CacheConfig configures the reply cache
type CacheConfig struct {
	Kind      string        `yaml:"kind"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// LogConfig configures the rotated slog output
type LogConfig struct {
	Dir    string `yaml:"dir"`
	Level  string `yaml:"level"`
	Stderr bool   `yaml:"stderr"`
}

// TelemetryConfig toggles the OpenTelemetry exporters
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// ClientConfig configures the interactive chat client
type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	Transport string `yaml:"transport"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Backend:      BackendOpenAI,
		SystemPrompt: DefaultSystemPrompt,
		OllamaModel:  "llama3:latest",
		OllamaURL:    "http://localhost:11434",
		GrokBaseURL:  "https://api.x.ai/v1",
		Server: ServerConfig{
			Addr:              ":8080",
			MaxStreamDuration: 30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "chatbot.db",
		},
		Cache: CacheConfig{
			Kind: CacheNone,
			TTL:  time.Hour,
		},
		Log: LogConfig{
			Dir:   "logs",
			Level: "info",
		},
		Telemetry: TelemetryConfig{Enabled: true, MetricInterval: 10 * time.Second},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
			Transport: TransportHTTP,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file and the
// environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overlays CHATBOT_* variables and provider keys
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("OPENAI_API_KEY", &c.OpenAIKey)
	str("ANTHROPIC_API_KEY", &c.AnthropicKey)
	str("GROK_API_KEY", &c.GrokKey)

	str("CHATBOT_BACKEND", &c.Backend)
	str("CHATBOT_MODEL", &c.Model)
	str("CHATBOT_ADDR", &c.Server.Addr)
	str("CHATBOT_DB_DRIVER", &c.Database.Driver)
	str("CHATBOT_DB_DSN", &c.Database.DSN)
	str("CHATBOT_REDIS_ADDR", &c.Cache.RedisAddr)
	str("CHATBOT_SERVER_URL", &c.Client.ServerURL)
	str("CHATBOT_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("CHATBOT_DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

// Validate rejects unknown enum values and unusable durations
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendAnthropic, BackendGrok, BackendOpenAI:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.DSN == "" && c.Database.Path == "" {
			return fmt.Errorf("sqlite requires a database path or dsn")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown database driver: %s", c.Database.Driver)
	}
	switch c.Cache.Kind {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("redis cache requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown cache kind: %s", c.Cache.Kind)
	}
	switch c.Client.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport: %s", c.Client.Transport)
	}
	if c.Server.MaxStreamDuration <= 0 {
		return fmt.Errorf("max_stream_duration must be positive")
	}
	return nil
}

// ModelFor returns the configured model or the per-backend default
func (c Config) ModelFor() string {
	if c.Model != "" {
		return c.Model
	}
	switch c.Backend {
	case BackendOllama:
		return c.OllamaModel
	case BackendAnthropic:
		return "claude-3-7-sonnet-latest"
	case BackendGrok:
		return "grok-3"
	default:
		return "gpt-4o"
	}
}
