// Package config loads and validates the runtime configuration file.
//
// Configuration is YAML with environment variable expansion: ${VAR}
// references anywhere in the file are replaced from the process
// environment before parsing. Unknown keys are rejected so typos fail at
// startup instead of silently falling back to defaults. Secrets may be
// left empty in the file and supplied through ANTHROPIC_API_KEY and
// OPENAI_API_KEY.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskrunner/deskrunner/internal/provider"
	"github.com/deskrunner/deskrunner/pkg/models"
)

// DefaultPath returns the config file path from DESKRUNNER_CONFIG, or
// "deskrunner.yaml" when the variable is unset.
func DefaultPath() string {
	if path := os.Getenv("DESKRUNNER_CONFIG"); path != "" {
		return path
	}
	return "deskrunner.yaml"
}

// Config is the root of the runtime configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Store       StoreConfig       `yaml:"store"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Tools       ToolsConfig       `yaml:"tools"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Agents are seeded into the store at startup and re-seeded when the
	// config file changes on disk.
	Agents []models.AgentConfig `yaml:"agents"`
}

// ServerConfig configures the HTTP listener that exposes health and
// metrics endpoints.
type ServerConfig struct {
	// Host is the bind address. Default: "0.0.0.0".
	Host string `yaml:"host"`
	// HTTPPort serves /healthz and /metrics. Default: 8080.
	HTTPPort int `yaml:"http_port"`
}

// Addr returns the host:port string for the HTTP listener.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: "info".
	Level string `yaml:"level"`
	// Format is "json" or "text". Default: "json".
	Format string `yaml:"format"`
	// AddSource includes file:line in log records. Default: false.
	AddSource bool `yaml:"add_source"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	// Enabled turns span export on. When false (the default) the runtime
	// installs a no-op tracer.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`
	// ServiceName identifies this process in traces. Default: "deskrunner".
	ServiceName string `yaml:"service_name"`
	// ServiceVersion tags spans with a build version.
	ServiceVersion string `yaml:"service_version"`
	// Environment tags spans with a deployment environment.
	Environment string `yaml:"environment"`
	// SamplingRate is the head sampling ratio in [0, 1]. Default: 1.0.
	SamplingRate float64 `yaml:"sampling_rate"`
	// Insecure disables TLS on the collector connection.
	Insecure bool `yaml:"insecure"`
	// Attributes are extra resource attributes attached to every span.
	Attributes map[string]string `yaml:"attributes"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is one of memory, sqlite, postgres. Default: "memory".
	Backend string `yaml:"backend"`
	// Path is the database file for the sqlite backend.
	// Default: "deskrunner.db".
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
	// HistoryLimit caps how many messages a turn loads from a thread.
	// Default: 100.
	HistoryLimit int `yaml:"history_limit"`
}

// ProvidersConfig configures the model providers the runtime can route to.
type ProvidersConfig struct {
	Anthropic APIProviderConfig     `yaml:"anthropic"`
	OpenAI    APIProviderConfig     `yaml:"openai"`
	Bedrock   BedrockProviderConfig `yaml:"bedrock"`

	// MaxTokens caps tokens per model response. Default: 4096.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature is forwarded to providers that support it. Default: 0.
	Temperature float64 `yaml:"temperature"`
}

// APIProviderConfig configures a key-authenticated provider endpoint.
type APIProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	// BaseURL overrides the provider's public API endpoint.
	BaseURL string `yaml:"base_url"`
	// DefaultModel is used when an agent leaves its model preference empty.
	DefaultModel string `yaml:"default_model"`
}

// BedrockProviderConfig configures the AWS Bedrock provider. Credentials
// may be omitted to use the standard AWS credential chain.
type BedrockProviderConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	DefaultModel    string `yaml:"default_model"`
}

// EnabledNames lists the providers that are switched on, in routing
// preference order.
func (c ProvidersConfig) EnabledNames() []string {
	var names []string
	if c.Anthropic.Enabled {
		names = append(names, "anthropic")
	}
	if c.OpenAI.Enabled {
		names = append(names, "openai")
	}
	if c.Bedrock.Enabled {
		names = append(names, "bedrock")
	}
	return names
}

func (c ProvidersConfig) enabled(name string) bool {
	switch name {
	case "anthropic":
		return c.Anthropic.Enabled
	case "openai":
		return c.OpenAI.Enabled
	case "bedrock":
		return c.Bedrock.Enabled
	default:
		return false
	}
}

// ResilienceConfig configures circuit breaking and retry behavior for
// provider and tool calls.
type ResilienceConfig struct {
	Breaker BreakerConfig `yaml:"breaker"`
	Retry   RetryConfig   `yaml:"retry"`
}

// BreakerConfig configures the shared circuit breaker defaults.
type BreakerConfig struct {
	// FailureThreshold opens a circuit after this many failures inside
	// FailureWindow. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`
	// Cooldown is how long an open circuit rejects calls before probing.
	// Default: 60s.
	Cooldown time.Duration `yaml:"cooldown"`
	// FailureWindow is the sliding window for counting failures.
	// Default: 60s.
	FailureWindow time.Duration `yaml:"failure_window"`
}

// RetryConfig configures retry attempts and exponential backoff.
type RetryConfig struct {
	// MaxAttempts caps attempts per call, including the first. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialMs is the first retry delay in milliseconds. Default: 100.
	InitialMs float64 `yaml:"initial_ms"`
	// MaxMs caps the retry delay in milliseconds. Default: 30000.
	MaxMs float64 `yaml:"max_ms"`
	// Factor multiplies the delay after each attempt. Default: 2.
	Factor float64 `yaml:"factor"`
	// Jitter randomizes each delay by this fraction. Default: 0.1.
	Jitter float64 `yaml:"jitter"`
}

// ToolsConfig configures tool session pooling.
type ToolsConfig struct {
	// SessionTTL bounds how long an authenticated tool session is reused
	// before it is re-dialed. Default: 5m.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// CallTimeout bounds a single tool server call when the caller's
	// context has no deadline. Default: 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// Client is the client name reported during the session handshake.
	// Default: "deskrunner".
	Client string `yaml:"client"`
}

// MaintenanceConfig configures the background maintenance schedule.
type MaintenanceConfig struct {
	// SweepInterval is how often expired tool sessions are swept and
	// idle breaker state is pruned. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// BreakerIdleAfter prunes breaker state untouched for this long.
	// Default: 1h.
	BreakerIdleAfter time.Duration `yaml:"breaker_idle_after"`
}

// Load reads, expands, parses, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a single YAML document into a validated Config. Unknown
// keys are errors. An empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	} else if err == nil {
		// A second document would silently shadow the first.
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("parse config: expected a single YAML document")
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration an empty file would produce.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnv fills secret fields from well-known environment variables
// when the file leaves them empty.
func applyEnv(cfg *Config) {
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "deskrunner"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Backend == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "deskrunner.db"
	}
	if cfg.Store.HistoryLimit == 0 {
		cfg.Store.HistoryLimit = 100
	}
	if cfg.Providers.MaxTokens == 0 {
		cfg.Providers.MaxTokens = 4096
	}
	if cfg.Resilience.Breaker.FailureThreshold == 0 {
		cfg.Resilience.Breaker.FailureThreshold = 5
	}
	if cfg.Resilience.Breaker.Cooldown == 0 {
		cfg.Resilience.Breaker.Cooldown = 60 * time.Second
	}
	if cfg.Resilience.Breaker.FailureWindow == 0 {
		cfg.Resilience.Breaker.FailureWindow = 60 * time.Second
	}
	if cfg.Resilience.Retry.MaxAttempts == 0 {
		cfg.Resilience.Retry.MaxAttempts = 3
	}
	if cfg.Resilience.Retry.InitialMs == 0 {
		cfg.Resilience.Retry.InitialMs = 100
	}
	if cfg.Resilience.Retry.MaxMs == 0 {
		cfg.Resilience.Retry.MaxMs = 30000
	}
	if cfg.Resilience.Retry.Factor == 0 {
		cfg.Resilience.Retry.Factor = 2
	}
	if cfg.Resilience.Retry.Jitter == 0 {
		cfg.Resilience.Retry.Jitter = 0.1
	}
	if cfg.Tools.SessionTTL == 0 {
		cfg.Tools.SessionTTL = 5 * time.Minute
	}
	if cfg.Tools.CallTimeout == 0 {
		cfg.Tools.CallTimeout = 30 * time.Second
	}
	if cfg.Tools.Client == "" {
		cfg.Tools.Client = "deskrunner"
	}
	if cfg.Maintenance.SweepInterval == 0 {
		cfg.Maintenance.SweepInterval = time.Minute
	}
	if cfg.Maintenance.BreakerIdleAfter == 0 {
		cfg.Maintenance.BreakerIdleAfter = time.Hour
	}
}

// Validate checks the whole configuration and returns the first problem
// found.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("config: server.http_port %d out of range", c.Server.HTTPPort)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: logging.format %q is not one of json, text", c.Logging.Format)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("config: tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("config: tracing.sampling_rate %v out of range [0, 1]", c.Tracing.SamplingRate)
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Providers.validate(); err != nil {
		return err
	}
	if err := c.Resilience.validate(); err != nil {
		return err
	}
	if c.Tools.SessionTTL < 0 {
		return errors.New("config: tools.session_ttl must not be negative")
	}
	if c.Maintenance.SweepInterval < time.Second {
		return fmt.Errorf("config: maintenance.sweep_interval %s is below 1s", c.Maintenance.SweepInterval)
	}
	return c.validateAgents()
}

func (c StoreConfig) validate() error {
	switch c.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: store.backend %q is not one of memory, sqlite, postgres", c.Backend)
	}
	return nil
}

func (c ProvidersConfig) validate() error {
	if c.Anthropic.Enabled && c.Anthropic.APIKey == "" {
		return errors.New("config: providers.anthropic.api_key is required (set it or ANTHROPIC_API_KEY)")
	}
	if c.OpenAI.Enabled && c.OpenAI.APIKey == "" {
		return errors.New("config: providers.openai.api_key is required (set it or OPENAI_API_KEY)")
	}
	if c.Bedrock.Enabled && c.Bedrock.Region == "" {
		return errors.New("config: providers.bedrock.region is required")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("config: providers.max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config: providers.temperature %v out of range [0, 2]", c.Temperature)
	}
	return nil
}

func (c ResilienceConfig) validate() error {
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: resilience.breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown < 0 || c.Breaker.FailureWindow < 0 {
		return errors.New("config: resilience.breaker durations must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: resilience.retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("config: resilience.retry.factor must be at least 1, got %v", c.Retry.Factor)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("config: resilience.retry.jitter %v out of range [0, 1]", c.Retry.Jitter)
	}
	return nil
}

// validateAgents checks each agent entry and that its model preference
// routes to a provider that is actually enabled.
func (c *Config) validateAgents() error {
	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		agent := &c.Agents[i]
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("config: agents[%d]: %w", i, err)
		}
		if seen[agent.AgentID] {
			return fmt.Errorf("config: agents[%d]: duplicate agent_id %q", i, agent.AgentID)
		}
		seen[agent.AgentID] = true
		name := provider.NameForModel(agent.ModelPreference)
		if name == "" {
			return fmt.Errorf("config: agents[%d]: no provider serves model %q", i, agent.ModelPreference)
		}
		if !c.Providers.enabled(name) {
			return fmt.Errorf("config: agents[%d]: model %q routes to provider %q, which is not enabled", i, agent.ModelPreference, name)
		}
	}
	return nil
}
