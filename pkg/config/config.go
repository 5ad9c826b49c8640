package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvConfigPath = "RELAY_CONFIG"
	envDotenvPath = "RELAY_ENV_FILE"

	envHost               = "RELAY_HOST"
	envPort               = "RELAY_PORT"
	envInboundTimeoutSec  = "RELAY_INBOUND_TIMEOUT_SEC"
	envInternalToken      = "RELAY_INTERNAL_TOKEN"
	envPollIntervalMillis = "RELAY_POLL_INTERVAL_MS"
	envRelayURL           = "RELAY_URL"

	envProactiveURL     = "TEAMS_PROACTIVE_URL"
	envProactiveToken   = "TEAMS_INTERNAL_TOKEN"
	envProactiveChannel = "RELAY_PROACTIVE_CHANNEL"

	envBusBackend  = "RELAY_BUS"
	envRedisURL    = "REDIS_URL"
	envRedisPrefix = "RELAY_REDIS_PREFIX"

	envProvider = "RELAY_PROVIDER"
	envModel    = "RELAY_MODEL"

	envHeartbeatIntervalSec = "RELAY_HEARTBEAT_INTERVAL_SEC"
	envHeartbeatFile        = "RELAY_HEARTBEAT_FILE"
)

const (
	DefaultHost                  = "0.0.0.0"
	DefaultPort                  = 18800
	DefaultInboundTimeoutSeconds = 15
	DefaultPollIntervalMillis    = 1000
	DefaultProactiveChannel      = "teams"
	DefaultProvider              = "openai"
	DefaultHeartbeatInterval     = 1800

	BusMemory = "memory"
	BusRedis  = "redis"
)

// Config is the root runtime configuration. Every field can be left empty in
// the file and supplied through the environment instead.
type Config struct {
	Relay     RelayConfig     `json:"relay"`
	Teams     TeamsConfig     `json:"teams"`
	Bus       BusConfig       `json:"bus"`
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// RelayConfig configures the inbound HTTP endpoint.
type RelayConfig struct {
	Host                  string  `json:"host"`
	Port                  int     `json:"port"`
	InboundTimeoutSeconds float64 `json:"inbound_timeout_seconds"`
	InternalToken         string  `json:"internal_token"`
	PollIntervalMillis    int     `json:"poll_interval_ms"`
	// URL is where clients (the chat command) reach the relay.
	URL string `json:"url,omitempty"`
}

// TeamsConfig describes the out-of-band delivery endpoint of the channel backend.
type TeamsConfig struct {
	ProactiveURL  string `json:"proactive_url"`
	InternalToken string `json:"internal_token"`
	Channel       string `json:"channel"`
}

// BusConfig selects the message bus implementation.
type BusConfig struct {
	Backend  string `json:"backend"`
	RedisURL string `json:"redis_url"`
	Prefix   string `json:"prefix"`
	Group    string `json:"group"`
	Consumer string `json:"consumer"`
}

// AgentsConfig contains agent runtime defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults describes the model settings of the reference agent loop.
type AgentDefaults struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt"`
	Progress     bool    `json:"progress"`
	Disabled     bool    `json:"disabled"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	Agent                 string `json:"agent"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// HeartbeatConfig controls the periodic self-prompt.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval int    `json:"interval"`
	File     string `json:"file"`
	Prompt   string `json:"prompt"`
}

// ScheduleConfig lists recurring jobs published to the bus.
type ScheduleConfig struct {
	Jobs []ScheduleJob `json:"jobs"`
}

// ScheduleJob publishes Message to Channel/ChatID every EverySeconds.
type ScheduleJob struct {
	Name         string `json:"name"`
	EverySeconds int    `json:"every_seconds"`
	Channel      string `json:"channel"`
	ChatID       string `json:"chat_id"`
	Message      string `json:"message"`
}

// LoadConfig loads the optional .env file and config file, applies
// environment overrides, and fills defaults.
func LoadConfig() (*Config, error) {
	loadDotenv()

	var cfg Config

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotenv reads RELAY_ENV_FILE or ./.env. Variables already present in the
// process environment win.
func loadDotenv() {
	if path := strings.TrimSpace(os.Getenv(envDotenvPath)); path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load(".env")
}

func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	setString(&cfg.Relay.Host, envHost)
	setString(&cfg.Relay.InternalToken, envInternalToken)
	setString(&cfg.Relay.URL, envRelayURL)
	setString(&cfg.Teams.ProactiveURL, envProactiveURL)
	setString(&cfg.Teams.InternalToken, envProactiveToken)
	setString(&cfg.Teams.Channel, envProactiveChannel)
	setString(&cfg.Bus.Backend, envBusBackend)
	setString(&cfg.Bus.RedisURL, envRedisURL)
	setString(&cfg.Bus.Prefix, envRedisPrefix)
	setString(&cfg.Agents.Defaults.Provider, envProvider)
	setString(&cfg.Agents.Defaults.Model, envModel)
	setString(&cfg.Heartbeat.File, envHeartbeatFile)

	for _, item := range []struct {
		target *int
		key    string
	}{
		{&cfg.Relay.Port, envPort},
		{&cfg.Relay.PollIntervalMillis, envPollIntervalMillis},
		{&cfg.Heartbeat.Interval, envHeartbeatIntervalSec},
	} {
		if err := setInt(item.target, item.key); err != nil {
			return err
		}
	}
	if err := setFloat(&cfg.Relay.InboundTimeoutSeconds, envInboundTimeoutSec); err != nil {
		return err
	}

	if strings.TrimSpace(os.Getenv(envHeartbeatIntervalSec)) != "" && cfg.Heartbeat.Interval > 0 {
		cfg.Heartbeat.Enabled = true
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Relay.Host == "" {
		cfg.Relay.Host = DefaultHost
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = DefaultPort
	}
	if cfg.Relay.InboundTimeoutSeconds <= 0 {
		cfg.Relay.InboundTimeoutSeconds = DefaultInboundTimeoutSeconds
	}
	if cfg.Relay.PollIntervalMillis <= 0 {
		cfg.Relay.PollIntervalMillis = DefaultPollIntervalMillis
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Relay.Port)
	}
	if cfg.Teams.Channel == "" {
		cfg.Teams.Channel = DefaultProactiveChannel
	}
	cfg.Bus.Backend = strings.ToLower(cfg.Bus.Backend)
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = BusMemory
	}
	if cfg.Agents.Defaults.Provider == "" {
		cfg.Agents.Defaults.Provider = DefaultProvider
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = DefaultHeartbeatInterval
	}
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Errorf("relay.port %d out of range", c.Relay.Port))
	}
	switch c.Bus.Backend {
	case BusMemory:
	case BusRedis:
		if strings.TrimSpace(c.Bus.RedisURL) == "" {
			errs = append(errs, errors.New("bus.redis_url is required for the redis bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported bus backend %q", c.Bus.Backend))
	}
	for i, job := range c.Schedule.Jobs {
		if job.EverySeconds <= 0 {
			errs = append(errs, fmt.Errorf("schedule.jobs[%d].every_seconds must be positive", i))
		}
		if strings.TrimSpace(job.ChatID) == "" || strings.TrimSpace(job.Message) == "" {
			errs = append(errs, fmt.Errorf("schedule.jobs[%d] needs chat_id and message", i))
		}
	}

	return errors.Join(errs...)
}

// ListenAddr is the host:port the relay binds.
func (c RelayConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RelayConfig) InboundTimeout() time.Duration {
	return time.Duration(c.InboundTimeoutSeconds * float64(time.Second))
}

func (c RelayConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func setString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

func setInt(target *int, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	*target = value
	return nil
}

func setFloat(target *float64, key string) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, raw)
	}
	*target = value
	return nil
}

// findConfigPath resolves the optional config file location.
//
// Precedence is RELAY_CONFIG first, then cwd-local fallback paths. An empty
// path with a nil error means no file is present.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(EnvConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", EnvConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	for _, candidate := range []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
