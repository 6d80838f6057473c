// Package config provides configuration management for the paseo daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Home     HomeConfig     `mapstructure:"home"`
	Server   ServerConfig   `mapstructure:"server"`
	Relay    RelayConfig    `mapstructure:"relay"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Provider ProviderConfig `mapstructure:"provider"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Activity ActivityConfig `mapstructure:"activity"`
	Voice    VoiceConfig    `mapstructure:"voice"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HomeConfig locates the daemon state directory (keypair, server id,
// agent registry, timeline logs, lock files).
type HomeConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig holds the local listener configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	UnixSocket     string   `mapstructure:"unixSocket"`     // when set, listen on a unix socket instead of TCP
	AllowedHosts   []string `mapstructure:"allowedHosts"`   // Host-header allowlist for TCP listeners
	AllowedOrigins []string `mapstructure:"allowedOrigins"` // browser Origin allowlist; empty allows non-browser clients only
	BasicAuthUser  string   `mapstructure:"basicAuthUser"`
	BasicAuthPass  string   `mapstructure:"basicAuthPass"`
	ReadTimeout    int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int      `mapstructure:"writeTimeout"` // in seconds
}

// RelayConfig holds the optional relay tunnel configuration.
type RelayConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`   // wss:// control endpoint of the relay service
	AppBaseURL string `mapstructure:"appBaseUrl"` // base URL the pairing offer fragment is appended to
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-process bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent runtime tunables.
type AgentConfig struct {
	RequestTimeout  int `mapstructure:"requestTimeout"`  // per-operation deadline, seconds
	SnapshotTimeout int `mapstructure:"snapshotTimeout"` // timeline snapshot deadline, seconds
	OutboxSize      int `mapstructure:"outboxSize"`      // per-session outbound queue bound
	CatalogTTL      int `mapstructure:"catalogTtl"`      // model catalog cache TTL, seconds
	SegmentMaxBytes int `mapstructure:"segmentMaxBytes"` // timeline log rotation threshold
	SegmentMaxRows  int `mapstructure:"segmentMaxRows"`
}

// ProviderConfig holds provider catalog configuration.
type ProviderConfig struct {
	ConfigPath string `mapstructure:"configPath"` // optional providers.yaml overriding built-in descriptors
	Default    string `mapstructure:"default"`    // provider used when a create request omits one
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AuthMode    string `mapstructure:"authMode"` // none, basic, bearer
	BearerToken string `mapstructure:"bearerToken"`
	BasicUser   string `mapstructure:"basicUser"`
	BasicPass   string `mapstructure:"basicPass"`
}

// ActivityConfig holds the activity log configuration.
type ActivityConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DBPath        string `mapstructure:"dbPath"` // defaults to <home>/activity.db
	RetentionDays int    `mapstructure:"retentionDays"`
}

// VoiceConfig selects the speech engines. "none" installs no-op engines.
type VoiceConfig struct {
	Engine string `mapstructure:"engine"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"` // OTLP HTTP endpoint, host:port
	ServiceName string `mapstructure:"serviceName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ListenAddr returns the TCP listen address.
func (s *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the per-operation deadline as a time.Duration.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// SnapshotTimeoutDuration returns the snapshot deadline as a time.Duration.
func (a *AgentConfig) SnapshotTimeoutDuration() time.Duration {
	return time.Duration(a.SnapshotTimeout) * time.Second
}

// CatalogTTLDuration returns the model catalog cache TTL as a time.Duration.
func (a *AgentConfig) CatalogTTLDuration() time.Duration {
	return time.Duration(a.CatalogTTL) * time.Second
}

// ResolveDir expands the configured home directory to an absolute path.
func (h *HomeConfig) ResolveDir() (string, error) {
	dir := h.Dir
	if dir == "" || dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving user home: %w", err)
		}
		if dir == "" || dir == "~" {
			dir = filepath.Join(home, ".paseo")
		} else {
			dir = filepath.Join(home, dir[2:])
		}
	}
	return filepath.Abs(dir)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("PASEO_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Home defaults
	v.SetDefault("home.dir", "~/.paseo")

	// Server defaults: loopback only unless explicitly widened
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.unixSocket", "")
	v.SetDefault("server.allowedHosts", []string{"localhost", "127.0.0.1", "[::1]"})
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.basicAuthUser", "")
	v.SetDefault("server.basicAuthPass", "")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Relay defaults - disabled until an endpoint is configured
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.endpoint", "")
	v.SetDefault("relay.appBaseUrl", "https://app.paseo.dev")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent runtime defaults
	v.SetDefault("agent.requestTimeout", 10)
	v.SetDefault("agent.snapshotTimeout", 10)
	v.SetDefault("agent.outboxSize", 256)
	v.SetDefault("agent.catalogTtl", 15)
	v.SetDefault("agent.segmentMaxBytes", 512*1024)
	v.SetDefault("agent.segmentMaxRows", 1000)

	// Provider defaults
	v.SetDefault("provider.configPath", "")
	v.SetDefault("provider.default", "claude")

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.authMode", "none")
	v.SetDefault("mcp.bearerToken", "")
	v.SetDefault("mcp.basicUser", "")
	v.SetDefault("mcp.basicPass", "")

	// Activity log defaults
	v.SetDefault("activity.enabled", true)
	v.SetDefault("activity.dbPath", "")
	v.SetDefault("activity.retentionDays", 14)

	// Voice defaults
	v.SetDefault("voice.engine", "none")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "paseod")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PASEO_ with snake_case naming.
// Config file should be named config.yaml and placed in the paseo home
// directory or the current directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PASEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names do not follow from the
	// camelCase config keys. AutomaticEnv does not convert camelCase to
	// SNAKE_CASE.
	_ = v.BindEnv("home.dir", "PASEO_HOME", "PASEO_HOME_DIR")
	_ = v.BindEnv("relay.appBaseUrl", "PASEO_RELAY_APP_BASE_URL")
	_ = v.BindEnv("server.allowedHosts", "PASEO_SERVER_ALLOWED_HOSTS")
	_ = v.BindEnv("server.allowedOrigins", "PASEO_SERVER_ALLOWED_ORIGINS")
	_ = v.BindEnv("mcp.bearerToken", "PASEO_MCP_BEARER_TOKEN")
	_ = v.BindEnv("agent.catalogTtl", "PASEO_AGENT_CATALOG_TTL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home := os.Getenv("PASEO_HOME"); home != "" {
		v.AddConfigPath(home)
	} else if userHome, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(userHome, ".paseo"))
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.UnixSocket == "" {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	}

	if (cfg.Server.BasicAuthUser == "") != (cfg.Server.BasicAuthPass == "") {
		errs = append(errs, "server.basicAuthUser and server.basicAuthPass must be set together")
	}

	if cfg.Relay.Enabled {
		if cfg.Relay.Endpoint == "" {
			errs = append(errs, "relay.endpoint is required when relay.enabled is true")
		}
		if cfg.Relay.AppBaseURL == "" {
			errs = append(errs, "relay.appBaseUrl is required when relay.enabled is true")
		}
	}

	switch cfg.MCP.AuthMode {
	case "", "none":
	case "bearer":
		if cfg.MCP.BearerToken == "" {
			errs = append(errs, "mcp.bearerToken is required when mcp.authMode is bearer")
		}
	case "basic":
		if cfg.MCP.BasicUser == "" || cfg.MCP.BasicPass == "" {
			errs = append(errs, "mcp.basicUser and mcp.basicPass are required when mcp.authMode is basic")
		}
	default:
		errs = append(errs, "mcp.authMode must be one of: none, basic, bearer")
	}

	if cfg.Agent.OutboxSize <= 0 {
		errs = append(errs, "agent.outboxSize must be positive")
	}
	if cfg.Agent.SegmentMaxBytes <= 0 || cfg.Agent.SegmentMaxRows <= 0 {
		errs = append(errs, "agent.segmentMaxBytes and agent.segmentMaxRows must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
