// Package config provides configuration management for bastion.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for bastion. The orchestrator and
// the agent read the same file; each consumes only its own sections.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds repository-store configuration. Driver "sqlite"
// (default) stores at Path; driver "postgres" connects with the DSN fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OrchestratorConfig holds control-plane settings.
type OrchestratorConfig struct {
	IdentityDir      string `mapstructure:"identityDir"`      // orchestrator keypair location
	HandshakeTimeout int    `mapstructure:"handshakeTimeout"` // seconds per handshake step
	TokenTTL         int    `mapstructure:"tokenTTL"`         // registration token lifetime, seconds
	ActivityRetain   int    `mapstructure:"activityRetain"`   // durable activity rows kept per owner
	MaxNodesPerOwner int    `mapstructure:"maxNodesPerOwner"` // plan-limit gate; 0 disables
	MaxAppsPerOwner  int    `mapstructure:"maxAppsPerOwner"`  // plan-limit gate; 0 disables
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	OrchestratorURL string `mapstructure:"orchestratorUrl"`
	DataDir         string `mapstructure:"dataDir"`  // identity, local state, app workdirs
	Version         string `mapstructure:"version"`  // reported during handshake
	NginxConfDir    string `mapstructure:"nginxConfDir"`
	CertbotBin      string `mapstructure:"certbotBin"`
	BuildTimeout    int    `mapstructure:"buildTimeout"`    // seconds per build
	HealthTimeout   int    `mapstructure:"healthTimeout"`   // seconds of health probing
	MaxReconnectSec int    `mapstructure:"maxReconnectSec"` // reconnect backoff cap
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HandshakeTimeoutDuration returns the per-step handshake timeout.
func (o *OrchestratorConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(o.HandshakeTimeout) * time.Second
}

// TokenTTLDuration returns the registration-token lifetime.
func (o *OrchestratorConfig) TokenTTLDuration() time.Duration {
	return time.Duration(o.TokenTTL) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BASTION_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "bastion.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bastion")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "bastion")
	v.SetDefault("database.sslMode", "disable")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "bastion-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Orchestrator defaults
	v.SetDefault("orchestrator.identityDir", "/var/lib/bastion/identity")
	v.SetDefault("orchestrator.handshakeTimeout", 30)
	v.SetDefault("orchestrator.tokenTTL", 600) // 10 minutes
	v.SetDefault("orchestrator.activityRetain", 500)
	v.SetDefault("orchestrator.maxNodesPerOwner", 0)
	v.SetDefault("orchestrator.maxAppsPerOwner", 0)

	// Agent defaults
	v.SetDefault("agent.orchestratorUrl", "ws://localhost:8080/api/connect")
	v.SetDefault("agent.dataDir", defaultAgentDataDir())
	v.SetDefault("agent.version", "dev")
	v.SetDefault("agent.nginxConfDir", "/etc/nginx/conf.d")
	v.SetDefault("agent.certbotBin", "certbot")
	v.SetDefault("agent.buildTimeout", 900)
	v.SetDefault("agent.healthTimeout", 60)
	v.SetDefault("agent.maxReconnectSec", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultAgentDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/bastion-agent"
	}
	return home + "/.bastion-agent"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BASTION_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/bastion/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BASTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("agent.orchestratorUrl", "BASTION_AGENT_ORCHESTRATOR_URL")
	_ = v.BindEnv("agent.dataDir", "BASTION_AGENT_DATA_DIR")
	_ = v.BindEnv("orchestrator.identityDir", "BASTION_ORCHESTRATOR_IDENTITY_DIR")
	_ = v.BindEnv("database.dbName", "BASTION_DATABASE_DB_NAME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/bastion/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}

	if cfg.Orchestrator.TokenTTL <= 0 {
		errs = append(errs, "orchestrator.tokenTTL must be positive")
	}
	if cfg.Orchestrator.HandshakeTimeout <= 0 {
		errs = append(errs, "orchestrator.handshakeTimeout must be positive")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
