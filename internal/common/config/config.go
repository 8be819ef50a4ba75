// Package config provides configuration management for the Aether kernel.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the kernel.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	FS           FSConfig           `mapstructure:"fs"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	RPCTimeout   int    `mapstructure:"rpcTimeout"`   // per-command ceiling, in seconds
}

// DatabaseConfig holds state store configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path; empty means <fs.root>/aether.db
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// FSConfig holds the virtual filesystem configuration.
type FSConfig struct {
	Root           string `mapstructure:"root"`           // host directory holding per-user subtrees
	SharedDir      string `mapstructure:"sharedDir"`      // reserved shared prefix, relative to root
	WatchDebounce  int    `mapstructure:"watchDebounce"`  // shared watcher debounce, in milliseconds
}

// DockerConfig holds container backend configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultImage   string `mapstructure:"defaultImage"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Secret        string `mapstructure:"secret"`        // token/KDF pepper
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
	BcryptCost    int    `mapstructure:"bcryptCost"`
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	StepBudget       int `mapstructure:"stepBudget"`       // max loop iterations per process
	StepRetryBudget  int `mapstructure:"stepRetryBudget"`  // caught step errors before failing
	ApprovalStepGate int `mapstructure:"approvalStepGate"` // step count after which actions need approval
	MetricsInterval  int `mapstructure:"metricsInterval"`  // resource sampling cadence, in seconds
}

// ClusterConfig holds cluster routing configuration.
type ClusterConfig struct {
	Role     string `mapstructure:"role"` // standalone, hub, node
	NodeID   string `mapstructure:"nodeId"`
	NATSURL  string `mapstructure:"natsUrl"`
	Capacity int    `mapstructure:"capacity"` // max concurrent agent processes on this node
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"` // empty disables export
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RPCTimeoutDuration returns the per-command ceiling as a time.Duration.
func (s *ServerConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(s.RPCTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// MetricsIntervalDuration returns the sampling cadence as a time.Duration.
func (a *AgentConfig) MetricsIntervalDuration() time.Duration {
	return time.Duration(a.MetricsInterval) * time.Second
}

// WatchDebounceDuration returns the shared watcher debounce as a time.Duration.
func (f *FSConfig) WatchDebounceDuration() time.Duration {
	return time.Duration(f.WatchDebounce) * time.Millisecond
}

// DBPath resolves the sqlite database file path.
func (c *Config) DBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.FS.Root, "aether.db")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AETHER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7770)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.rpcTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "aether")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "aether")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	v.SetDefault("fs.root", defaultFSRoot())
	v.SetDefault("fs.sharedDir", "shared")
	v.SetDefault("fs.watchDebounce", 250)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultImage", "ubuntu:24.04")
	v.SetDefault("docker.defaultNetwork", "bridge")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.tokenDuration", 86400) // 24 hours, absolute expiry
	v.SetDefault("auth.bcryptCost", 10)

	v.SetDefault("agent.stepBudget", 50)
	v.SetDefault("agent.stepRetryBudget", 3)
	v.SetDefault("agent.approvalStepGate", 40)
	v.SetDefault("agent.metricsInterval", 5)

	v.SetDefault("cluster.role", "standalone")
	v.SetDefault("cluster.nodeId", "")
	v.SetDefault("cluster.natsUrl", "")
	v.SetDefault("cluster.capacity", 16)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("tracing.otlpEndpoint", "")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
// Respects DOCKER_HOST env var as override (standard Docker convention).
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultFSRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./aether-fs"
	}
	return filepath.Join(home, ".aether", "fs")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AETHER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/aether/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the short env names the kernel documents.
	_ = v.BindEnv("server.port", "AETHER_PORT", "AETHER_SERVER_PORT")
	_ = v.BindEnv("fs.root", "AETHER_FS_ROOT")
	_ = v.BindEnv("auth.secret", "AETHER_SECRET")
	_ = v.BindEnv("database.path", "AETHER_DB_PATH")
	_ = v.BindEnv("logging.level", "AETHER_LOG_LEVEL")
	_ = v.BindEnv("cluster.natsUrl", "AETHER_NATS_URL")
	_ = v.BindEnv("tracing.otlpEndpoint", "AETHER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aether/")

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

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.FS.Root == "" {
		errs = append(errs, "fs.root is required")
	}

	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		errs = append(errs, "auth.bcryptCost must be between 4 and 31")
	}

	if cfg.Agent.StepBudget <= 0 {
		errs = append(errs, "agent.stepBudget must be positive")
	}

	switch cfg.Cluster.Role {
	case "standalone", "hub", "node":
	default:
		errs = append(errs, "cluster.role must be standalone, hub, or node")
	}
	if cfg.Cluster.Role != "standalone" && cfg.Cluster.NATSURL == "" {
		errs = append(errs, "cluster.natsUrl is required for hub/node roles")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
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

// generateDevSecret generates a throwaway secret for development mode.
// In production, operators must set AETHER_SECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
