package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PARLEY"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
	dotEnv     []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// UseDotEnv loads the given .env files (default ".env") into the process
// environment before env overrides are read. Variables already set win.
func (l *Loader) UseDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	l.dotEnv = files
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.loadDotEnv()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads the configured .env files. Missing files are ignored.
func (l *Loader) loadDotEnv() {
	for _, file := range l.dotEnv {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		_ = godotenv.Load(file)
	}
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "parley"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "parley"))
	}

	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Database
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_connections", cfg.Database.MaxConnections)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Chat
	v.SetDefault("chat.max_body_length", cfg.Chat.MaxBodyLength)
	v.SetDefault("chat.fanout_concurrency", cfg.Chat.FanoutConcurrency)
	v.SetDefault("chat.conversation_started_preview", cfg.Chat.ConversationStartedPreview)

	// Subscriptions
	v.SetDefault("subscriptions.poll_interval", cfg.Subscriptions.PollInterval)
	v.SetDefault("subscriptions.poll_max", cfg.Subscriptions.PollMax)
	v.SetDefault("subscriptions.buffer_size", cfg.Subscriptions.BufferSize)

	// Retention
	v.SetDefault("retention.changes_max_age", cfg.Retention.ChangesMaxAge)
	v.SetDefault("retention.batch_size", cfg.Retention.BatchSize)
	v.SetDefault("retention.interval", cfg.Retention.Interval)

	// Gateway
	v.SetDefault("gateway.listen_addr", cfg.Gateway.ListenAddr)
	v.SetDefault("gateway.write_wait", cfg.Gateway.WriteWait)
	v.SetDefault("gateway.pong_wait", cfg.Gateway.PongWait)
	v.SetDefault("gateway.max_frame_bytes", cfg.Gateway.MaxFrameBytes)
	v.SetDefault("gateway.jwt_secret", cfg.Gateway.JWTSecret)
	v.SetDefault("gateway.token_ttl", cfg.Gateway.TokenTTL)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key. Values set here override files and env.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// Viper returns the underlying Viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// envKeys lists every key that accepts a PARLEY_* override.
var envKeys = []string{
	"global.data_dir",
	"global.config_dir",
	"database.path",
	"database.max_connections",
	"database.busy_timeout_ms",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	"chat.max_body_length",
	"chat.fanout_concurrency",
	"chat.conversation_started_preview",
	"subscriptions.poll_interval",
	"subscriptions.poll_max",
	"subscriptions.buffer_size",
	"retention.changes_max_age",
	"retention.batch_size",
	"retention.interval",
	"gateway.listen_addr",
	"gateway.write_wait",
	"gateway.pong_wait",
	"gateway.max_frame_bytes",
	"gateway.jwt_secret",
	"gateway.token_ttl",
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// bindEnvVars binds environment variables for config keys.
// Viper's Unmarshal has issues with env vars on nested structs unless explicitly bound.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key, EnvVar(key))
	}
}
