// Package config handles parley configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for parley.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Chat settings
	Chat ChatConfig `yaml:"chat" mapstructure:"chat"`

	// Subscription settings
	Subscriptions SubscriptionConfig `yaml:"subscriptions" mapstructure:"subscriptions"`

	// Change feed retention
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`

	// Websocket gateway settings
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`
}

// GlobalConfig contains global parley settings.
type GlobalConfig struct {
	// DataDir is where parley stores its data (default: ~/.local/share/parley).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config and session files are stored (default: ~/.config/parley).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// ChatConfig contains message and fan-out settings.
type ChatConfig struct {
	// MaxBodyLength is the message body limit in runes.
	MaxBodyLength int `yaml:"max_body_length" mapstructure:"max_body_length"`

	// FanoutConcurrency bounds parallel inbox writes per send.
	FanoutConcurrency int `yaml:"fanout_concurrency" mapstructure:"fanout_concurrency"`

	// ConversationStartedPreview is the inbox preview of a new conversation.
	ConversationStartedPreview string `yaml:"conversation_started_preview" mapstructure:"conversation_started_preview"`
}

// SubscriptionConfig contains live stream settings.
type SubscriptionConfig struct {
	// PollInterval is the fastest change feed poll.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// PollMax caps the idle poll backoff.
	PollMax time.Duration `yaml:"poll_max" mapstructure:"poll_max"`

	// BufferSize is the pending delivery queue length.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// RetentionConfig controls change feed pruning.
type RetentionConfig struct {
	// ChangesMaxAge is how long change feed rows are kept.
	ChangesMaxAge time.Duration `yaml:"changes_max_age" mapstructure:"changes_max_age"`

	// BatchSize is the max rows deleted per prune.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// Interval is how often the daemon prunes.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// GatewayConfig contains websocket gateway settings.
type GatewayConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`

	// WriteWait is the deadline for one frame write.
	WriteWait time.Duration `yaml:"write_wait" mapstructure:"write_wait"`

	// PongWait is how long a connection may stay silent.
	PongWait time.Duration `yaml:"pong_wait" mapstructure:"pong_wait"`

	// MaxFrameBytes caps inbound frame size.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" mapstructure:"max_frame_bytes"`

	// JWTSecret enables token authentication when set.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "parley"),
			ConfigDir: filepath.Join(homeDir, ".config", "parley"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/parley.db
			MaxConnections: 4,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		Chat: ChatConfig{
			MaxBodyLength:              4096,
			FanoutConcurrency:          4,
			ConversationStartedPreview: "Conversation started",
		},
		Subscriptions: SubscriptionConfig{
			PollInterval: 100 * time.Millisecond,
			PollMax:      2 * time.Second,
			BufferSize:   256,
		},
		Retention: RetentionConfig{
			ChangesMaxAge: 7 * 24 * time.Hour,
			BatchSize:     1000,
			Interval:      time.Hour,
		},
		Gateway: GatewayConfig{
			ListenAddr:    "127.0.0.1:7420",
			WriteWait:     10 * time.Second,
			PongWait:      60 * time.Second,
			MaxFrameBytes: 64 * 1024,
			TokenTTL:      24 * time.Hour,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("database.busy_timeout_ms must not be negative")
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	if c.Chat.MaxBodyLength < 1 {
		return fmt.Errorf("chat.max_body_length must be at least 1")
	}

	if c.Chat.FanoutConcurrency < 1 {
		return fmt.Errorf("chat.fanout_concurrency must be at least 1")
	}

	if c.Subscriptions.PollInterval < 10*time.Millisecond {
		return fmt.Errorf("subscriptions.poll_interval must be at least 10ms")
	}

	if c.Subscriptions.PollMax < c.Subscriptions.PollInterval {
		return fmt.Errorf("subscriptions.poll_max must be at least subscriptions.poll_interval")
	}

	if c.Subscriptions.BufferSize < 1 {
		return fmt.Errorf("subscriptions.buffer_size must be at least 1")
	}

	if c.Retention.ChangesMaxAge < time.Minute {
		return fmt.Errorf("retention.changes_max_age must be at least 1m")
	}

	if c.Retention.BatchSize < 1 {
		return fmt.Errorf("retention.batch_size must be at least 1")
	}

	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr is required")
	}

	if c.Gateway.PongWait <= time.Second {
		return fmt.Errorf("gateway.pong_wait must be longer than 1s")
	}

	if c.Gateway.MaxFrameBytes < 512 {
		return fmt.Errorf("gateway.max_frame_bytes must be at least 512")
	}

	if c.Gateway.JWTSecret != "" && len(c.Gateway.JWTSecret) < 16 {
		return fmt.Errorf("gateway.jwt_secret must be at least 16 bytes")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "parley.db")
}

// SessionPath returns the path of the signed-in identity file.
func (c *Config) SessionPath() string {
	return filepath.Join(c.Global.ConfigDir, "session.yaml")
}
