package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Node    NodeConfig    `mapstructure:"node"`
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Syncer  SyncerConfig  `mapstructure:"syncer"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// NodeConfig contains chain node connection configuration
type NodeConfig struct {
	URL               string        `mapstructure:"url"`
	BackupNodes       []string      `mapstructure:"backup_nodes"`
	ChainID           int64         `mapstructure:"chain_id"`
	PrivateKey        string        `mapstructure:"private_key"` // hex, no 0x prefix
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// EngineConfig contains trigger-engine configuration
type EngineConfig struct {
	Contract         string        `mapstructure:"contract"`       // token contract the engine trades against
	Owner            string        `mapstructure:"owner"`          // account whose listeners act on its behalf
	MarketAccount    string        `mapstructure:"market_account"` // counterparty for sell/buy executions
	QueueSize        int           `mapstructure:"queue_size"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

// FeedConfig contains external price feed configuration
type FeedConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
}

// SyncerConfig contains storage syncer configuration
type SyncerConfig struct {
	Interval    time.Duration `mapstructure:"interval"` // 0 disables periodic sync
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./internal/config")
	}

	viper.SetEnvPrefix("TRIGGER")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with environment variables if present
	if nodeURL := os.Getenv("TRIGGER_NODE_URL"); nodeURL != "" {
		config.Node.URL = nodeURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "trigger-engine")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	// Node defaults
	viper.SetDefault("node.url", "ws://127.0.0.1:8546")
	viper.SetDefault("node.chain_id", 31)
	viper.SetDefault("node.request_timeout", "30s")
	viper.SetDefault("node.retry_attempts", 3)
	viper.SetDefault("node.retry_delay", "5s")
	viper.SetDefault("node.connection_timeout", "10s")

	// Storage defaults
	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/trigger.db")
	viper.SetDefault("storage.max_connections", 25)
	viper.SetDefault("storage.max_idle_time", "15m")

	// Engine defaults
	viper.SetDefault("engine.queue_size", 100)
	viper.SetDefault("engine.execution_timeout", "60s")

	// Feed defaults
	viper.SetDefault("feed.enabled", false)
	viper.SetDefault("feed.handshake_timeout", "10s")
	viper.SetDefault("feed.read_timeout", "60s")
	viper.SetDefault("feed.reconnect_delay", "1s")
	viper.SetDefault("feed.max_reconnect_wait", "60s")

	// Syncer defaults; 0 means sync on demand only
	viper.SetDefault("syncer.interval", "0s")
	viper.SetDefault("syncer.sync_timeout", "30s")

	// Server defaults
	viper.SetDefault("server.port", 8082)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_health", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.URL == "" {
		return fmt.Errorf("node URL is required")
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine queue size must be positive")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("feed URL is required when the feed is enabled")
	}
	return nil
}
