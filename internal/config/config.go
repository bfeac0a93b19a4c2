package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Broker Configuration (Redis Pub/Sub)
type BrokerConfig struct {
	Address        string        `mapstructure:"address"`
	Password       string        `mapstructure:"password"`
	Database       int           `mapstructure:"database"`
	UseTLS         bool          `mapstructure:"use_tls"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
}

type DispatchConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	OfflineAfter       time.Duration `mapstructure:"offline_after"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	ProcessingTimeout  time.Duration `mapstructure:"processing_timeout"`
	MaxAutoRetries     int           `mapstructure:"max_auto_retries"`
	MaxLifetimeRetries int           `mapstructure:"max_lifetime_retries"`
	RecoveryStaleness  time.Duration `mapstructure:"recovery_staleness"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// Defaults setzen
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("broker.address", "localhost:6379")
	viper.SetDefault("broker.connect_timeout", "5s")
	viper.SetDefault("broker.keep_alive", "10s")

	// Dispatch Defaults
	viper.SetDefault("dispatch.heartbeat_interval", "30s")
	viper.SetDefault("dispatch.offline_after", "75s") // 2.5x heartbeat
	viper.SetDefault("dispatch.ack_timeout", "30s")
	viper.SetDefault("dispatch.processing_timeout", "5m")
	viper.SetDefault("dispatch.max_auto_retries", 3)
	viper.SetDefault("dispatch.max_lifetime_retries", 10)
	viper.SetDefault("dispatch.recovery_staleness", "2m")

	// Environment Variables automatisch binden (Viper Feature)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OPC") // Environment Variables mit Prefix OPC_

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Dispatch.OfflineAfter < config.Dispatch.HeartbeatInterval {
		return nil, fmt.Errorf("dispatch.offline_after must be at least the heartbeat interval")
	}

	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
