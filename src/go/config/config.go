package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    int            `mapstructure:"log_level"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Gateway     GatewayConfig  `mapstructure:"gateway"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type DatabaseConfig struct {
	// SessionsPath is the whatsmeow credential store (one device row per session).
	SessionsPath string `mapstructure:"sessions_path"`
	// SettingsPath is the per-user bot settings store.
	SettingsPath string `mapstructure:"settings_path"`
}

type GatewayConfig struct {
	// ReconnectDelayMs is the base delay before a dropped session reconnects.
	// A random jitter of up to half this amount is added on top.
	ReconnectDelayMs int `mapstructure:"reconnect_delay_ms"`
	// PairingRetryDelayMs is how long to wait before retrying a failed
	// pairing-code request once.
	PairingRetryDelayMs int `mapstructure:"pairing_retry_delay_ms"`
}

func Load() (*Config, error) {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", 4) // Info level
	viper.SetDefault("server.port", 5000)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.sessions_path", "data/sessions.db")
	viper.SetDefault("database.settings_path", "data/settings.db")
	viper.SetDefault("gateway.reconnect_delay_ms", 3000)
	viper.SetDefault("gateway.pairing_retry_delay_ms", 1200)

	// Environment variables
	viper.SetEnvPrefix("WA")
	viper.AutomaticEnv()

	// Config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Read config file (optional)
	viper.ReadInConfig()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
