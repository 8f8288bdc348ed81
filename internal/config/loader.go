package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load loads and validates configuration from:
// 1. Default values
// 2. config.yaml file (optional)
// 3. BOT_* environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow a missing config file; defaults plus env cover everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("database.path", "signalbot.db")

	v.SetDefault("queue.visibility_timeout", "30s")
	v.SetDefault("queue.max_deliveries", 8)
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.nack_delay", "5s")
	v.SetDefault("queue.retention", "24h")

	v.SetDefault("pipeline.inbound_workers", 4)
	v.SetDefault("pipeline.stock_workers", 4)
	v.SetDefault("pipeline.outbound_workers", 4)

	v.SetDefault("marketdata.base_url", "https://query1.finance.example.com")
	v.SetDefault("marketdata.timeout", "10s")

	v.SetDefault("signal.api_url", "http://localhost:8090")
	v.SetDefault("signal.send_timeout", "30s")
	v.SetDefault("signal.send_retries", 4)

	v.SetDefault("registration.max_sms_attempts", 3)
	v.SetDefault("registration.initial_backoff", "1m")
	v.SetDefault("registration.max_backoff", "24h")

	v.SetDefault("scheduler.tasks.queue_retention.enabled", true)
	v.SetDefault("scheduler.tasks.queue_retention.schedule", "0 * * * *")
	v.SetDefault("scheduler.tasks.sql_maintenance.enabled", true)
	v.SetDefault("scheduler.tasks.sql_maintenance.schedule", "0 4 * * *")
}
