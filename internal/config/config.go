// Package config manages application configuration from default values,
// an optional config.yaml file, and BOT_-prefixed environment variables.
package config

import (
	"time"
)

// Config defines the application configuration parameters for all
// components of the bot: logging, HTTP surface, database, queue transport,
// pipeline worker pools, external providers, and the registration flow.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	MarketData   MarketDataConfig   `mapstructure:"marketdata"`
	Signal       SignalConfig       `mapstructure:"signal"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

// LogConfig controls log level and output format.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// HTTPConfig controls the webhook and operator API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s,max=1m"`
}

// DatabaseConfig controls the SQLite database backing the queue transport,
// registration state, and audit log.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// QueueConfig controls the durable queue transport.
type QueueConfig struct {
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"min=1s,max=10m"`
	MaxDeliveries     int           `mapstructure:"max_deliveries"     validate:"min=1,max=20"`
	PollInterval      time.Duration `mapstructure:"poll_interval"      validate:"min=100ms,max=1m"`
	NackDelay         time.Duration `mapstructure:"nack_delay"         validate:"min=1s,max=10m"`
	Retention         time.Duration `mapstructure:"retention"          validate:"min=1h"`
}

// PipelineConfig sizes the worker pool bound to each queue.
type PipelineConfig struct {
	InboundWorkers  int `mapstructure:"inbound_workers"  validate:"min=1,max=64"`
	StockWorkers    int `mapstructure:"stock_workers"    validate:"min=1,max=64"`
	OutboundWorkers int `mapstructure:"outbound_workers" validate:"min=1,max=64"`
}

// MarketDataConfig controls the external quote provider client.
type MarketDataConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout"  validate:"min=1s,max=1m"`
}

// SignalConfig controls the Signal REST API client used for sending
// messages and for phone number registration.
type SignalConfig struct {
	APIURL      string        `mapstructure:"api_url"      validate:"required,url"`
	APIToken    string        `mapstructure:"api_token"`
	SendTimeout time.Duration `mapstructure:"send_timeout" validate:"min=1s,max=2m"`
	SendRetries int           `mapstructure:"send_retries" validate:"min=1,max=10"`
}

// RegistrationConfig controls the registration state machine backoff policy.
type RegistrationConfig struct {
	MaxSmsAttempts int           `mapstructure:"max_sms_attempts" validate:"min=1,max=10"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"  validate:"min=1s"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"      validate:"min=1m,max=48h"`
}

// SchedulerConfig holds the periodic maintenance task definitions.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig enables a named task and sets its cron schedule.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}
