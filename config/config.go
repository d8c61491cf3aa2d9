// Package config provides configuration management for sagaflow.
package config

import (
	"fmt"
	"time"
)

// Config is the complete sagad configuration. Every section has defaults, so
// a file only needs the values it changes.
type Config struct {
	App          AppConfig          `mapstructure:"app" validate:"required"`
	Server       ServerConfig       `mapstructure:"server" validate:"required"`
	Log          LogConfig          `mapstructure:"log" validate:"required"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Compensation CompensationConfig `mapstructure:"compensation"`
	ErrorHandler ErrorHandlerConfig `mapstructure:"error_handler"`
	Storage      StorageConfig      `mapstructure:"storage"`
	EventBus     EventBusConfig     `mapstructure:"event_bus"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment" validate:"env"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Host string     `mapstructure:"host" validate:"host"`
	Port int        `mapstructure:"port" validate:"required,min=1,max=65535"`
	HTTP HTTPConfig `mapstructure:"http"`
	CORS CORSConfig `mapstructure:"cors"`

	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds API handlers. Event streams are not bounded.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes" validate:"min=0"`

	// SubmitRate caps saga submissions per second from one client. Zero
	// disables the limit.
	SubmitRate float64 `mapstructure:"submit_rate" validate:"min=0"`

	// SubmitBurst is how many submissions a client may make at once.
	SubmitBurst int `mapstructure:"submit_burst" validate:"min=0"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// WebSocketConfig holds settings of the /ws/events stream.
type WebSocketConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxConnections int           `mapstructure:"max_connections" validate:"min=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
	Output string `mapstructure:"output"`
}

// EngineConfig holds saga execution engine settings.
type EngineConfig struct {
	// MaxConcurrentSagas bounds sagas executing at once.
	MaxConcurrentSagas int `mapstructure:"max_concurrent_sagas" validate:"min=1"`

	// ExecutionTimeout applies to sagas without their own timeout. Zero disables it.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	// StateSaveInterval is the period of snapshot saves while a saga runs.
	StateSaveInterval time.Duration `mapstructure:"state_save_interval"`

	// AutoRecovery enables the periodic recovery sweep over failed sagas.
	AutoRecovery bool `mapstructure:"auto_recovery"`

	// RecoveryCheckInterval is the recovery sweep period.
	RecoveryCheckInterval time.Duration `mapstructure:"recovery_check_interval"`

	// MaxRecoveryAttempts caps recoveries per saga. Zero means no cap.
	MaxRecoveryAttempts int `mapstructure:"max_recovery_attempts" validate:"min=0"`

	// RecoveryRate is the number of recoveries per second the sweep may start.
	RecoveryRate float64 `mapstructure:"recovery_rate" validate:"gte=0"`

	// PerformanceMonitoring records execution statistics.
	PerformanceMonitoring bool `mapstructure:"performance_monitoring"`

	// Cleanup is the terminal snapshot retention configuration.
	Cleanup CleanupConfig `mapstructure:"cleanup"`
}

// CleanupConfig holds terminal snapshot retention settings.
type CleanupConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	RetentionDays int           `mapstructure:"retention_days" validate:"min=0"`
}

// CompensationConfig holds compensation manager settings.
type CompensationConfig struct {
	// Strategy schedules new tasks (IMMEDIATE, DELAYED, BATCH, MANUAL).
	Strategy string `mapstructure:"strategy" validate:"oneof=IMMEDIATE DELAYED BATCH MANUAL"`

	// Delay postpones DELAYED tasks after creation.
	Delay time.Duration `mapstructure:"delay"`

	// BatchSize caps BATCH tasks per sweep tick.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	MaxRetries    int           `mapstructure:"max_retries" validate:"min=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// Timeout bounds one task execution.
	Timeout time.Duration `mapstructure:"timeout"`

	ParallelCompensation     bool `mapstructure:"parallel_compensation"`
	MaxParallelCompensations int  `mapstructure:"max_parallel_compensations" validate:"min=1"`

	// CheckInterval is the sweep period of scheduled tasks.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// ErrorHandlerConfig holds error handler settings.
type ErrorHandlerConfig struct {
	MaxRetries       int           `mapstructure:"max_retries" validate:"min=0"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
	RetryMultiplier  float64       `mapstructure:"retry_multiplier" validate:"gte=1"`

	// Timeout bounds strategies that call back into the saga.
	Timeout time.Duration `mapstructure:"timeout"`

	// AutoRecovery and RecoveryCheckInterval feed the engine recovery sweep.
	AutoRecovery          bool          `mapstructure:"auto_recovery"`
	RecoveryCheckInterval time.Duration `mapstructure:"recovery_check_interval"`

	Notification NotificationConfig `mapstructure:"notification"`

	// Classification overrides the strategy chosen per error type,
	// e.g. NETWORK_ERROR: EXPONENTIAL_BACKOFF_RETRY.
	Classification map[string]string `mapstructure:"classification" validate:"dive,keys,error_type,endkeys,recovery_strategy"`

	// Strategies overrides the retry budget per recovery strategy,
	// e.g. DELAYED_RETRY: {max_retries: 0}.
	Strategies map[string]StrategyOverride `mapstructure:"strategies" validate:"dive,keys,recovery_strategy,endkeys"`
}

// StrategyOverride holds the retry budget of one recovery strategy. Unset
// fields inherit the handler-wide values.
type StrategyOverride struct {
	MaxRetries    *int           `mapstructure:"max_retries" validate:"omitempty,min=0"`
	RetryInterval *time.Duration `mapstructure:"retry_interval" validate:"omitempty,min=0"`
}

// NotificationConfig holds error notification settings.
type NotificationConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Channels  []string `mapstructure:"channels"`
	Threshold int      `mapstructure:"threshold" validate:"min=0"`
}

// StorageConfig holds snapshot persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, redis, mysql, postgres).
	Type   string       `mapstructure:"type" validate:"oneof=memory badger redis mysql postgres"`
	Badger BadgerConfig `mapstructure:"badger"`
	Redis  RedisConfig  `mapstructure:"redis"`

	// SQL is the MySQL or PostgreSQL configuration.
	SQL SQLConfig `mapstructure:"sql"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	Path string `mapstructure:"path"`

	// InMemory keeps the database off disk.
	InMemory         bool  `mapstructure:"in_memory"`
	SyncWrites       bool  `mapstructure:"sync_writes"`
	ValueLogFileSize int64 `mapstructure:"value_log_file_size" validate:"min=0"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`

	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string `mapstructure:"key_prefix"`

	// PoolSize is the maximum number of socket connections.
	PoolSize int `mapstructure:"pool_size" validate:"min=0"`
}

// SQLConfig holds MySQL and PostgreSQL settings.
type SQLConfig struct {
	// DSN is the driver specific data source name.
	DSN string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EventBusConfig holds lifecycle event publishing settings.
type EventBusConfig struct {
	// NodeID identifies this process in event envelopes.
	NodeID string `mapstructure:"node_id" validate:"required"`

	// Retry is the publish retry policy.
	Retry EventRetryConfig `mapstructure:"retry"`

	// AMQP is the optional broker transport.
	AMQP AMQPConfig `mapstructure:"amqp"`
}

// EventRetryConfig holds publish retry settings.
type EventRetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor" validate:"gte=1"`
}

// AMQPConfig holds the AMQP broker settings.
type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url" validate:"omitempty,amqp_url"`
	Exchange string `mapstructure:"exchange"`
	Durable  bool   `mapstructure:"durable"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc"`
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds one export.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is the sampling policy (always_on, always_off, traceidratio, parentbased_traceidratio).
	Sampler    string  `mapstructure:"sampler" validate:"oneof=always_on always_off traceidratio parentbased_traceidratio"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := ValidateWithDetails(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type)
}
