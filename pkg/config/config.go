// Package config loads leasequeue configuration from defaults, YAML files,
// an optional secrets file and LEASEQUEUE_* environment variables.
package config

import (
	"time"
)

// Store type constants
const (
	// StoreTypeMemory keeps records in process; for tests and local runs.
	StoreTypeMemory = "memory"
	// StoreTypePostgres represents PostgreSQL
	StoreTypePostgres = "postgres"
	// StoreTypeMySQL represents MySQL
	StoreTypeMySQL = "mysql"
	// StoreTypeRedis represents Redis
	StoreTypeRedis = "redis"
	// StoreTypeMongoDB represents MongoDB
	StoreTypeMongoDB = "mongodb"
	// StoreTypeDynamoDB represents AWS DynamoDB
	StoreTypeDynamoDB = "dynamodb"
)

// Dead-letter publisher type constants
const (
	DeadLetterTypeKafka    = "kafka"
	DeadLetterTypeRabbitMQ = "rabbitmq"
	DeadLetterTypeSQS      = "sqs"
)

// Sweeper lock provider constants
const (
	LockProviderLocal    = "local"
	LockProviderRedis    = "redis"
	LockProviderPostgres = "postgres"
)

// DefaultEnvPrefix prefixes every bound environment variable.
const DefaultEnvPrefix = "LEASEQUEUE"

// DefaultPartition names the store used by tenants without a dedicated
// partition. Dedicated partitions may not use it.
const DefaultPartition = "default"

// Config is the root configuration.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Tenants       []PartitionConfig   `mapstructure:"tenants" yaml:"tenants"`
	Queue         QueueConfig         `mapstructure:"queue" yaml:"queue"`
	Worker        WorkerConfig        `mapstructure:"worker" yaml:"worker"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper" yaml:"sweeper"`
	DeadLetter    DeadLetterConfig    `mapstructure:"deadletter" yaml:"deadletter"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// StoreConfig configures one record store. Which fields apply depends on Type.
type StoreConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"` // memory, postgres, mysql, redis, mongodb, dynamodb
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	TablePrefix     string        `mapstructure:"table_prefix" yaml:"table_prefix"`
	DatabaseName    string        `mapstructure:"database_name" yaml:"database_name"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MaxConns        int           `mapstructure:"max_conns" yaml:"max_conns"`
	Region          string        `mapstructure:"region" yaml:"region"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string        `mapstructure:"session_token" yaml:"session_token"`
	// AutoMigrate creates missing tables, collections or indexes at startup.
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// PartitionConfig pins tenants to a dedicated store.
type PartitionConfig struct {
	Name    string      `mapstructure:"name" yaml:"name"`
	Tenants []string    `mapstructure:"tenants" yaml:"tenants"`
	Store   StoreConfig `mapstructure:"store" yaml:"store"`
}

// QueueConfig configures per-kind lease and retry behaviour.
type QueueConfig struct {
	// Kinds is keyed by kind name (order_event, marketplace_order_event, feed_document).
	Kinds         map[string]KindConfig `mapstructure:"kinds" yaml:"kinds"`
	ScanOverfetch int                   `mapstructure:"scan_overfetch" yaml:"scan_overfetch"`
}

// KindConfig overrides the defaults of one kind; zero fields keep the default.
type KindConfig struct {
	LeaseDuration  time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter" yaml:"jitter"`
	DeferRetries   bool          `mapstructure:"defer_retries" yaml:"defer_retries"`
}

// WorkerConfig configures the claim/process loop.
type WorkerConfig struct {
	Tenants         []string      `mapstructure:"tenants" yaml:"tenants"`
	Kinds           []string      `mapstructure:"kinds" yaml:"kinds"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	RenewLeases     bool          `mapstructure:"renew_leases" yaml:"renew_leases"`
	BreakerFailures int           `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// SweeperConfig configures the expired-lease sweeper.
type SweeperConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Tenants      []string      `mapstructure:"tenants" yaml:"tenants"`
	Kinds        []string      `mapstructure:"kinds" yaml:"kinds"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	LockProvider string        `mapstructure:"lock_provider" yaml:"lock_provider"` // local, redis, postgres
	LockURL      string        `mapstructure:"lock_url" yaml:"lock_url"`
	LockTTL      time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// DeadLetterConfig configures dead-letter notifications.
type DeadLetterConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Type             string        `mapstructure:"type" yaml:"type"` // kafka, rabbitmq, sqs
	TopicPrefix      string        `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	Brokers          []string      `mapstructure:"brokers" yaml:"brokers"`
	URL              string        `mapstructure:"url" yaml:"url"`
	Exchange         string        `mapstructure:"exchange" yaml:"exchange"`
	QueueURL         string        `mapstructure:"queue_url" yaml:"queue_url"`
	Region           string        `mapstructure:"region" yaml:"region"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token" yaml:"session_token"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// ManagementConfig configures the management HTTP server.
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string             `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string             `mapstructure:"log_format" yaml:"log_format"` // json, text
	TracingEnabled    bool               `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64            `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingEndpoint   string             `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingInsecure   bool               `mapstructure:"tracing_insecure" yaml:"tracing_insecure"`
	AsyncLogging      AsyncLoggingConfig `mapstructure:"async_logging" yaml:"async_logging"`
}

// AsyncLoggingConfig configures optional asynchronous logger dispatching.
type AsyncLoggingConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	QueueSize    int  `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerCount  int  `mapstructure:"worker_count" yaml:"worker_count"`
	DropWhenFull bool `mapstructure:"drop_when_full" yaml:"drop_when_full"`
}

// DefaultConfig returns a configuration that runs against the in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "leasequeue",
			Environment: "production",
		},
		Store: StoreConfig{
			Type:            StoreTypeMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
			ConnectTimeout:  5 * time.Second,
			MaxConns:        10,
		},
		Queue: QueueConfig{
			Kinds:         map[string]KindConfig{},
			ScanOverfetch: 2,
		},
		Worker: WorkerConfig{
			Concurrency:     1,
			BatchSize:       10,
			PollInterval:    time.Second,
			AttemptTimeout:  time.Minute,
			StopTimeout:     30 * time.Second,
			RenewLeases:     true,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Sweeper: SweeperConfig{
			Interval:     30 * time.Second,
			BatchSize:    100,
			LockProvider: LockProviderLocal,
			LockTTL:      time.Minute,
		},
		DeadLetter: DeadLetterConfig{
			TopicPrefix:      "leasequeue.deadletter",
			OperationTimeout: 10 * time.Second,
		},
		Management: ManagementConfig{
			Enabled:      true,
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingSampleRate: 0.1,
			AsyncLogging: AsyncLoggingConfig{
				QueueSize:   1024,
				WorkerCount: 1,
			},
		},
	}
}
