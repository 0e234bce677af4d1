package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/nimburion/leasequeue/pkg/queue"
)

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to LEASEQUEUE)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs.
// Tenant partitions are file-only; their store settings nest inside a list.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Default store
	v.BindEnv("store.type", l.prefixedEnv("STORE_TYPE"))
	v.BindEnv("store.url", l.prefixedEnv("STORE_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("store.max_open_conns", l.prefixedEnv("STORE_MAX_OPEN_CONNS"))
	v.BindEnv("store.max_idle_conns", l.prefixedEnv("STORE_MAX_IDLE_CONNS"))
	v.BindEnv("store.conn_max_lifetime", l.prefixedEnv("STORE_CONN_MAX_LIFETIME"))
	v.BindEnv("store.conn_max_idle_time", l.prefixedEnv("STORE_CONN_MAX_IDLE_TIME"))
	v.BindEnv("store.query_timeout", l.prefixedEnv("STORE_QUERY_TIMEOUT"))
	v.BindEnv("store.table_prefix", l.prefixedEnv("STORE_TABLE_PREFIX"))
	v.BindEnv("store.database_name", l.prefixedEnv("STORE_DATABASE_NAME"))
	v.BindEnv("store.connect_timeout", l.prefixedEnv("STORE_CONNECT_TIMEOUT"))
	v.BindEnv("store.max_conns", l.prefixedEnv("STORE_MAX_CONNS"))
	v.BindEnv("store.region", l.prefixedEnv("STORE_REGION"))
	v.BindEnv("store.endpoint", l.prefixedEnv("STORE_ENDPOINT"))
	v.BindEnv("store.access_key_id", l.prefixedEnv("STORE_ACCESS_KEY_ID"))
	v.BindEnv("store.secret_access_key", l.prefixedEnv("STORE_SECRET_ACCESS_KEY"))
	v.BindEnv("store.session_token", l.prefixedEnv("STORE_SESSION_TOKEN"))
	v.BindEnv("store.auto_migrate", l.prefixedEnv("STORE_AUTO_MIGRATE"))

	// Queue
	v.BindEnv("queue.scan_overfetch", l.prefixedEnv("QUEUE_SCAN_OVERFETCH"))

	// Worker
	v.BindEnv("worker.tenants", l.prefixedEnv("WORKER_TENANTS"))
	v.BindEnv("worker.kinds", l.prefixedEnv("WORKER_KINDS"))
	v.BindEnv("worker.concurrency", l.prefixedEnv("WORKER_CONCURRENCY"))
	v.BindEnv("worker.batch_size", l.prefixedEnv("WORKER_BATCH_SIZE"))
	v.BindEnv("worker.poll_interval", l.prefixedEnv("WORKER_POLL_INTERVAL"))
	v.BindEnv("worker.attempt_timeout", l.prefixedEnv("WORKER_ATTEMPT_TIMEOUT"))
	v.BindEnv("worker.stop_timeout", l.prefixedEnv("WORKER_STOP_TIMEOUT"))
	v.BindEnv("worker.renew_leases", l.prefixedEnv("WORKER_RENEW_LEASES"))
	v.BindEnv("worker.breaker_failures", l.prefixedEnv("WORKER_BREAKER_FAILURES"))
	v.BindEnv("worker.breaker_cooldown", l.prefixedEnv("WORKER_BREAKER_COOLDOWN"))

	// Sweeper
	v.BindEnv("sweeper.enabled", l.prefixedEnv("SWEEPER_ENABLED"))
	v.BindEnv("sweeper.tenants", l.prefixedEnv("SWEEPER_TENANTS"))
	v.BindEnv("sweeper.kinds", l.prefixedEnv("SWEEPER_KINDS"))
	v.BindEnv("sweeper.interval", l.prefixedEnv("SWEEPER_INTERVAL"))
	v.BindEnv("sweeper.batch_size", l.prefixedEnv("SWEEPER_BATCH_SIZE"))
	v.BindEnv("sweeper.lock_provider", l.prefixedEnv("SWEEPER_LOCK_PROVIDER"))
	v.BindEnv("sweeper.lock_url", l.prefixedEnv("SWEEPER_LOCK_URL"))
	v.BindEnv("sweeper.lock_ttl", l.prefixedEnv("SWEEPER_LOCK_TTL"))

	// Dead letter
	v.BindEnv("deadletter.enabled", l.prefixedEnv("DEADLETTER_ENABLED"))
	v.BindEnv("deadletter.type", l.prefixedEnv("DEADLETTER_TYPE"))
	v.BindEnv("deadletter.topic_prefix", l.prefixedEnv("DEADLETTER_TOPIC_PREFIX"))
	v.BindEnv("deadletter.brokers", l.prefixedEnv("DEADLETTER_BROKERS"))
	v.BindEnv("deadletter.url", l.prefixedEnv("DEADLETTER_URL"))
	v.BindEnv("deadletter.exchange", l.prefixedEnv("DEADLETTER_EXCHANGE"))
	v.BindEnv("deadletter.queue_url", l.prefixedEnv("DEADLETTER_QUEUE_URL"))
	v.BindEnv("deadletter.region", l.prefixedEnv("DEADLETTER_REGION"))
	v.BindEnv("deadletter.endpoint", l.prefixedEnv("DEADLETTER_ENDPOINT"))
	v.BindEnv("deadletter.access_key_id", l.prefixedEnv("DEADLETTER_ACCESS_KEY_ID"))
	v.BindEnv("deadletter.secret_access_key", l.prefixedEnv("DEADLETTER_SECRET_ACCESS_KEY"))
	v.BindEnv("deadletter.session_token", l.prefixedEnv("DEADLETTER_SESSION_TOKEN"))
	v.BindEnv("deadletter.operation_timeout", l.prefixedEnv("DEADLETTER_OPERATION_TIMEOUT"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_insecure", l.prefixedEnv("TRACING_INSECURE"))
	v.BindEnv("observability.async_logging.enabled", l.prefixedEnv("LOG_ASYNC_ENABLED"))
	v.BindEnv("observability.async_logging.queue_size", l.prefixedEnv("LOG_ASYNC_QUEUE_SIZE"))
	v.BindEnv("observability.async_logging.worker_count", l.prefixedEnv("LOG_ASYNC_WORKER_COUNT"))
	v.BindEnv("observability.async_logging.drop_when_full", l.prefixedEnv("LOG_ASYNC_DROP_WHEN_FULL"))
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("store.type", cfg.Store.Type)
	v.SetDefault("store.max_open_conns", cfg.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", cfg.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", cfg.Store.ConnMaxLifetime)
	v.SetDefault("store.conn_max_idle_time", cfg.Store.ConnMaxIdleTime)
	v.SetDefault("store.query_timeout", cfg.Store.QueryTimeout)
	v.SetDefault("store.connect_timeout", cfg.Store.ConnectTimeout)
	v.SetDefault("store.max_conns", cfg.Store.MaxConns)
	v.SetDefault("store.auto_migrate", cfg.Store.AutoMigrate)

	v.SetDefault("queue.scan_overfetch", cfg.Queue.ScanOverfetch)

	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.batch_size", cfg.Worker.BatchSize)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.attempt_timeout", cfg.Worker.AttemptTimeout)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)
	v.SetDefault("worker.renew_leases", cfg.Worker.RenewLeases)
	v.SetDefault("worker.breaker_failures", cfg.Worker.BreakerFailures)
	v.SetDefault("worker.breaker_cooldown", cfg.Worker.BreakerCooldown)

	v.SetDefault("sweeper.enabled", cfg.Sweeper.Enabled)
	v.SetDefault("sweeper.interval", cfg.Sweeper.Interval)
	v.SetDefault("sweeper.batch_size", cfg.Sweeper.BatchSize)
	v.SetDefault("sweeper.lock_provider", cfg.Sweeper.LockProvider)
	v.SetDefault("sweeper.lock_ttl", cfg.Sweeper.LockTTL)

	v.SetDefault("deadletter.enabled", cfg.DeadLetter.Enabled)
	v.SetDefault("deadletter.topic_prefix", cfg.DeadLetter.TopicPrefix)
	v.SetDefault("deadletter.operation_timeout", cfg.DeadLetter.OperationTimeout)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
	v.SetDefault("observability.async_logging.enabled", cfg.Observability.AsyncLogging.Enabled)
	v.SetDefault("observability.async_logging.queue_size", cfg.Observability.AsyncLogging.QueueSize)
	v.SetDefault("observability.async_logging.worker_count", cfg.Observability.AsyncLogging.WorkerCount)
	v.SetDefault("observability.async_logging.drop_when_full", cfg.Observability.AsyncLogging.DropWhenFull)
}

// Validate validates the configuration, normalizing list values in place.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Worker.Tenants = normalizeStringSlice(cfg.Worker.Tenants)
	cfg.Worker.Kinds = normalizeStringSlice(cfg.Worker.Kinds)
	cfg.Sweeper.Tenants = normalizeStringSlice(cfg.Sweeper.Tenants)
	cfg.Sweeper.Kinds = normalizeStringSlice(cfg.Sweeper.Kinds)
	cfg.DeadLetter.Brokers = normalizeStringSlice(cfg.DeadLetter.Brokers)

	errs = append(errs, validateStore("store", cfg.Store)...)

	partitionNames := map[string]struct{}{}
	assigned := map[string]string{}
	for idx, partition := range cfg.Tenants {
		field := fmt.Sprintf("tenants[%d]", idx)
		name := strings.TrimSpace(partition.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
		} else if name == DefaultPartition {
			errs = append(errs, fmt.Errorf("%s.name %q is reserved for the default store", field, name))
		} else if _, dup := partitionNames[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is used twice", field, name))
		}
		partitionNames[name] = struct{}{}
		tenants := normalizeStringSlice(partition.Tenants)
		if len(tenants) == 0 {
			errs = append(errs, fmt.Errorf("%s.tenants must list at least one tenant", field))
		}
		for _, tenantID := range tenants {
			if other, ok := assigned[tenantID]; ok && other != name {
				errs = append(errs, fmt.Errorf("%s: tenant %q already assigned to partition %q", field, tenantID, other))
			}
			assigned[tenantID] = name
		}
		cfg.Tenants[idx].Tenants = tenants
		errs = append(errs, validateStore(field+".store", partition.Store)...)
	}

	for name, kind := range cfg.Queue.Kinds {
		if _, err := queue.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("queue.kinds: unknown kind %q", name))
		}
		if kind.LeaseDuration < 0 || kind.InitialBackoff < 0 || kind.MaxBackoff < 0 {
			errs = append(errs, fmt.Errorf("queue.kinds.%s: durations must not be negative", name))
		}
		if kind.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("queue.kinds.%s.max_attempts must not be negative", name))
		}
		if kind.Jitter < 0 || kind.Jitter > 1 {
			errs = append(errs, fmt.Errorf("queue.kinds.%s.jitter must be between 0 and 1", name))
		}
	}
	if cfg.Queue.ScanOverfetch < 1 {
		errs = append(errs, errors.New("queue.scan_overfetch must be at least 1"))
	}

	errs = append(errs, validateKindNames("worker.kinds", cfg.Worker.Kinds)...)
	if cfg.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if cfg.Worker.BatchSize < 1 {
		errs = append(errs, errors.New("worker.batch_size must be at least 1"))
	}
	if cfg.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if cfg.Worker.BreakerFailures < 0 {
		errs = append(errs, errors.New("worker.breaker_failures must not be negative"))
	}

	errs = append(errs, validateKindNames("sweeper.kinds", cfg.Sweeper.Kinds)...)
	if cfg.Sweeper.Enabled {
		if cfg.Sweeper.Interval <= 0 {
			errs = append(errs, errors.New("sweeper.interval must be positive when the sweeper is enabled"))
		}
		if cfg.Sweeper.BatchSize < 1 {
			errs = append(errs, errors.New("sweeper.batch_size must be at least 1"))
		}
	}
	lockProviders := []string{LockProviderLocal, LockProviderRedis, LockProviderPostgres}
	provider := strings.ToLower(strings.TrimSpace(cfg.Sweeper.LockProvider))
	if provider != "" && !contains(lockProviders, provider) {
		errs = append(errs, fmt.Errorf("invalid sweeper.lock_provider: %s (must be one of: %v)", cfg.Sweeper.LockProvider, lockProviders))
	}
	if (provider == LockProviderRedis || provider == LockProviderPostgres) && strings.TrimSpace(cfg.Sweeper.LockURL) == "" {
		errs = append(errs, fmt.Errorf("sweeper.lock_url is required for lock provider %s", provider))
	}
	if provider != "" && provider != LockProviderLocal && cfg.Sweeper.LockTTL <= 0 {
		errs = append(errs, errors.New("sweeper.lock_ttl must be positive"))
	}

	if cfg.DeadLetter.Enabled {
		switch strings.ToLower(strings.TrimSpace(cfg.DeadLetter.Type)) {
		case DeadLetterTypeKafka:
			if len(cfg.DeadLetter.Brokers) == 0 {
				errs = append(errs, errors.New("deadletter.brokers is required for kafka"))
			}
		case DeadLetterTypeRabbitMQ:
			if strings.TrimSpace(cfg.DeadLetter.URL) == "" {
				errs = append(errs, errors.New("deadletter.url is required for rabbitmq"))
			}
		case DeadLetterTypeSQS:
			if strings.TrimSpace(cfg.DeadLetter.Region) == "" {
				errs = append(errs, errors.New("deadletter.region is required for sqs"))
			}
			if strings.TrimSpace(cfg.DeadLetter.QueueURL) == "" {
				errs = append(errs, errors.New("deadletter.queue_url is required for sqs"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid deadletter.type: %q (must be one of: kafka, rabbitmq, sqs)", cfg.DeadLetter.Type))
		}
		if strings.TrimSpace(cfg.DeadLetter.TopicPrefix) == "" {
			errs = append(errs, errors.New("deadletter.topic_prefix is required"))
		}
	}

	if cfg.Management.Enabled && (cfg.Management.Port < 1 || cfg.Management.Port > 65535) {
		errs = append(errs, fmt.Errorf("management.port must be between 1 and 65535, got %d", cfg.Management.Port))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid log level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid log format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}
	if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}
	if cfg.Observability.AsyncLogging.Enabled {
		if cfg.Observability.AsyncLogging.QueueSize < 1 {
			errs = append(errs, errors.New("observability.async_logging.queue_size must be at least 1"))
		}
		if cfg.Observability.AsyncLogging.WorkerCount < 1 {
			errs = append(errs, errors.New("observability.async_logging.worker_count must be at least 1"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateStore(field string, cfg StoreConfig) []error {
	var errs []error
	storeType := strings.ToLower(strings.TrimSpace(cfg.Type))
	switch storeType {
	case StoreTypeMemory:
	case StoreTypePostgres, StoreTypeMySQL, StoreTypeRedis:
		if strings.TrimSpace(cfg.URL) == "" {
			errs = append(errs, fmt.Errorf("%s.url is required for %s", field, storeType))
		}
	case StoreTypeMongoDB:
		if strings.TrimSpace(cfg.URL) == "" {
			errs = append(errs, fmt.Errorf("%s.url is required for mongodb", field))
		}
		if strings.TrimSpace(cfg.DatabaseName) == "" {
			errs = append(errs, fmt.Errorf("%s.database_name is required for mongodb", field))
		}
	case StoreTypeDynamoDB:
		if strings.TrimSpace(cfg.Region) == "" {
			errs = append(errs, fmt.Errorf("%s.region is required for dynamodb", field))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid %s.type: %q (must be one of: memory, postgres, mysql, redis, mongodb, dynamodb)", field, cfg.Type))
	}
	if !tablePrefixPattern.MatchString(cfg.TablePrefix) {
		errs = append(errs, fmt.Errorf("%s.table_prefix may only contain letters, digits and underscores", field))
	}
	if cfg.MaxOpenConns < 0 || cfg.MaxIdleConns < 0 || cfg.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("%s: connection limits must not be negative", field))
	}
	if cfg.MaxIdleConns > 0 && cfg.MaxOpenConns > 0 && cfg.MaxIdleConns > cfg.MaxOpenConns {
		errs = append(errs, fmt.Errorf("%s.max_idle_conns cannot exceed max_open_conns", field))
	}
	return errs
}

func validateKindNames(field string, names []string) []error {
	var errs []error
	for _, name := range names {
		if _, err := queue.ParseKind(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", field, name))
		}
	}
	return errs
}

// Policies converts the per-kind settings into queue policies.
func (c QueueConfig) Policies() (map[queue.Kind]queue.KindPolicy, error) {
	out := make(map[queue.Kind]queue.KindPolicy, len(c.Kinds))
	for name, kind := range c.Kinds {
		parsed, err := queue.ParseKind(name)
		if err != nil {
			return nil, err
		}
		out[parsed] = queue.KindPolicy{
			LeaseDuration:  kind.LeaseDuration,
			MaxAttempts:    kind.MaxAttempts,
			InitialBackoff: kind.InitialBackoff,
			MaxBackoff:     kind.MaxBackoff,
			Jitter:         kind.Jitter,
			DeferRetries:   kind.DeferRetries,
		}
	}
	return out, nil
}

// ParseKinds resolves kind names, returning every kind when names is empty.
func ParseKinds(names []string) ([]queue.Kind, error) {
	if len(names) == 0 {
		return queue.Kinds(), nil
	}
	out := make([]queue.Kind, 0, len(names))
	seen := map[queue.Kind]struct{}{}
	for _, name := range names {
		kind, err := queue.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	return out, nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// normalizeStringSlice removes empty strings and trims whitespace. A single
// comma-separated entry, as produced by an env var, is split.
func normalizeStringSlice(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
