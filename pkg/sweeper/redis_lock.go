package sweeper

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "leasequeue:sweeper:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLockProviderConfig configures distributed locks backed by Redis.
type RedisLockProviderConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLockProvider is a distributed lock provider using SET NX PX.
type RedisLockProvider struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisLockProviderConfig
}

// NewRedisLockProvider dials Redis and returns a lock provider on it.
func NewRedisLockProvider(cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if log == nil {
		return nil, sweeperError(ErrValidation, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, sweeperError(ErrValidation, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(sweeperError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(sweeperError(ErrRetryable, "ping redis failed"), err)
	}
	return &RedisLockProvider{client: client, log: log, config: cfg}, nil
}

// NewRedisLockProviderWithClient shares an existing client, for example the
// one behind the Redis record store.
func NewRedisLockProviderWithClient(client redis.UniversalClient, cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if client == nil {
		return nil, sweeperError(ErrValidation, "redis client is required")
	}
	if log == nil {
		return nil, sweeperError(ErrValidation, "logger is required")
	}
	cfg.normalize()
	return &RedisLockProvider{client: client, log: log, config: cfg}, nil
}

// Acquire attempts to take key for ttl.
func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if p == nil || p.client == nil {
		return nil, false, sweeperError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, sweeperError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, sweeperError(ErrValidation, "ttl must be > 0")
	}

	token := uuid.NewString()
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	acquired, err := p.client.SetNX(opCtx, p.fullKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(sweeperError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &LockLease{Key: key, Token: token, ExpireAt: time.Now().UTC().Add(ttl)}, true, nil
}

// Renew extends lock expiry when the token still matches.
func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if p == nil || p.client == nil {
		return sweeperError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	if err := checkLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return sweeperError(ErrValidation, "ttl must be > 0")
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := renewScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Join(sweeperError(ErrRetryable, "renew lock failed"), err)
	}
	if result == 0 {
		return sweeperError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

// Release unlocks the key if the lease token matches.
func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if p == nil || p.client == nil {
		return sweeperError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	if err := checkLease(lease); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := releaseScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return errors.Join(sweeperError(ErrRetryable, "release lock failed"), err)
	}
	if result == 0 {
		return sweeperError(ErrConflict, "lock release rejected")
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return sweeperError(ErrNotInitialized, "redis lock provider is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(sweeperError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (p *RedisLockProvider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *RedisLockProvider) fullKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}

func checkLease(lease *LockLease) error {
	if lease == nil {
		return sweeperError(ErrValidation, "lease is required")
	}
	if strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return sweeperError(ErrValidation, "lease key and token are required")
	}
	return nil
}
