package sweeper

import (
	"fmt"
	"strings"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

// NewLockProvider builds the lock provider selected by cfg.LockProvider.
func NewLockProvider(cfg config.SweeperConfig, log logger.Logger) (LockProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LockProvider)) {
	case "", config.LockProviderLocal:
		return NewLocalLockProvider(), nil
	case config.LockProviderRedis:
		return NewRedisLockProvider(RedisLockProviderConfig{URL: cfg.LockURL}, log)
	case config.LockProviderPostgres:
		return NewPostgresLockProvider(PostgresLockProviderConfig{URL: cfg.LockURL}, log)
	default:
		return nil, sweeperError(ErrValidation, fmt.Sprintf("unsupported lock provider %q", cfg.LockProvider))
	}
}
