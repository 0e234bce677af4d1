package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation classifies invalid configuration or arguments.
	ErrValidation = errors.New("sweeper validation error")
	// ErrConflict is returned when a lock token no longer matches.
	ErrConflict = errors.New("sweeper lock conflict")
	// ErrRetryable classifies transient lock backend failures.
	ErrRetryable = errors.New("sweeper retryable error")
	// ErrNotInitialized classifies calls on nil or closed components.
	ErrNotInitialized = errors.New("sweeper not initialized")
)

func sweeperError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// LockLease identifies a held lock.
type LockLease struct {
	Key      string
	Token    string
	ExpireAt time.Time
}

// LockProvider keeps a (tenant, kind) sweep singleton across processes.
type LockProvider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	Release(ctx context.Context, lease *LockLease) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// LockKey is the lock guarding sweeps of one (tenant, kind) pair.
func LockKey(target Target) string {
	return fmt.Sprintf("sweep:%s:%s", target.TenantID, target.Kind)
}
