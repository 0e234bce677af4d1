package sweeper

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLockProvider serializes sweeps inside one process. Use it when a
// single sweeper runs per deployment.
type LocalLockProvider struct {
	mu     sync.Mutex
	locks  map[string]LockLease
	now    func() time.Time
	closed bool
}

// NewLocalLockProvider returns an empty in-process lock table.
func NewLocalLockProvider() *LocalLockProvider {
	return &LocalLockProvider{locks: map[string]LockLease{}, now: time.Now}
}

// Acquire takes key when it is free or its holder's TTL ran out.
func (p *LocalLockProvider) Acquire(_ context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, sweeperError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, sweeperError(ErrValidation, "ttl must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, sweeperError(ErrNotInitialized, "local lock provider is closed")
	}
	now := p.now().UTC()
	if held, ok := p.locks[key]; ok && held.ExpireAt.After(now) {
		return nil, false, nil
	}
	lease := LockLease{Key: key, Token: uuid.NewString(), ExpireAt: now.Add(ttl)}
	p.locks[key] = lease
	return &lease, true, nil
}

// Renew extends a lease still held by its token.
func (p *LocalLockProvider) Renew(_ context.Context, lease *LockLease, ttl time.Duration) error {
	if lease == nil {
		return sweeperError(ErrValidation, "lease is required")
	}
	if ttl <= 0 {
		return sweeperError(ErrValidation, "ttl must be > 0")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now().UTC()
	held, ok := p.locks[lease.Key]
	if !ok || held.Token != lease.Token || !held.ExpireAt.After(now) {
		return sweeperError(ErrConflict, "lock renew rejected")
	}
	held.ExpireAt = now.Add(ttl)
	p.locks[lease.Key] = held
	lease.ExpireAt = held.ExpireAt
	return nil
}

// Release frees a lease still held by its token.
func (p *LocalLockProvider) Release(_ context.Context, lease *LockLease) error {
	if lease == nil {
		return sweeperError(ErrValidation, "lease is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	held, ok := p.locks[lease.Key]
	if !ok || held.Token != lease.Token {
		return sweeperError(ErrConflict, "lock release rejected")
	}
	delete(p.locks, lease.Key)
	return nil
}

func (p *LocalLockProvider) HealthCheck(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return sweeperError(ErrNotInitialized, "local lock provider is closed")
	}
	return nil
}

func (p *LocalLockProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.locks = map[string]LockLease{}
	return nil
}
