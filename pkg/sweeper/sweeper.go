// Package sweeper periodically returns expired leases to the queue.
//
// Claims already take over expired leases, so sweeping is optional. It keeps
// state listings honest for tenants that nobody is polling and retires
// records whose last attempt timed out. A lock per (tenant, kind) keeps one
// sweeper active across replicas.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultBatchSize   = queue.DefaultSweepLimit
	DefaultLockTTL     = time.Minute
	DefaultStopTimeout = 30 * time.Second
)

// Queue is the subset of *queue.Queue the sweeper drives.
type Queue interface {
	Sweep(ctx context.Context, tenantID string, kind queue.Kind, now time.Time, limit int) (queue.SweepResult, error)
}

// Target is one (tenant, kind) pair to sweep.
type Target struct {
	TenantID string
	Kind     queue.Kind
}

func (t Target) String() string { return t.TenantID + "/" + string(t.Kind) }

// Config configures sweep cadence.
type Config struct {
	Targets   []Target
	Interval  time.Duration
	BatchSize int
	// LockTTL must cover one sweep pass of BatchSize records.
	LockTTL     time.Duration
	StopTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Result is the outcome of sweeping one target.
type Result struct {
	Target  Target
	Skipped bool
	Sweep   queue.SweepResult
	Err     error
}

// Sweeper runs queue.Sweep for each target on an interval.
type Sweeper struct {
	queue  Queue
	locks  LockProvider
	log    logger.Logger
	config Config

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New validates the configuration and returns an idle sweeper.
func New(q Queue, locks LockProvider, log logger.Logger, cfg Config) (*Sweeper, error) {
	if q == nil {
		return nil, sweeperError(ErrValidation, "queue is required")
	}
	if locks == nil {
		return nil, sweeperError(ErrValidation, "lock provider is required")
	}
	if log == nil {
		return nil, sweeperError(ErrValidation, "logger is required")
	}
	cfg.normalize()

	targets := make([]Target, 0, len(cfg.Targets))
	seen := map[Target]struct{}{}
	for _, target := range cfg.Targets {
		target.TenantID = strings.TrimSpace(target.TenantID)
		if target.TenantID == "" {
			return nil, sweeperError(ErrValidation, "target tenant is required")
		}
		if !target.Kind.Valid() {
			return nil, sweeperError(ErrValidation, fmt.Sprintf("target kind %q is not supported", target.Kind))
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, sweeperError(ErrValidation, "at least one target is required")
	}
	cfg.Targets = targets

	return &Sweeper{queue: q, locks: locks, log: log, config: cfg}, nil
}

// Start sweeps immediately and then every Interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	if s == nil {
		return sweeperError(ErrNotInitialized, "sweeper is not initialized")
	}
	if ctx == nil {
		return sweeperError(ErrValidation, "context is required")
	}

	s.lifecycleMu.Lock()
	if s.running {
		s.lifecycleMu.Unlock()
		return sweeperError(ErrValidation, "sweeper already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.lifecycleMu.Unlock()

	s.log.Info("sweeper started", "targets", len(s.config.Targets), "interval", s.config.Interval)
	go s.loop(runCtx)

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.config.StopTimeout)
	defer stopCancel()
	return s.Stop(stopCtx)
}

// Stop cancels the loop and waits for the pass in progress.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.lifecycleMu.Lock()
	if !s.running {
		s.lifecycleMu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		s.log.Info("sweeper stopped")
		return nil
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		_, _ = s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps every target once. Failures on one target do not stop the
// others; their errors are joined into the returned error.
func (s *Sweeper) RunOnce(ctx context.Context) ([]Result, error) {
	if s == nil {
		return nil, sweeperError(ErrNotInitialized, "sweeper is not initialized")
	}
	results := make([]Result, 0, len(s.config.Targets))
	var errs []error
	for _, target := range s.config.Targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result := s.sweepTarget(ctx, target)
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, result.Err))
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (s *Sweeper) sweepTarget(ctx context.Context, target Target) Result {
	log := s.log.With("tenant_id", target.TenantID, "kind", string(target.Kind))
	result := Result{Target: target}

	lease, acquired, err := s.locks.Acquire(ctx, LockKey(target), s.config.LockTTL)
	if err != nil {
		recordSweepRun(target.Kind, "lock_error")
		log.Warn("sweep lock acquire failed", "error", err)
		result.Err = err
		return result
	}
	if !acquired {
		recordSweepRun(target.Kind, "skipped")
		log.Debug("sweep lock held elsewhere")
		result.Skipped = true
		return result
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if releaseErr := s.locks.Release(releaseCtx, lease); releaseErr != nil {
			log.Warn("sweep lock release failed", "error", releaseErr)
		}
	}()

	sweep, err := s.queue.Sweep(ctx, target.TenantID, target.Kind, time.Time{}, s.config.BatchSize)
	result.Sweep = sweep
	if err != nil {
		recordSweepRun(target.Kind, "error")
		log.Error("sweep failed", "error", err)
		result.Err = err
		return result
	}
	recordSweepRun(target.Kind, "ok")
	if sweep.Released > 0 || sweep.DeadLettered > 0 {
		log.Info("expired leases swept",
			"scanned", sweep.Scanned,
			"released", sweep.Released,
			"dead_lettered", sweep.DeadLettered,
			"conflicts", sweep.Conflicts,
		)
	}
	return result
}
