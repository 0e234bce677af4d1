// Package worker runs claim/process loops against the lease queue.
//
// Each loop owns one lease-owner identity and one (tenant, kind) target. It
// claims a batch, hands every record to the handler registered for the kind
// and resolves the lease with Complete or Fail. Failures are never retried
// inline; the queue's retry policy decides what happens next.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/observability/tracing"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/resilience"
)

const (
	DefaultBatchSize       = 10
	DefaultPollInterval    = time.Second
	DefaultAttemptTimeout  = time.Minute
	DefaultStopTimeout     = 30 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second

	minLeaseRenewInterval = 100 * time.Millisecond
)

// ErrNoHandler is recorded as the failure cause of records whose kind has no handler.
var ErrNoHandler = errors.New("no handler registered for kind")

// Handler processes one leased record. A non-nil result is stored on the
// completed record. Returning queue.Permanent(err) dead-letters the record
// without spending the remaining attempts.
type Handler func(ctx context.Context, rec *queue.Record) ([]byte, error)

// Queue is the subset of *queue.Queue a worker drives.
type Queue interface {
	ClaimBatch(ctx context.Context, tenantID string, kind queue.Kind, owner string, maxN int, now time.Time) ([]*queue.Record, error)
	CompleteWithResult(ctx context.Context, tenantID string, kind queue.Kind, recordID, owner string, result []byte) (*queue.Record, error)
	Fail(ctx context.Context, tenantID string, kind queue.Kind, recordID, owner string, cause error) (*queue.Record, error)
	Renew(ctx context.Context, tenantID string, kind queue.Kind, recordID, owner string) (*queue.Record, error)
	Leases() *queue.LeaseManager
}

// Target is one (tenant, kind) pair a worker polls.
type Target struct {
	TenantID string
	Kind     queue.Kind
}

func (t Target) String() string { return t.TenantID + "/" + string(t.Kind) }

// Config configures worker lifecycle and concurrency.
type Config struct {
	Targets []Target
	// Concurrency is the number of loops, each with its own owner id, per target.
	Concurrency    int
	BatchSize      int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	StopTimeout    time.Duration
	RenewLeases    bool
	// BreakerFailures consecutive store failures pause claiming on a target
	// for BreakerCooldown.
	BreakerFailures int
	BreakerCooldown time.Duration
	// OwnerPrefix defaults to a random UUID per worker.
	OwnerPrefix string
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
	c.OwnerPrefix = strings.TrimSpace(c.OwnerPrefix)
	if c.OwnerPrefix == "" {
		c.OwnerPrefix = uuid.NewString()
	}
}

// Worker processes leased records with per-kind handlers.
type Worker struct {
	queue  Queue
	log    logger.Logger
	config Config

	mu       sync.RWMutex
	handlers map[queue.Kind]Handler
	breakers map[Target]*resilience.CircuitBreaker

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a worker from a queue and configuration.
func New(q Queue, log logger.Logger, cfg Config) (*Worker, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	targets := make([]Target, 0, len(cfg.Targets))
	seen := map[Target]struct{}{}
	for _, target := range cfg.Targets {
		target.TenantID = strings.TrimSpace(target.TenantID)
		if target.TenantID == "" {
			return nil, errors.New("target tenant is required")
		}
		if !target.Kind.Valid() {
			return nil, fmt.Errorf("target kind %q is not supported", target.Kind)
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	cfg.Targets = targets

	wlog := log.With("owner_prefix", cfg.OwnerPrefix)
	breakers := make(map[Target]*resilience.CircuitBreaker, len(targets))
	for _, target := range targets {
		breakers[target] = resilience.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown,
			resilience.WithFailureClassifier(func(err error) bool {
				return errors.Is(err, queue.ErrStoreUnavailable)
			}),
			resilience.WithStateChangeHook(func(from, to resilience.State) {
				wlog.Warn("claim breaker changed state",
					"tenant_id", target.TenantID, "kind", string(target.Kind),
					"from", from.String(), "to", to.String())
			}),
		)
	}

	return &Worker{
		queue:    q,
		log:      wlog,
		config:   cfg,
		handlers: map[queue.Kind]Handler{},
		breakers: breakers,
	}, nil
}

// Register binds a handler to a kind.
func (w *Worker) Register(kind queue.Kind, handler Handler) error {
	if w == nil {
		return errors.New("worker is not initialized")
	}
	if !kind.Valid() {
		return fmt.Errorf("kind %q is not supported", kind)
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = handler
	return nil
}

// Start launches the loops and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("worker is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	loop := 0
	for _, target := range w.config.Targets {
		for idx := 0; idx < w.config.Concurrency; idx++ {
			owner := fmt.Sprintf("%s/%d", w.config.OwnerPrefix, loop)
			loop++
			w.wg.Add(1)
			go w.runLoop(runCtx, target, owner)
		}
	}
	w.log.Info("worker started", "targets", len(w.config.Targets), "loops", loop)

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop requests graceful shutdown and waits for in-flight records.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		w.log.Info("worker stopped")
		return nil
	}
}

// HealthCheck fails while claiming is paused on any target by its breaker.
func (w *Worker) HealthCheck(context.Context) error {
	if w == nil {
		return errors.New("worker is not initialized")
	}
	var open []string
	for target, breaker := range w.breakers {
		if breaker.GetState() == resilience.StateOpen {
			open = append(open, target.String())
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("claiming paused for %s", strings.Join(open, ", "))
	}
	return nil
}

func (w *Worker) runLoop(ctx context.Context, target Target, owner string) {
	defer w.wg.Done()

	log := w.log.With("tenant_id", target.TenantID, "kind", string(target.Kind), "owner", owner)
	idle := rate.NewLimiter(rate.Every(w.config.PollInterval), 1)
	breaker := w.breakers[target]

	for {
		if ctx.Err() != nil {
			return
		}

		var records []*queue.Record
		err := breaker.Execute(func() error {
			var claimErr error
			records, claimErr = w.queue.ClaimBatch(ctx, target.TenantID, target.Kind, owner, w.config.BatchSize, time.Time{})
			return claimErr
		})
		switch {
		case errors.Is(err, resilience.ErrCircuitBreakerOpen):
			if !sleep(ctx, w.config.BreakerCooldown) {
				return
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			// Records claimed before a partial failure are still processed.
			log.Warn("claim failed", "error", err, "claimed", len(records))
		}

		for _, rec := range records {
			incrementInFlight(target.Kind)
			w.process(ctx, log, owner, rec)
			decrementInFlight(target.Kind)
		}

		if len(records) < w.config.BatchSize {
			if err := idle.Wait(ctx); err != nil {
				return
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, log logger.Logger, owner string, rec *queue.Record) {
	traceCtx, span := tracing.StartMessagingSpan(
		ctx,
		tracing.SpanOperationMsgProcess,
		tracing.WithMessagingSystem("leasequeue"),
		tracing.WithMessagingDestination(string(rec.Kind)),
		tracing.WithMessagingMessageID(rec.RecordID),
		tracing.WithMessagingPayloadSize(len(rec.Payload)),
	)
	span.SetAttributes(
		attribute.String("leasequeue.tenant_id", rec.TenantID),
		attribute.Int("leasequeue.attempts", rec.Attempts),
	)
	defer span.End()

	log = log.With("record_id", rec.RecordID, "attempts", rec.Attempts)

	handler, found := w.lookupHandler(rec.Kind)
	if !found {
		w.fail(traceCtx, log, owner, rec, fmt.Errorf("%w: %s", ErrNoHandler, rec.Kind))
		tracing.RecordError(span, ErrNoHandler)
		return
	}

	stopRenew, renewDone := w.startLeaseRenewal(traceCtx, log, owner, rec)
	result, execErr := w.execute(traceCtx, handler, rec)
	stopRenew()
	if renewErr := <-renewDone; renewErr != nil {
		// The lease is gone; whatever we write next would be rejected.
		tracing.RecordError(span, renewErr)
		log.Warn("lease lost while processing", "error", renewErr)
		recordProcessed(rec.Kind, "lease_lost")
		return
	}

	// Resolve even when shutdown cancelled ctx mid-record.
	resolveCtx := context.WithoutCancel(traceCtx)
	if execErr != nil {
		tracing.RecordError(span, execErr)
		w.fail(resolveCtx, log, owner, rec, execErr)
		return
	}

	if _, err := w.queue.CompleteWithResult(resolveCtx, rec.TenantID, rec.Kind, rec.RecordID, owner, result); err != nil {
		tracing.RecordError(span, err)
		log.Warn("complete failed", "error", err)
		recordProcessed(rec.Kind, outcomeForResolveError(err))
		return
	}
	recordProcessed(rec.Kind, "completed")
	tracing.RecordSuccess(span)
}

func (w *Worker) fail(ctx context.Context, log logger.Logger, owner string, rec *queue.Record, cause error) {
	next, err := w.queue.Fail(ctx, rec.TenantID, rec.Kind, rec.RecordID, owner, cause)
	if err != nil {
		log.Warn("fail failed", "cause", cause, "error", err)
		recordProcessed(rec.Kind, outcomeForResolveError(err))
		return
	}
	log.Info("record failed", "cause", cause, "state", string(next.State))
	if next.State == queue.StateDeadLettered {
		recordProcessed(rec.Kind, "dead_lettered")
		return
	}
	recordProcessed(rec.Kind, "retried")
}

// execute runs the handler under the attempt timeout. The handler runs on its
// own goroutine, so panics are recovered there.
func (w *Worker) execute(ctx context.Context, handler Handler, rec *queue.Record) ([]byte, error) {
	results := make(chan []byte, 1)
	err := resilience.WithTimeout(ctx, w.config.AttemptTimeout, func(runCtx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic while handling record: %v; stack=%s", r, string(debug.Stack()))
			}
		}()
		var result []byte
		result, err = handler(runCtx, rec.Clone())
		results <- result
		return err
	})
	if err != nil {
		return nil, err
	}
	return <-results, nil
}

func (w *Worker) lookupHandler(kind queue.Kind) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	handler, ok := w.handlers[kind]
	return handler, ok
}

// startLeaseRenewal extends the lease at half its duration until stopped. The
// channel yields an error only once the lease is known to be lost; a store
// outage is retried on the next tick.
func (w *Worker) startLeaseRenewal(ctx context.Context, log logger.Logger, owner string, rec *queue.Record) (func(), <-chan error) {
	done := make(chan error, 1)
	if !w.config.RenewLeases {
		done <- nil
		close(done)
		return func() {}, done
	}

	renewCtx, cancel := context.WithCancel(ctx)
	interval := w.queue.Leases().Duration(rec.Kind) / 2
	if interval < minLeaseRenewInterval {
		interval = minLeaseRenewInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				done <- nil
				close(done)
				return
			case <-ticker.C:
				_, err := w.queue.Renew(renewCtx, rec.TenantID, rec.Kind, rec.RecordID, owner)
				switch {
				case err == nil:
				case leaseLost(err):
					done <- fmt.Errorf("renew lease failed: %w", err)
					close(done)
					return
				case renewCtx.Err() != nil:
					done <- nil
					close(done)
					return
				default:
					log.Warn("lease renewal failed, retrying", "error", err)
				}
			}
		}
	}()
	return cancel, done
}

// leaseLost reports whether a renew error proves another owner or a
// terminal transition has taken the record.
func leaseLost(err error) bool {
	return errors.Is(err, queue.ErrNotOwner) ||
		errors.Is(err, queue.ErrInvalidState) ||
		errors.Is(err, queue.ErrNotFound)
}

func outcomeForResolveError(err error) string {
	switch {
	case errors.Is(err, queue.ErrNotOwner):
		return "not_owner"
	case errors.Is(err, queue.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, queue.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
