package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

const (
	// DefaultScanOverfetch multiplies the claim batch size when scanning for
	// candidates, leaving room for candidates lost to concurrent claimers.
	DefaultScanOverfetch = 2
	// DefaultSweepLimit bounds one Sweep call when the caller passes no limit.
	DefaultSweepLimit = 100
	// DefaultListLimit bounds List when the caller passes no limit.
	DefaultListLimit = 100

	leaseExpiredReason = "lease expired"
)

// Config configures the queue core.
type Config struct {
	Kinds         map[Kind]KindPolicy
	ScanOverfetch int
}

func (c *Config) normalize() {
	if c.ScanOverfetch <= 0 {
		c.ScanOverfetch = DefaultScanOverfetch
	}
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock replaces time.Now for operations that do not take an explicit time.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithSink sets the observability sink. The default discards signals.
func WithSink(sink Sink) Option {
	return func(q *Queue) {
		if sink != nil {
			q.sink = sink
		}
	}
}

// WithPolicyOptions forwards options to the retry policy.
func WithPolicyOptions(opts ...PolicyOption) Option {
	return func(q *Queue) {
		q.policyOpts = append(q.policyOpts, opts...)
	}
}

// Queue is the work queue core. It is safe for concurrent use; all
// coordination happens in the store.
type Queue struct {
	router     Router
	log        logger.Logger
	config     Config
	policy     *Policy
	policyOpts []PolicyOption
	leases     *LeaseManager
	sink       Sink
	now        func() time.Time
}

// New creates a queue on top of router.
func New(router Router, log logger.Logger, cfg Config, opts ...Option) (*Queue, error) {
	if router == nil {
		return nil, errors.New("router is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	for kind := range cfg.Kinds {
		if !kind.Valid() {
			return nil, queueError(ErrValidation, fmt.Sprintf("unknown kind %q in policy", kind))
		}
	}

	q := &Queue{
		router: router,
		log:    log,
		config: cfg,
		sink:   discardSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.policy = NewPolicy(cfg.Kinds, q.policyOpts...)
	q.leases = NewLeaseManager(q.policy)
	return q, nil
}

// Policy returns the retry policy in use.
func (q *Queue) Policy() *Policy { return q.policy }

// Leases returns the lease manager in use.
func (q *Queue) Leases() *LeaseManager { return q.leases }

// Enqueue inserts a new pending record. It fails with ErrDuplicateRecord when
// the record already exists, whatever its state.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, kind Kind, recordID string, payload []byte) (*Record, error) {
	key := Key{TenantID: strings.TrimSpace(tenantID), Kind: kind, RecordID: strings.TrimSpace(recordID)}
	handle, err := q.resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	now := NormalizeTime(q.now())
	rec := &Record{
		TenantID:  key.TenantID,
		Kind:      key.Kind,
		RecordID:  key.RecordID,
		Payload:   append([]byte(nil), payload...),
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inserted, err := handle.Store.InsertIfAbsent(ctx, rec)
	if err != nil {
		return nil, q.storeFailure(ctx, handle, "enqueue", key, err)
	}
	if !inserted {
		return nil, queueError(ErrDuplicateRecord, key.String())
	}
	recordEnqueued(handle.Name, kind)
	return rec.Clone(), nil
}

// ClaimBatch leases up to maxN claimable records of (tenantID, kind) to owner,
// oldest CreatedAt first. It never blocks waiting for work: an empty result
// means nothing was claimable. Candidates lost to a concurrent claimer are
// skipped. An expired lease whose record already spent its attempt budget is
// dead-lettered here instead of being handed out again.
//
// When the store fails mid-batch the records leased so far are returned with
// the error; a caller that drops them lets the leases expire.
func (q *Queue) ClaimBatch(ctx context.Context, tenantID string, kind Kind, owner string, maxN int, now time.Time) ([]*Record, error) {
	key := Key{TenantID: strings.TrimSpace(tenantID), Kind: kind, RecordID: "*"}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, queueError(ErrValidation, "owner is required")
	}
	if maxN <= 0 {
		return []*Record{}, nil
	}
	handle, err := q.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = q.now()
	}
	now = NormalizeTime(now)

	candidates, err := handle.Store.Scan(ctx, ScanQuery{
		TenantID: key.TenantID,
		Kind:     kind,
		Filter:   ScanClaimable,
		At:       now,
		Limit:    maxN * q.config.ScanOverfetch,
	})
	if err != nil {
		return nil, q.storeFailure(ctx, handle, "claim", key, err)
	}

	maxAttempts := q.policy.MaxAttempts(kind)
	claimed := make([]*Record, 0, maxN)
	for _, candidate := range candidates {
		if len(claimed) >= maxN {
			break
		}
		if candidate.State == StateLeased && candidate.Attempts >= maxAttempts {
			if _, err := q.retireExpired(ctx, handle, candidate, now); err != nil && errors.Is(err, ErrStoreUnavailable) {
				recordClaimed(handle.Name, kind, len(claimed))
				return claimed, q.storeFailure(ctx, handle, "claim", candidate.Key(), err)
			}
			continue
		}

		leased, err := q.leases.Lease(ctx, handle.Store, candidate, owner, now)
		switch {
		case err == nil:
			if candidate.State == StateLeased {
				q.log.WithContext(ctx).Debug("reclaimed expired lease",
					"tenant_id", key.TenantID,
					"kind", string(kind),
					"record_id", candidate.RecordID,
					"previous_owner", candidate.LeaseOwner,
					"owner", owner,
					"attempts", leased.Attempts,
				)
			}
			claimed = append(claimed, leased)
		case errors.Is(err, ErrAlreadyLeased), errors.Is(err, ErrInvalidState):
			recordClaimConflict(handle.Name, kind)
		default:
			recordClaimed(handle.Name, kind, len(claimed))
			return claimed, q.storeFailure(ctx, handle, "claim", candidate.Key(), err)
		}
	}
	recordClaimed(handle.Name, kind, len(claimed))
	return claimed, nil
}

// Complete marks a record held by owner as completed.
func (q *Queue) Complete(ctx context.Context, tenantID string, kind Kind, recordID string, owner string) (*Record, error) {
	return q.CompleteWithResult(ctx, tenantID, kind, recordID, owner, nil)
}

// CompleteWithResult marks a record held by owner as completed and stores
// result on it. A nil result leaves the record without one.
func (q *Queue) CompleteWithResult(ctx context.Context, tenantID string, kind Kind, recordID string, owner string, result []byte) (*Record, error) {
	handle, current, err := q.readHeld(ctx, "complete", tenantID, kind, recordID, owner)
	if err != nil {
		return nil, err
	}

	now := NormalizeTime(q.now())
	next := current.Clone()
	next.State = StateCompleted
	next.LeaseOwner = ""
	next.LeaseExpiresAt = nil
	next.NotBefore = nil
	next.UpdatedAt = now
	next.ProcessedAt = TimePtr(now)
	next.Result = nil
	if result != nil {
		next.Result = append([]byte(nil), result...)
	}

	if err := q.write(ctx, handle, "complete", current, next, owner); err != nil {
		return nil, err
	}
	recordResolved(handle.Name, kind, "completed")
	return next, nil
}

// Fail reports a processing failure by owner. The policy either returns the
// record to pending or retires it as dead-lettered; the returned record
// carries the resulting state. Dead-lettering is an outcome, not an error.
func (q *Queue) Fail(ctx context.Context, tenantID string, kind Kind, recordID string, owner string, cause error) (*Record, error) {
	handle, current, err := q.readHeld(ctx, "fail", tenantID, kind, recordID, owner)
	if err != nil {
		return nil, err
	}

	now := NormalizeTime(q.now())
	next := q.applyFailure(current, cause, now)
	if err := q.write(ctx, handle, "fail", current, next, owner); err != nil {
		return nil, err
	}
	q.afterFailure(ctx, handle, next)
	return next, nil
}

// Renew extends the lease owner holds on a record by the kind's lease duration.
func (q *Queue) Renew(ctx context.Context, tenantID string, kind Kind, recordID string, owner string) (*Record, error) {
	handle, current, err := q.readHeld(ctx, "renew", tenantID, kind, recordID, owner)
	if err != nil {
		return nil, err
	}
	next, err := q.leases.Extend(ctx, handle.Store, current, owner, q.now())
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, q.storeFailure(ctx, handle, "renew", current.Key(), err)
		}
		return nil, err
	}
	return next, nil
}

// Get returns a record. It has no side effects.
func (q *Queue) Get(ctx context.Context, tenantID string, kind Kind, recordID string) (*Record, error) {
	key := Key{TenantID: strings.TrimSpace(tenantID), Kind: kind, RecordID: strings.TrimSpace(recordID)}
	handle, err := q.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	rec, err := handle.Store.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, q.storeFailure(ctx, handle, "get", key, err)
	}
	return rec, nil
}

// List returns up to limit records of (tenantID, kind) in state, oldest first.
func (q *Queue) List(ctx context.Context, tenantID string, kind Kind, state State, limit int) ([]*Record, error) {
	key := Key{TenantID: strings.TrimSpace(tenantID), Kind: kind, RecordID: "*"}
	if !state.Valid() {
		return nil, queueError(ErrValidation, fmt.Sprintf("unknown state %q", state))
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	handle, err := q.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	records, err := handle.Store.Scan(ctx, ScanQuery{
		TenantID: key.TenantID,
		Kind:     kind,
		Filter:   ScanStates,
		States:   []State{state},
		Limit:    limit,
	})
	if err != nil {
		return nil, q.storeFailure(ctx, handle, "list", key, err)
	}
	return records, nil
}

// SweepResult summarizes one Sweep call.
type SweepResult struct {
	Scanned      int
	Released     int
	DeadLettered int
	Conflicts    int
}

// Sweep returns expired leases of (tenantID, kind) to pending, or retires them
// when their attempt budget is spent. Each record is moved by the same
// conditional write a claim uses, so a concurrent claim or completion wins
// cleanly and is counted as a conflict.
func (q *Queue) Sweep(ctx context.Context, tenantID string, kind Kind, now time.Time, limit int) (SweepResult, error) {
	key := Key{TenantID: strings.TrimSpace(tenantID), Kind: kind, RecordID: "*"}
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	handle, err := q.resolve(ctx, key)
	if err != nil {
		return SweepResult{}, err
	}
	if now.IsZero() {
		now = q.now()
	}
	now = NormalizeTime(now)

	expired, err := handle.Store.Scan(ctx, ScanQuery{
		TenantID: key.TenantID,
		Kind:     kind,
		Filter:   ScanExpired,
		At:       now,
		Limit:    limit,
	})
	if err != nil {
		return SweepResult{}, q.storeFailure(ctx, handle, "sweep", key, err)
	}

	result := SweepResult{Scanned: len(expired)}
	for _, rec := range expired {
		next, err := q.retireExpired(ctx, handle, rec, now)
		switch {
		case err == nil && next.State == StateDeadLettered:
			result.DeadLettered++
			recordSwept(handle.Name, kind, "dead_lettered")
		case err == nil:
			result.Released++
			recordSwept(handle.Name, kind, "released")
		case errors.Is(err, ErrStoreUnavailable):
			return result, q.storeFailure(ctx, handle, "sweep", rec.Key(), err)
		default:
			result.Conflicts++
			recordSwept(handle.Name, kind, "conflict")
		}
	}
	return result, nil
}

// retireExpired treats an expired lease as an implicit failure. Released
// records keep the last handler error; a dead letter with no recorded error
// gets leaseExpiredReason.
func (q *Queue) retireExpired(ctx context.Context, handle StoreHandle, rec *Record, now time.Time) (*Record, error) {
	if rec.State != StateLeased || !leaseExpired(rec, now) {
		return nil, queueError(ErrInvalidState, "lease is not expired")
	}
	next := q.applyFailure(rec, nil, now)
	if next.State == StateDeadLettered && next.LastError == "" {
		next.LastError = leaseExpiredReason
	}
	applied, err := handle.Store.ConditionalUpdate(ctx, rec.Key(), Expect(rec), next)
	if err != nil {
		return nil, asStoreUnavailable("expire", err)
	}
	if !applied {
		return nil, queueError(ErrAlreadyLeased, rec.Key().String())
	}
	q.log.WithContext(ctx).Info("expired lease handled",
		"tenant_id", rec.TenantID,
		"kind", string(rec.Kind),
		"record_id", rec.RecordID,
		"previous_owner", rec.LeaseOwner,
		"attempts", rec.Attempts,
		"state", string(next.State),
	)
	q.afterFailure(ctx, handle, next)
	return next, nil
}

func (q *Queue) applyFailure(current *Record, cause error, now time.Time) *Record {
	decision := q.policy.Decide(current, cause, now)
	next := current.Clone()
	next.LeaseOwner = ""
	next.LeaseExpiresAt = nil
	next.UpdatedAt = now
	if cause != nil {
		next.LastError = cause.Error()
	}
	switch decision.Outcome {
	case OutcomeDeadLetter:
		next.State = StateDeadLettered
		next.NotBefore = nil
		next.ProcessedAt = TimePtr(now)
	default:
		next.State = StatePending
		next.NotBefore = decision.NotBefore
	}
	return next
}

func (q *Queue) afterFailure(ctx context.Context, handle StoreHandle, next *Record) {
	if next.State == StateDeadLettered {
		recordResolved(handle.Name, next.Kind, "dead_lettered")
		q.sink.DeadLettered(ctx, next.Clone())
		return
	}
	recordResolved(handle.Name, next.Kind, "retried")
}

// readHeld resolves and reads a record and checks that owner holds it.
func (q *Queue) readHeld(ctx context.Context, op, tenantID string, kind Kind, recordID, owner string) (StoreHandle, *Record, error) {
	key := Key{TenantID: strings.TrimSpace(tenantID), Kind: kind, RecordID: strings.TrimSpace(recordID)}
	handle, err := q.resolve(ctx, key)
	if err != nil {
		return StoreHandle{}, nil, err
	}
	current, err := handle.Store.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StoreHandle{}, nil, err
		}
		return StoreHandle{}, nil, q.storeFailure(ctx, handle, op, key, err)
	}
	if err := checkHolder(current, strings.TrimSpace(owner)); err != nil {
		return StoreHandle{}, nil, err
	}
	return handle, current, nil
}

// write applies next over current and classifies a lost write by re-reading.
func (q *Queue) write(ctx context.Context, handle StoreHandle, op string, current, next *Record, owner string) error {
	applied, err := handle.Store.ConditionalUpdate(ctx, current.Key(), Expect(current), next)
	if err != nil {
		return q.storeFailure(ctx, handle, op, current.Key(), err)
	}
	if applied {
		return nil
	}
	latest, err := handle.Store.Read(ctx, current.Key())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return q.storeFailure(ctx, handle, op, current.Key(), err)
	}
	if err := checkHolder(latest, strings.TrimSpace(owner)); err != nil {
		return err
	}
	return queueError(ErrNotOwner, "lease changed during "+op)
}

func (q *Queue) resolve(ctx context.Context, key Key) (StoreHandle, error) {
	if q == nil || q.router == nil {
		return StoreHandle{}, queueError(ErrNotInitialized, "queue is not initialized")
	}
	if err := key.validate(); err != nil {
		return StoreHandle{}, err
	}
	handle, err := q.router.Resolve(ctx, key.TenantID)
	if err != nil {
		return StoreHandle{}, err
	}
	if handle.Store == nil {
		return StoreHandle{}, queueError(ErrNotInitialized, "no store resolved for tenant "+key.TenantID)
	}
	return handle, nil
}

func (q *Queue) storeFailure(ctx context.Context, handle StoreHandle, op string, key Key, err error) error {
	err = asStoreUnavailable(op, err)
	recordStoreUnavailable(handle.Name, key.Kind, op)
	q.sink.StoreUnavailable(ctx, op, key, err)
	return err
}
