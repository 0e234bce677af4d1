package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

// LeaseManager grants and extends leases through conditional writes.
type LeaseManager struct {
	policy *Policy
}

// NewLeaseManager returns a manager that reads lease durations from policy.
func NewLeaseManager(policy *Policy) *LeaseManager {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	return &LeaseManager{policy: policy}
}

// Duration returns the lease length of kind.
func (m *LeaseManager) Duration(kind Kind) time.Duration {
	return m.policy.For(kind).LeaseDuration
}

// IsClaimable reports whether rec may be leased at now: pending past its
// not-before floor, or leased with a lease that has run out.
func (m *LeaseManager) IsClaimable(rec *Record, now time.Time) bool {
	if rec == nil {
		return false
	}
	switch rec.State {
	case StatePending:
		return rec.NotBefore == nil || !rec.NotBefore.After(now)
	case StateLeased:
		return leaseExpired(rec, now)
	default:
		return false
	}
}

// Lease claims observed for owner. The write is keyed on the observed state,
// owner, expiry and attempts; ErrAlreadyLeased means another writer got there
// first.
func (m *LeaseManager) Lease(ctx context.Context, store RecordStore, observed *Record, owner string, now time.Time) (*Record, error) {
	if store == nil || observed == nil {
		return nil, queueError(ErrNotInitialized, "store and record are required")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, queueError(ErrValidation, "lease owner is required")
	}
	now = NormalizeTime(now)
	if !m.IsClaimable(observed, now) {
		if observed.State == StateLeased {
			return nil, queueError(ErrAlreadyLeased, observed.Key().String())
		}
		return nil, queueError(ErrInvalidState, "record is "+string(observed.State))
	}

	next := observed.Clone()
	next.State = StateLeased
	next.LeaseOwner = owner
	next.LeaseExpiresAt = TimePtr(now.Add(m.Duration(observed.Kind)))
	next.Attempts = observed.Attempts + 1
	next.NotBefore = nil
	next.UpdatedAt = now

	applied, err := store.ConditionalUpdate(ctx, observed.Key(), Expect(observed), next)
	if err != nil {
		return nil, asStoreUnavailable("lease", err)
	}
	if !applied {
		return nil, queueError(ErrAlreadyLeased, observed.Key().String())
	}
	return next, nil
}

// Extend pushes the lease of a record held by owner to now plus the kind's
// duration. Attempts are not touched.
func (m *LeaseManager) Extend(ctx context.Context, store RecordStore, observed *Record, owner string, now time.Time) (*Record, error) {
	if store == nil || observed == nil {
		return nil, queueError(ErrNotInitialized, "store and record are required")
	}
	if err := checkHolder(observed, owner); err != nil {
		return nil, err
	}
	now = NormalizeTime(now)

	next := observed.Clone()
	next.LeaseExpiresAt = TimePtr(now.Add(m.Duration(observed.Kind)))
	next.UpdatedAt = now

	applied, err := store.ConditionalUpdate(ctx, observed.Key(), Expect(observed), next)
	if err != nil {
		return nil, asStoreUnavailable("renew", err)
	}
	if !applied {
		return nil, queueError(ErrNotOwner, "lease changed hands during renew")
	}
	return next, nil
}

// checkHolder verifies owner still holds rec's lease. A lease that expired
// but was not reclaimed still belongs to its owner.
func checkHolder(rec *Record, owner string) error {
	if rec.State != StateLeased {
		return queueError(ErrInvalidState, "record is "+string(rec.State))
	}
	if strings.TrimSpace(owner) == "" || rec.LeaseOwner != owner {
		return queueError(ErrNotOwner, "lease held by another owner")
	}
	return nil
}

func asStoreUnavailable(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return StoreUnavailable(op, err)
}
