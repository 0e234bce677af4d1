package queue

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a record.
type State string

const (
	StatePending      State = "pending"
	StateLeased       State = "leased"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether no operation may move a record out of s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateCompleted, StateFailed, StateDeadLettered:
		return true
	default:
		return false
	}
}

// ParseState parses a state name.
func ParseState(raw string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(raw)))
	if !state.Valid() {
		return "", queueError(ErrValidation, fmt.Sprintf("unknown state %q", raw))
	}
	return state, nil
}

// Key identifies a record inside the tenant-scoped keyspace.
type Key struct {
	TenantID string
	Kind     Kind
	RecordID string
}

func (k Key) String() string {
	return k.TenantID + "/" + string(k.Kind) + "/" + k.RecordID
}

func (k Key) validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return queueError(ErrValidation, "tenant id is required")
	}
	if !k.Kind.Valid() {
		return queueError(ErrValidation, fmt.Sprintf("unknown kind %q", k.Kind))
	}
	if strings.TrimSpace(k.RecordID) == "" {
		return queueError(ErrValidation, "record id is required")
	}
	return nil
}

// Record is one unit of work.
type Record struct {
	TenantID       string     `json:"tenant_id"`
	Kind           Kind       `json:"kind"`
	RecordID       string     `json:"record_id"`
	Payload        []byte     `json:"payload,omitempty"`
	State          State      `json:"state"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	NotBefore      *time.Time `json:"not_before,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	// Result is the handler output stored on completion.
	Result []byte `json:"result,omitempty"`
}

// Key returns the record key.
func (r *Record) Key() Key {
	return Key{TenantID: r.TenantID, Kind: r.Kind, RecordID: r.RecordID}
}

// Clone returns a deep copy so store implementations never share mutable state
// with callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Result != nil {
		out.Result = append([]byte(nil), r.Result...)
	}
	out.LeaseExpiresAt = cloneTime(r.LeaseExpiresAt)
	out.NotBefore = cloneTime(r.NotBefore)
	out.ProcessedAt = cloneTime(r.ProcessedAt)
	return &out
}

// Expectation is the observed snapshot a conditional update is keyed on.
type Expectation struct {
	State          State
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	Attempts       int
}

// Expect captures the compare-and-set fields of rec.
func Expect(rec *Record) Expectation {
	return Expectation{
		State:          rec.State,
		LeaseOwner:     rec.LeaseOwner,
		LeaseExpiresAt: cloneTime(rec.LeaseExpiresAt),
		Attempts:       rec.Attempts,
	}
}

// Matches reports whether rec still carries the expected snapshot.
func (e Expectation) Matches(rec *Record) bool {
	if rec == nil {
		return false
	}
	return rec.State == e.State &&
		rec.LeaseOwner == e.LeaseOwner &&
		rec.Attempts == e.Attempts &&
		sameInstant(rec.LeaseExpiresAt, e.LeaseExpiresAt)
}

// ScanFilter selects which records a Scan returns.
type ScanFilter int

const (
	// ScanClaimable returns pending records past their not-before floor and
	// leased records whose lease expired at or before ScanQuery.At.
	ScanClaimable ScanFilter = iota
	// ScanExpired returns only leased records with an expired lease.
	ScanExpired
	// ScanStates returns records in any of ScanQuery.States.
	ScanStates
)

// ScanQuery is a tenant-scoped, created_at-ordered read.
type ScanQuery struct {
	TenantID string
	Kind     Kind
	Filter   ScanFilter
	At       time.Time
	States   []State
	Limit    int
}

// Matches evaluates the query predicate in memory. Stores that cannot express
// the predicate natively filter with it after fetching.
func (q ScanQuery) Matches(rec *Record) bool {
	if rec == nil || rec.TenantID != q.TenantID || rec.Kind != q.Kind {
		return false
	}
	switch q.Filter {
	case ScanClaimable:
		if rec.State == StatePending {
			return rec.NotBefore == nil || !rec.NotBefore.After(q.At)
		}
		return rec.State == StateLeased && leaseExpired(rec, q.At)
	case ScanExpired:
		return rec.State == StateLeased && leaseExpired(rec, q.At)
	case ScanStates:
		for _, state := range q.States {
			if rec.State == state {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// NormalizeTime converts t to UTC at microsecond precision, the resolution
// every store round-trips losslessly.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// TimePtr returns a pointer to the normalized t.
func TimePtr(t time.Time) *time.Time {
	n := NormalizeTime(t)
	return &n
}

func leaseExpired(rec *Record, now time.Time) bool {
	return rec.LeaseExpiresAt == nil || !rec.LeaseExpiresAt.After(now)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
