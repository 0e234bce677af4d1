package queue

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultJitter         = 0.2

	DefaultOrderLeaseDuration       = 30 * time.Second
	DefaultMarketplaceLeaseDuration = 60 * time.Second
	DefaultFeedLeaseDuration        = 5 * time.Minute
)

// KindPolicy holds the lease and retry settings of one kind.
type KindPolicy struct {
	LeaseDuration  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the +/- fraction applied to each backoff, in [0, 1].
	Jitter float64
	// DeferRetries sets NotBefore on retried records so they are not claimed
	// again before the backoff elapses.
	DeferRetries bool
}

// DefaultKindPolicy returns the defaults for kind. Feed documents carry large
// payloads and get the longest lease.
func DefaultKindPolicy(kind Kind) KindPolicy {
	lease := DefaultOrderLeaseDuration
	switch kind {
	case KindMarketplaceOrderEvent:
		lease = DefaultMarketplaceLeaseDuration
	case KindFeedDocument:
		lease = DefaultFeedLeaseDuration
	}
	return KindPolicy{
		LeaseDuration:  lease,
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Jitter:         DefaultJitter,
	}
}

func (p *KindPolicy) normalize(kind Kind) {
	def := DefaultKindPolicy(kind)
	if p.LeaseDuration <= 0 {
		p.LeaseDuration = def.LeaseDuration
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
}

// Outcome is the result of a failure decision.
type Outcome int

const (
	OutcomeRetry Outcome = iota
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	if o == OutcomeDeadLetter {
		return "dead_letter"
	}
	return "retry"
}

// Decision tells the core what to do with a failed record.
type Decision struct {
	Outcome   Outcome
	Backoff   time.Duration
	NotBefore *time.Time
}

// Policy decides between retry and dead-letter per kind.
type Policy struct {
	kinds     map[Kind]KindPolicy
	randFloat func() float64
}

// PolicyOption customizes a Policy.
type PolicyOption func(*Policy)

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) PolicyOption {
	return func(p *Policy) {
		if fn != nil {
			p.randFloat = fn
		}
	}
}

// NewPolicy builds a policy from per-kind settings. Kinds without an entry use
// DefaultKindPolicy.
func NewPolicy(kinds map[Kind]KindPolicy, opts ...PolicyOption) *Policy {
	p := &Policy{
		kinds:     make(map[Kind]KindPolicy, len(Kinds())),
		randFloat: rand.Float64,
	}
	for _, kind := range Kinds() {
		kp, ok := kinds[kind]
		if !ok {
			kp = DefaultKindPolicy(kind)
		}
		kp.normalize(kind)
		p.kinds[kind] = kp
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// For returns the normalized settings of kind.
func (p *Policy) For(kind Kind) KindPolicy {
	if kp, ok := p.kinds[kind]; ok {
		return kp
	}
	kp := DefaultKindPolicy(kind)
	kp.normalize(kind)
	return kp
}

// MaxAttempts returns the attempt budget of kind.
func (p *Policy) MaxAttempts(kind Kind) int {
	return p.For(kind).MaxAttempts
}

// RetryBackoff returns the jittered delay before retry number attempts.
// The base delay doubles from InitialBackoff and is capped at MaxBackoff.
func (p *Policy) RetryBackoff(kind Kind, attempts int) time.Duration {
	kp := p.For(kind)
	base := exponentialBackoff(attempts, kp.InitialBackoff, kp.MaxBackoff)
	if kp.Jitter == 0 {
		return base
	}
	spread := (p.randFloat()*2 - 1) * kp.Jitter
	delay := time.Duration(float64(base) * (1 + spread))
	if delay < 0 {
		delay = 0
	}
	if delay > kp.MaxBackoff {
		delay = kp.MaxBackoff
	}
	return delay
}

// Decide classifies a failure of rec observed at now. Attempts already count
// the claim that just failed, so a record at or past MaxAttempts is retired.
func (p *Policy) Decide(rec *Record, cause error, now time.Time) Decision {
	kp := p.For(rec.Kind)
	if IsPermanent(cause) || rec.Attempts >= kp.MaxAttempts {
		return Decision{Outcome: OutcomeDeadLetter}
	}
	backoff := p.RetryBackoff(rec.Kind, rec.Attempts)
	decision := Decision{Outcome: OutcomeRetry, Backoff: backoff}
	if kp.DeferRetries {
		decision.NotBefore = TimePtr(now.Add(backoff))
	}
	return decision
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 1 {
		return initial
	}
	backoff := initial
	for idx := 1; idx < attempt; idx++ {
		if backoff >= max/2 {
			return max
		}
		backoff *= 2
	}
	if backoff > max {
		return max
	}
	return backoff
}
