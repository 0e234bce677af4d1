package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errStoreDown = errors.New("store down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(maxFailures int, opts ...Option) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewCircuitBreaker(maxFailures, time.Second, opts...), clock
}

func fail() error    { return errStoreDown }
func succeed() error { return nil }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.GetState() != StateClosed || cb.GetFailures() != 0 {
		t.Fatalf("expected closed with no failures, got %v/%d", cb.GetState(), cb.GetFailures())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); !errors.Is(err, errStoreDown) {
			t.Fatalf("attempt %d: expected underlying error, got %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.GetState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("expected rejection without calling fn, got %v called=%v", err, called)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"success closes", succeed, StateClosed},
		{"failure reopens", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(2)
			_ = cb.Execute(fail)
			_ = cb.Execute(fail)

			clock.Advance(999 * time.Millisecond)
			if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
				t.Fatalf("expected still open before cooldown, got %v", err)
			}

			clock.Advance(time.Millisecond)
			_ = cb.Execute(tt.probe)
			if cb.GetState() != tt.want {
				t.Fatalf("expected %v after probe, got %v", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.GetFailures() != 2 {
		t.Fatalf("expected 2 failures, got %d", cb.GetFailures())
	}
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.GetState() != StateClosed {
		t.Fatalf("failures were not consecutive, expected closed, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_ClassifierIgnoresOtherErrors(t *testing.T) {
	errConflict := errors.New("lease conflict")
	cb, _ := newTestBreaker(1, WithFailureClassifier(func(err error) bool {
		return errors.Is(err, errStoreDown)
	}))

	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return errConflict }); !errors.Is(err, errConflict) {
			t.Fatalf("expected conflict returned to caller, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("unclassified errors must not trip the breaker, got %v", cb.GetState())
	}
	_ = cb.Execute(fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open after classified failure, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var transitions []string
	cb, clock := newTestBreaker(1, WithStateChangeHook(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	_ = cb.Execute(fail)
	clock.Advance(time.Second)
	_ = cb.Execute(succeed)
	_ = cb.Execute(succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, transitions)
		}
	}
}

func TestNewCircuitBreaker_ClampsMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(0)
	_ = cb.Execute(fail)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected a single failure to open, got %v", cb.GetState())
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
