package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/store/memory"
)

type sweeperTestLogger struct{}

func (l *sweeperTestLogger) Debug(string, ...any) {}
func (l *sweeperTestLogger) Info(string, ...any)  {}
func (l *sweeperTestLogger) Warn(string, ...any)  {}
func (l *sweeperTestLogger) Error(string, ...any) {}
func (l *sweeperTestLogger) With(...any) logger.Logger {
	return l
}
func (l *sweeperTestLogger) WithContext(context.Context) logger.Logger {
	return l
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, maxAttempts int) (*queue.Queue, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q, err := queue.New(queue.SingleStore("memory", memory.New()), &sweeperTestLogger{}, queue.Config{
		Kinds: map[queue.Kind]queue.KindPolicy{
			queue.KindOrderEvent: {LeaseDuration: time.Second, MaxAttempts: maxAttempts},
		},
	}, queue.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, clock
}

type failingQueue struct{}

func (failingQueue) Sweep(context.Context, string, queue.Kind, time.Time, int) (queue.SweepResult, error) {
	return queue.SweepResult{}, queue.ErrStoreUnavailable
}

func TestNew_Validation(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	locks := NewLocalLockProvider()
	log := &sweeperTestLogger{}

	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "no targets", cfg: Config{}},
		{name: "empty tenant", cfg: Config{Targets: []Target{{TenantID: " ", Kind: queue.KindOrderEvent}}}},
		{name: "bad kind", cfg: Config{Targets: []Target{{TenantID: "acme", Kind: "invoice"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(q, locks, log, tc.cfg); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
	if _, err := New(nil, locks, log, Config{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for nil queue, got %v", err)
	}
	if _, err := New(q, nil, log, Config{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for nil locks, got %v", err)
	}
}

func TestRunOnce_ReleasesAndRetiresExpiredLeases(t *testing.T) {
	q, clock := newTestQueue(t, 2)
	ctx := context.Background()
	for _, id := range []string{"o-1", "o-2"} {
		if _, err := q.Enqueue(ctx, "acme", queue.KindOrderEvent, id, nil); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	// o-1 spends both attempts, o-2 only one.
	if _, err := q.ClaimBatch(ctx, "acme", queue.KindOrderEvent, "w1", 1, time.Time{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := q.ClaimBatch(ctx, "acme", queue.KindOrderEvent, "w2", 2, time.Time{}); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	clock.Advance(2 * time.Second)

	locks := NewLocalLockProvider()
	s, err := New(q, locks, &sweeperTestLogger{}, Config{
		Targets: []Target{{TenantID: "acme", Kind: queue.KindOrderEvent}},
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	results, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(results) != 1 || results[0].Skipped {
		t.Fatalf("unexpected results: %+v", results)
	}
	if got := results[0].Sweep; got.Scanned != 2 || got.Released != 1 || got.DeadLettered != 1 {
		t.Fatalf("unexpected sweep result: %+v", got)
	}

	first, err := q.Get(ctx, "acme", queue.KindOrderEvent, "o-1")
	if err != nil {
		t.Fatalf("get o-1: %v", err)
	}
	if first.State != queue.StateDeadLettered {
		t.Fatalf("expected o-1 dead-lettered, got %s", first.State)
	}
	second, err := q.Get(ctx, "acme", queue.KindOrderEvent, "o-2")
	if err != nil {
		t.Fatalf("get o-2: %v", err)
	}
	if second.State != queue.StatePending || second.LeaseOwner != "" {
		t.Fatalf("expected o-2 pending without owner, got %+v", second)
	}

	// The lock is released after the pass.
	if _, acquired, err := locks.Acquire(ctx, LockKey(Target{TenantID: "acme", Kind: queue.KindOrderEvent}), time.Second); err != nil || !acquired {
		t.Fatalf("expected lock to be free, got %v %v", acquired, err)
	}
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	locks := NewLocalLockProvider()
	target := Target{TenantID: "acme", Kind: queue.KindOrderEvent}
	if _, acquired, err := locks.Acquire(context.Background(), LockKey(target), time.Minute); err != nil || !acquired {
		t.Fatalf("pre-acquire: %v %v", acquired, err)
	}

	s, err := New(q, locks, &sweeperTestLogger{}, Config{Targets: []Target{target}})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(results) != 1 || !results[0].Skipped {
		t.Fatalf("expected skipped result, got %+v", results)
	}
}

func TestRunOnce_ContinuesPastFailingTarget(t *testing.T) {
	locks := NewLocalLockProvider()
	s, err := New(failingQueue{}, locks, &sweeperTestLogger{}, Config{
		Targets: []Target{
			{TenantID: "acme", Kind: queue.KindOrderEvent},
			{TenantID: "acme", Kind: queue.KindFeedDocument},
			{TenantID: "acme", Kind: queue.KindOrderEvent},
		},
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	results, err := s.RunOnce(context.Background())
	if !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("expected joined ErrStoreUnavailable, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected duplicate target dropped and both swept, got %d results", len(results))
	}
	for _, result := range results {
		if result.Err == nil {
			t.Fatalf("expected per-target error, got %+v", result)
		}
	}
}

func TestStart_SweepsUntilCancelled(t *testing.T) {
	q, clock := newTestQueue(t, 3)
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "acme", queue.KindOrderEvent, "o-1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimBatch(ctx, "acme", queue.KindOrderEvent, "w1", 1, time.Time{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Advance(5 * time.Second)

	s, err := New(q, NewLocalLockProvider(), &sweeperTestLogger{}, Config{
		Targets:  []Target{{TenantID: "acme", Kind: queue.KindOrderEvent}},
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Start(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := q.Get(ctx, "acme", queue.KindOrderEvent, "o-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.State == queue.StatePending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record was not swept: %+v", rec)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
