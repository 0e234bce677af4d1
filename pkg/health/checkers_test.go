package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/store/memory"
)

type checkable struct {
	err   error
	delay time.Duration
}

func (c checkable) HealthCheck(ctx context.Context) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.err
}

func TestAdapterChecker(t *testing.T) {
	ok := NewAdapterChecker("lock", checkable{}, 0).Check(context.Background())
	if ok.Status != StatusHealthy || ok.Name != "lock" || ok.Message != "OK" {
		t.Fatalf("unexpected healthy result: %+v", ok)
	}

	failed := NewAdapterChecker("lock", checkable{err: errors.New("redis down")}, 0).Check(context.Background())
	if failed.Status != StatusUnhealthy || failed.Error != "redis down" {
		t.Fatalf("unexpected failed result: %+v", failed)
	}
}

func TestAdapterChecker_Timeout(t *testing.T) {
	result := NewAdapterChecker("slow", checkable{delay: time.Second}, 20*time.Millisecond).Check(context.Background())
	if result.Status != StatusUnhealthy || !strings.Contains(result.Error, "deadline") {
		t.Fatalf("expected deadline failure, got %+v", result)
	}
}

func TestDegradingChecker(t *testing.T) {
	result := NewDegradingChecker("worker", checkable{err: errors.New("claiming paused")}, 0).Check(context.Background())
	if result.Status != StatusDegraded || result.Error == "" {
		t.Fatalf("expected degraded result, got %+v", result)
	}
}

func TestCompositeChecker(t *testing.T) {
	composite := NewCompositeChecker("deps",
		NewAdapterChecker("a", checkable{}, 0),
		NewDegradingChecker("b", checkable{err: errors.New("slow")}, 0),
	)
	result := composite.Check(context.Background())
	if result.Status != StatusDegraded || result.Metadata["b"] != "degraded" || !strings.Contains(result.Error, "b: slow") {
		t.Fatalf("unexpected composite result: %+v", result)
	}

	healthy := NewCompositeChecker("none").Check(context.Background())
	if healthy.Status != StatusHealthy || healthy.Message != "0 sub-checks passed" {
		t.Fatalf("empty composite should be healthy: %+v", healthy)
	}
}

func TestCustomChecker(t *testing.T) {
	checker := NewCustomChecker("deadletter", func(context.Context) (Status, string, error) {
		return StatusDegraded, "breaker open", errors.New("publish failing")
	})
	result := checker.Check(context.Background())
	if result.Status != StatusDegraded || result.Message != "breaker open" || result.Error != "publish failing" {
		t.Fatalf("unexpected custom result: %+v", result)
	}
}

func TestNewStoreChecker(t *testing.T) {
	shared := memory.New()
	dedicated := memory.New()
	_ = dedicated.Close()

	result := NewStoreChecker([]queue.StoreHandle{
		{Name: "shared", Store: shared},
		{Name: "big-merchant", Store: dedicated, Dedicated: true},
	}, time.Second).Check(context.Background())

	if result.Name != "record-stores" || result.Status != StatusUnhealthy {
		t.Fatalf("closed partition must make stores unhealthy: %+v", result)
	}
	if result.Metadata["store:shared"] != "healthy" || result.Metadata["store:big-merchant"] != "unhealthy" {
		t.Fatalf("unexpected per-partition metadata: %v", result.Metadata)
	}
}
