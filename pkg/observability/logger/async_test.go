package logger

import (
	"context"
	"sync"
	"testing"
)

type testLogger struct {
	mu     sync.Mutex
	logs   []string
	synced bool
}

func (l *testLogger) Debug(msg string, args ...any) { l.append("debug:" + msg) }
func (l *testLogger) Info(msg string, args ...any)  { l.append("info:" + msg) }
func (l *testLogger) Warn(msg string, args ...any)  { l.append("warn:" + msg) }
func (l *testLogger) Error(msg string, args ...any) { l.append("error:" + msg) }

func (l *testLogger) With(args ...any) Logger { return l }

func (l *testLogger) WithContext(context.Context) Logger { return l }

func (l *testLogger) Sync() error {
	l.mu.Lock()
	l.synced = true
	l.mu.Unlock()
	return nil
}

func (l *testLogger) append(msg string) {
	l.mu.Lock()
	l.logs = append(l.logs, msg)
	l.mu.Unlock()
}

func (l *testLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...)
}

func TestWrapAsync_DisabledReturnsBase(t *testing.T) {
	base := &testLogger{}
	wrapped := WrapAsync(base, AsyncConfig{Enabled: false})
	if wrapped != base {
		t.Fatalf("expected base logger when disabled")
	}
}

func TestWrapAsync_EmitsLogsAtTheirLevel(t *testing.T) {
	base := &testLogger{}
	wrapped := WrapAsync(base, AsyncConfig{Enabled: true, QueueSize: 16, WorkerCount: 1})

	async, ok := wrapped.(*AsyncLogger)
	if !ok {
		t.Fatalf("expected async logger type")
	}

	wrapped.Info("claimed")
	wrapped.With("tenant_id", "acme").Error("store unavailable")
	if err := async.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	logs := base.snapshot()
	if len(logs) != 2 || logs[0] != "info:claimed" || logs[1] != "error:store unavailable" {
		t.Fatalf("unexpected logs: %v", logs)
	}
	if !base.synced {
		t.Fatal("expected Close to sync the base logger")
	}
}

func TestWrapAsync_DropWhenFullCountsDrops(t *testing.T) {
	base := &testLogger{}
	wrapped := WrapAsync(base, AsyncConfig{Enabled: true, QueueSize: 1, WorkerCount: 1, DropWhenFull: true})

	for i := 0; i < 200; i++ {
		wrapped.Info("line")
	}
	async := wrapped.(*AsyncLogger)
	_ = async.Close()

	written := uint64(len(base.snapshot()))
	if written+async.Dropped() != 200 {
		t.Fatalf("expected written+dropped=200, got %d+%d", written, async.Dropped())
	}
}

func TestAsyncLogger_WritesInlineAfterClose(t *testing.T) {
	base := &testLogger{}
	wrapped := WrapAsync(base, AsyncConfig{Enabled: true})
	_ = wrapped.(*AsyncLogger).Close()

	wrapped.Warn("late")
	if logs := base.snapshot(); len(logs) != 1 || logs[0] != "warn:late" {
		t.Fatalf("expected inline write after close, got %v", logs)
	}
}
