package redis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func unreachableStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	store, err := NewWithClient(client, Config{}, &mockLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := New(Config{URL: "://bad"}, &mockLogger{}); err == nil {
		t.Fatal("expected error for invalid URL")
	}
	if _, err := NewWithClient(nil, Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestKeySpace_SharesHashTagPerTenantKind(t *testing.T) {
	store := unreachableStore(t)
	k := store.keys("acme", queue.KindOrderEvent)

	rec := k.record("o-1")
	idx := k.state(queue.StatePending)
	if rec != "leasequeue:{acme:order_event}:rec:o-1" {
		t.Fatalf("unexpected record key %q", rec)
	}
	tag := func(key string) string { return key[strings.Index(key, "{") : strings.Index(key, "}")+1] }
	if tag(rec) != tag(idx) {
		t.Fatalf("record and index must share a hash tag: %q vs %q", rec, idx)
	}
	if other := store.keys("globex", queue.KindOrderEvent).record("o-1"); other == rec {
		t.Fatal("tenants must not share record keys")
	}
}

func TestCodec_PreservesOptionalTimes(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)
	expires := created.Add(30 * time.Second)
	rec := &queue.Record{
		TenantID:       "acme",
		Kind:           queue.KindFeedDocument,
		RecordID:       "f-1",
		Payload:        []byte(`<feed/>`),
		State:          queue.StateLeased,
		LeaseOwner:     "w1",
		LeaseExpiresAt: &expires,
		Attempts:       2,
		CreatedAt:      created,
		UpdatedAt:      created,
	}

	pairs := encodeRecord(rec)
	fields := map[string]string{}
	for idx := 0; idx < len(pairs); idx += 2 {
		fields[pairs[idx].(string)] = pairs[idx+1].(string)
	}
	if fields["not_before"] != "" || fields["processed_at"] != "" || fields["result"] != "" {
		t.Fatalf("unset times must encode empty: %v", fields)
	}

	got, err := decodeRecord(queue.Key{TenantID: "acme", Kind: queue.KindFeedDocument, RecordID: "f-1"}, fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.CreatedAt.Equal(queue.NormalizeTime(created)) || got.NotBefore != nil || got.ProcessedAt != nil ||
		got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.Equal(queue.NormalizeTime(expires)) || got.Attempts != 2 {
		t.Fatalf("unexpected decoded record: %+v", got)
	}

	if got.Result != nil {
		t.Fatalf("missing result must decode nil, got %q", got.Result)
	}

	done := got.Clone()
	done.State = queue.StateCompleted
	done.Result = []byte(`{"docid":"r-9"}`)
	pairs = encodeRecord(done)
	for idx := 0; idx < len(pairs); idx += 2 {
		fields[pairs[idx].(string)] = pairs[idx+1].(string)
	}
	got, err = decodeRecord(done.Key(), fields)
	if err != nil {
		t.Fatalf("decode completed: %v", err)
	}
	if string(got.Result) != `{"docid":"r-9"}` {
		t.Fatalf("result not preserved: %q", got.Result)
	}

	fields["attempts"] = "two"
	if _, err := decodeRecord(queue.Key{}, fields); err == nil {
		t.Fatal("expected attempts decode error")
	}
}

func TestStore_ScanRejectsBadFilters(t *testing.T) {
	store := unreachableStore(t)
	ctx := context.Background()
	if _, err := store.Scan(ctx, queue.ScanQuery{TenantID: "acme", Kind: queue.KindOrderEvent, Filter: queue.ScanStates}); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := store.Scan(ctx, queue.ScanQuery{TenantID: "acme", Kind: queue.KindOrderEvent, Filter: queue.ScanFilter(99)}); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestStore_ConnectionErrorsAreStoreUnavailable(t *testing.T) {
	store := unreachableStore(t)
	ctx := context.Background()
	key := queue.Key{TenantID: "acme", Kind: queue.KindOrderEvent, RecordID: "o-1"}

	if _, err := store.Read(ctx, key); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("read: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := store.ConditionalUpdate(ctx, key, queue.Expectation{State: queue.StatePending}, &queue.Record{State: queue.StateLeased}); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("update: expected ErrStoreUnavailable, got %v", err)
	}
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected failing health check")
	}
}
