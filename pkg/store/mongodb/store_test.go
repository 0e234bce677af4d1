package mongodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

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

func asBSON(t *testing.T, rec *queue.Record) bson.D {
	t.Helper()
	raw, err := bson.Marshal(toDocument(rec))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return doc
}

func sample(id string, created time.Time) *queue.Record {
	return &queue.Record{
		TenantID:  "acme",
		Kind:      queue.KindMarketplaceOrderEvent,
		RecordID:  id,
		Payload:   []byte("{}"),
		State:     queue.StatePending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Database: "db"}, &mockLogger{}); err == nil {
		t.Fatal("expected error for missing URL")
	}
	if _, err := New(Config{URL: "mongodb://localhost:27017"}, &mockLogger{}); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestStore_WithMockDeployment(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	created := time.Date(2026, 4, 1, 8, 0, 0, 123456000, time.UTC)
	key := queue.Key{TenantID: "acme", Kind: queue.KindMarketplaceOrderEvent, RecordID: "m-1"}

	mt.Run("insert and duplicate", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB, Config{}, &mockLogger{})
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}),
		)
		if inserted, err := store.InsertIfAbsent(context.Background(), sample("m-1", created)); err != nil || !inserted {
			mt.Fatalf("expected insert, got %v %v", inserted, err)
		}
		if inserted, err := store.InsertIfAbsent(context.Background(), sample("m-1", created)); err != nil || inserted {
			mt.Fatalf("expected duplicate, got %v %v", inserted, err)
		}
	})

	mt.Run("conditional update reports matched count", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB, Config{}, &mockLogger{})
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
		)
		next := &queue.Record{State: queue.StateLeased, LeaseOwner: "w1", Attempts: 1, UpdatedAt: created}
		if applied, err := store.ConditionalUpdate(context.Background(), key, queue.Expectation{State: queue.StatePending}, next); err != nil || !applied {
			mt.Fatalf("expected applied, got %v %v", applied, err)
		}
		if applied, err := store.ConditionalUpdate(context.Background(), key, queue.Expectation{State: queue.StatePending}, next); err != nil || applied {
			mt.Fatalf("expected lost update, got %v %v", applied, err)
		}
	})

	mt.Run("read maps document and missing", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB, Config{}, &mockLogger{})
		ns := mt.DB.Name() + ".marketplace_order_events"
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, asBSON(mt.T, sample("m-1", created))),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
		)
		rec, err := store.Read(context.Background(), key)
		if err != nil {
			mt.Fatalf("read: %v", err)
		}
		if rec.RecordID != "m-1" || !rec.CreatedAt.Equal(created) || rec.LeaseExpiresAt != nil || rec.Result != nil {
			mt.Fatalf("unexpected record %+v", rec)
		}
		if _, err := store.Read(context.Background(), key); !errors.Is(err, queue.ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("read returns completion result", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB, Config{}, &mockLogger{})
		ns := mt.DB.Name() + ".marketplace_order_events"
		done := sample("m-1", created)
		done.State = queue.StateCompleted
		done.ProcessedAt = &created
		done.Result = []byte(`{"docid":"r-9"}`)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, asBSON(mt.T, done)))

		rec, err := store.Read(context.Background(), key)
		if err != nil {
			mt.Fatalf("read: %v", err)
		}
		if string(rec.Result) != `{"docid":"r-9"}` || rec.ProcessedAt == nil {
			mt.Fatalf("unexpected record %+v", rec)
		}
	})

	mt.Run("scan decodes cursor", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB, Config{}, &mockLogger{})
		ns := mt.DB.Name() + ".marketplace_order_events"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			asBSON(mt.T, sample("a", created)),
			asBSON(mt.T, sample("b", created.Add(time.Second))),
		))
		out, err := store.Scan(context.Background(), queue.ScanQuery{
			TenantID: "acme", Kind: queue.KindMarketplaceOrderEvent, Filter: queue.ScanClaimable, At: created, Limit: 10,
		})
		if err != nil {
			mt.Fatalf("scan: %v", err)
		}
		if len(out) != 2 || out[0].RecordID != "a" || out[1].RecordID != "b" {
			mt.Fatalf("unexpected scan result %+v", out)
		}
	})

	mt.Run("command errors are store unavailable", func(mt *mtest.T) {
		store := NewWithDatabase(mt.DB, Config{}, &mockLogger{})
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 91, Name: "ShutdownInProgress", Message: "shutting down"}))
		next := &queue.Record{State: queue.StateCompleted, UpdatedAt: created}
		if _, err := store.ConditionalUpdate(context.Background(), key, queue.Expectation{State: queue.StateLeased}, next); !errors.Is(err, queue.ErrStoreUnavailable) {
			mt.Fatalf("expected ErrStoreUnavailable, got %v", err)
		}
	})
}

func TestCASFilter_PinsNullExpiry(t *testing.T) {
	key := queue.Key{TenantID: "acme", Kind: queue.KindOrderEvent, RecordID: "o-1"}
	filter := casFilter(key, queue.Expectation{State: queue.StatePending})
	last := filter[len(filter)-1]
	if last.Key != "lease_expires_at" || last.Value != nil {
		t.Fatalf("expected null expiry match, got %+v", last)
	}

	expires := time.Date(2026, 1, 1, 0, 0, 30, 999, time.UTC)
	filter = casFilter(key, queue.Expectation{State: queue.StateLeased, LeaseOwner: "w1", LeaseExpiresAt: &expires, Attempts: 1})
	if got := filter[len(filter)-1].Value; got != queue.NormalizeTime(expires).UnixMicro() {
		t.Fatalf("expected micros expiry, got %v", got)
	}
}

func TestCASUpdate_SetsResult(t *testing.T) {
	result := func(update bson.D) any {
		set := update[0].Value.(bson.D)
		for _, field := range set {
			if field.Key == "result" {
				return field.Value
			}
		}
		t.Fatal("result missing from $set")
		return nil
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := result(casUpdate(&queue.Record{State: queue.StatePending, UpdatedAt: now})); got != nil {
		t.Fatalf("expected null result, got %v", got)
	}
	got := result(casUpdate(&queue.Record{State: queue.StateCompleted, UpdatedAt: now, Result: []byte("ok")}))
	if b, ok := got.([]byte); !ok || string(b) != "ok" {
		t.Fatalf("expected result bytes, got %#v", got)
	}
}

func TestScanFilter_RejectsEmptyStates(t *testing.T) {
	if _, err := scanFilter(queue.ScanQuery{TenantID: "acme", Filter: queue.ScanStates}); !errors.Is(err, queue.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	filter, err := scanFilter(queue.ScanQuery{TenantID: "acme", Filter: queue.ScanStates, States: []queue.State{queue.StateDeadLettered}})
	if err != nil || len(filter) != 2 || filter[0].Value != "acme" {
		t.Fatalf("unexpected filter %+v %v", filter, err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	store := &Store{log: &mockLogger{}}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := store.Read(context.Background(), queue.Key{}); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable after close, got %v", err)
	}
}
