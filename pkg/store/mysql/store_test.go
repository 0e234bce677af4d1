package mysql

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/store/sqlstore"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := newStoreWithDB(db, Config{TablePrefix: "lq_"}, &mockLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := New(Config{URL: "user:pass@tcp(localhost:3306)/db"}, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestNormalizeDSN_ForcesDriverOptions(t *testing.T) {
	dsn, err := NormalizeDSN("user:pass@tcp(db:3306)/leasequeue?parseTime=false")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	for _, want := range []string{"parseTime=true", "clientFoundRows=true"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected %q in %q", want, dsn)
		}
	}
	if _, err := NormalizeDSN("not a dsn"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStore_DuplicateInsertReportsFalse(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := &queue.Record{TenantID: "acme", Kind: queue.KindOrderEvent, RecordID: "o-1", State: queue.StatePending, CreatedAt: now, UpdatedAt: now}

	insert := regexp.QuoteMeta("INSERT INTO lq_order_events (tenant_id, record_id, payload, state, lease_owner, lease_expires_at, attempts, last_error, not_before, created_at, updated_at, processed_at, result) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectExec(insert).WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"})

	if inserted, err := store.InsertIfAbsent(context.Background(), rec); err != nil || !inserted {
		t.Fatalf("expected insert, got %v %v", inserted, err)
	}
	if inserted, err := store.InsertIfAbsent(context.Background(), rec); err != nil || inserted {
		t.Fatalf("expected duplicate, got %v %v", inserted, err)
	}
	if _, err := store.InsertIfAbsent(context.Background(), rec); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_ConditionalUpdateUsesNullSafeCompare(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	key := queue.Key{TenantID: "acme", Kind: queue.KindOrderEvent, RecordID: "o-1"}
	next := &queue.Record{State: queue.StateCompleted, Attempts: 1, UpdatedAt: now, ProcessedAt: &now}

	mock.ExpectExec(regexp.QuoteMeta("AND attempts=? AND lease_expires_at <=> ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	expires := now.Add(time.Minute)
	applied, err := store.ConditionalUpdate(context.Background(), key,
		queue.Expectation{State: queue.StateLeased, LeaseOwner: "w1", LeaseExpiresAt: &expires, Attempts: 1}, next)
	if err != nil || !applied {
		t.Fatalf("expected applied update, got %v %v", applied, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_ScanStatesUsesInList(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM lq_feed_documents WHERE tenant_id=? AND state IN (?, ?) ORDER BY created_at ASC, record_id ASC LIMIT 5")).
		WithArgs("acme", "completed", "dead_lettered").
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "record_id", "payload", "state", "lease_owner", "lease_expires_at",
			"attempts", "last_error", "not_before", "created_at", "updated_at", "processed_at", "result",
		}))

	if _, err := store.Scan(context.Background(), queue.ScanQuery{
		TenantID: "acme",
		Kind:     queue.KindFeedDocument,
		Filter:   queue.ScanStates,
		States:   []queue.State{queue.StateCompleted, queue.StateDeadLettered},
		Limit:    5,
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStore_HealthCheckAndClose(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	store, err := newStoreWithDB(db, Config{}, &mockLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("gone"))
	mock.ExpectClose()

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected failing health check")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
