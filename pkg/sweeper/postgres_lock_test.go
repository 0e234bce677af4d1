package sweeper

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockLockProvider(t *testing.T) (*PostgresLockProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	provider, err := NewPostgresLockProviderWithDB(db, PostgresLockProviderConfig{
		OperationTimeout: time.Second,
	}, &sweeperTestLogger{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider, mock
}

func TestPostgresLockProvider_Acquire(t *testing.T) {
	provider, mock := newMockLockProvider(t)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("sweep:acme:order_event", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("sweep:acme:order_event", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	lease, acquired, err := provider.Acquire(context.Background(), "sweep:acme:order_event", time.Second)
	if err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}
	if lease == nil || strings.TrimSpace(lease.Token) == "" {
		t.Fatal("expected non-empty lease token")
	}
	if _, acquired, err := provider.Acquire(context.Background(), "sweep:acme:order_event", time.Second); err != nil || acquired {
		t.Fatalf("expected held lock, got %v %v", acquired, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_RenewAndRelease(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	lease := &LockLease{Key: "sweep:acme:order_event", Token: "token-1"}

	mock.ExpectExec("UPDATE leasequeue_sweeper_locks SET expires_at=\\$3, updated_at=NOW\\(\\) WHERE lock_key=\\$1 AND token=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("sweep:acme:order_event", "token-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Renew(context.Background(), lease, time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}

	mock.ExpectExec("DELETE FROM leasequeue_sweeper_locks WHERE lock_key=\\$1 AND token=\\$2").
		WithArgs("sweep:acme:order_event", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_RenewConflict(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	lease := &LockLease{Key: "sweep:acme:order_event", Token: "token-1"}

	mock.ExpectExec("UPDATE leasequeue_sweeper_locks").
		WithArgs("sweep:acme:order_event", "token-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := provider.Renew(context.Background(), lease, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec("DELETE FROM leasequeue_sweeper_locks").
		WithArgs("sweep:acme:order_event", "token-1").
		WillReturnError(errors.New("connection refused"))
	if err := provider.Release(context.Background(), lease); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestPostgresLockProvider_HealthCheck(t *testing.T) {
	provider, mock := newMockLockProvider(t)
	mock.ExpectPing()
	if err := provider.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthcheck: %v", err)
	}
	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := provider.HealthCheck(context.Background()); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestPostgresLockProvider_RejectsInvalidTable(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	if _, err := NewPostgresLockProviderWithDB(db, PostgresLockProviderConfig{Table: "locks; DROP"}, &sweeperTestLogger{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
