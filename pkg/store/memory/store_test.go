package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/leasequeue/pkg/queue"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(tenant, id string, created time.Time) *queue.Record {
	return &queue.Record{
		TenantID:  tenant,
		Kind:      queue.KindOrderEvent,
		RecordID:  id,
		State:     queue.StatePending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStore_InsertIfAbsent(t *testing.T) {
	s := New()
	rec := pending("acme", "o-1", base)

	inserted, err := s.InsertIfAbsent(t.Context(), rec)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	rec.Payload = []byte("mutated after insert")

	inserted, err = s.InsertIfAbsent(t.Context(), pending("acme", "o-1", base))
	if err != nil || inserted {
		t.Fatalf("second insert must be rejected: inserted=%v err=%v", inserted, err)
	}
	got, err := s.Read(t.Context(), rec.Key())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Payload != nil {
		t.Fatal("store must keep its own copy")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", s.Len())
	}
}

func TestStore_ConditionalUpdate(t *testing.T) {
	s := New()
	rec := pending("acme", "o-1", base)
	if _, err := s.InsertIfAbsent(t.Context(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	next := rec.Clone()
	next.State = queue.StateLeased
	next.LeaseOwner = "w1"
	next.LeaseExpiresAt = queue.TimePtr(base.Add(time.Minute))
	next.Attempts = 1
	next.CreatedAt = base.Add(time.Hour)

	applied, err := s.ConditionalUpdate(t.Context(), rec.Key(), queue.Expect(rec), next)
	if err != nil || !applied {
		t.Fatalf("update: applied=%v err=%v", applied, err)
	}
	got, _ := s.Read(t.Context(), rec.Key())
	if got.LeaseOwner != "w1" || got.Attempts != 1 || !got.CreatedAt.Equal(base) {
		t.Fatalf("unexpected record after update: %+v", got)
	}

	// The stale snapshot no longer matches.
	stale := rec.Clone()
	stale.LeaseOwner = "w2"
	applied, err = s.ConditionalUpdate(t.Context(), rec.Key(), queue.Expect(rec), stale)
	if err != nil || applied {
		t.Fatalf("stale update must lose: applied=%v err=%v", applied, err)
	}

	missing := pending("acme", "o-2", base)
	applied, err = s.ConditionalUpdate(t.Context(), missing.Key(), queue.Expect(missing), missing)
	if err != nil || applied {
		t.Fatalf("update of missing record must not apply: applied=%v err=%v", applied, err)
	}
}

func TestStore_ConditionalUpdateIsExclusive(t *testing.T) {
	s := New()
	rec := pending("acme", "o-1", base)
	if _, err := s.InsertIfAbsent(t.Context(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := rec.Clone()
			next.State = queue.StateLeased
			next.LeaseOwner = string(rune('a' + i))
			next.Attempts = 1
			applied, err := s.ConditionalUpdate(context.Background(), rec.Key(), queue.Expect(rec), next)
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			if applied {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestStore_ReadMissing(t *testing.T) {
	s := New()
	_, err := s.Read(t.Context(), queue.Key{TenantID: "acme", Kind: queue.KindFeedDocument, RecordID: "nope"})
	if !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_Scan(t *testing.T) {
	s := New()
	now := base.Add(10 * time.Minute)

	old := pending("acme", "b-old", base)
	newer := pending("acme", "a-new", base.Add(time.Minute))
	deferred := pending("acme", "deferred", base)
	deferred.NotBefore = queue.TimePtr(now.Add(time.Minute))
	expired := pending("acme", "expired", base.Add(2*time.Minute))
	expired.State = queue.StateLeased
	expired.LeaseOwner = "w1"
	expired.LeaseExpiresAt = queue.TimePtr(now)
	live := pending("acme", "live", base)
	live.State = queue.StateLeased
	live.LeaseOwner = "w2"
	live.LeaseExpiresAt = queue.TimePtr(now.Add(time.Second))
	dead := pending("acme", "dead", base)
	dead.State = queue.StateDeadLettered
	otherTenant := pending("beta", "o-1", base)

	for _, rec := range []*queue.Record{old, newer, deferred, expired, live, dead, otherTenant} {
		if _, err := s.InsertIfAbsent(t.Context(), rec); err != nil {
			t.Fatalf("insert %s: %v", rec.RecordID, err)
		}
	}

	tests := []struct {
		name  string
		query queue.ScanQuery
		want  []string
	}{
		{
			name:  "claimable oldest first",
			query: queue.ScanQuery{TenantID: "acme", Kind: queue.KindOrderEvent, Filter: queue.ScanClaimable, At: now},
			want:  []string{"b-old", "a-new", "expired"},
		},
		{
			name:  "claimable with limit",
			query: queue.ScanQuery{TenantID: "acme", Kind: queue.KindOrderEvent, Filter: queue.ScanClaimable, At: now, Limit: 2},
			want:  []string{"b-old", "a-new"},
		},
		{
			name:  "expired leases only",
			query: queue.ScanQuery{TenantID: "acme", Kind: queue.KindOrderEvent, Filter: queue.ScanExpired, At: now},
			want:  []string{"expired"},
		},
		{
			name:  "by state",
			query: queue.ScanQuery{TenantID: "acme", Kind: queue.KindOrderEvent, Filter: queue.ScanStates, States: []queue.State{queue.StateDeadLettered}},
			want:  []string{"dead"},
		},
		{
			name:  "other kind is empty",
			query: queue.ScanQuery{TenantID: "acme", Kind: queue.KindFeedDocument, Filter: queue.ScanClaimable, At: now},
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Scan(t.Context(), tt.query)
			if err != nil {
				t.Fatalf("scan: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d records", tt.want, len(got))
			}
			for i, rec := range got {
				if rec.RecordID != tt.want[i] {
					t.Fatalf("position %d: expected %s, got %s", i, tt.want[i], rec.RecordID)
				}
			}
		})
	}
}

func TestStore_Close(t *testing.T) {
	s := New()
	if err := s.HealthCheck(t.Context()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.HealthCheck(t.Context()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed health error, got %v", err)
	}
	_, err := s.InsertIfAbsent(t.Context(), pending("acme", "o-1", base))
	if !errors.Is(err, queue.ErrStoreUnavailable) || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if _, err := s.Scan(t.Context(), queue.ScanQuery{TenantID: "acme", Kind: queue.KindOrderEvent}); !errors.Is(err, queue.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable on scan, got %v", err)
	}
}
