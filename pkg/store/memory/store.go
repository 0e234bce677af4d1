// Package memory provides an in-process queue.RecordStore for tests, local
// development and single-process deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nimburion/leasequeue/pkg/queue"
)

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("memory store closed")

// Store keeps records in a map guarded by a single mutex, which makes every
// conditional update trivially atomic.
type Store struct {
	mu      sync.Mutex
	records map[queue.Key]*queue.Record
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{records: map[queue.Key]*queue.Record{}}
}

// InsertIfAbsent implements queue.RecordStore.
func (s *Store) InsertIfAbsent(_ context.Context, rec *queue.Record) (bool, error) {
	if rec == nil {
		return false, errors.New("record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, queue.StoreUnavailable("insert", ErrClosed)
	}
	key := rec.Key()
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = rec.Clone()
	return true, nil
}

// ConditionalUpdate implements queue.RecordStore.
func (s *Store) ConditionalUpdate(_ context.Context, key queue.Key, expected queue.Expectation, next *queue.Record) (bool, error) {
	if next == nil {
		return false, errors.New("next record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, queue.StoreUnavailable("update", ErrClosed)
	}
	current, ok := s.records[key]
	if !ok || !expected.Matches(current) {
		return false, nil
	}
	updated := next.Clone()
	updated.TenantID, updated.Kind, updated.RecordID = key.TenantID, key.Kind, key.RecordID
	updated.CreatedAt = current.CreatedAt
	s.records[key] = updated
	return true, nil
}

// Read implements queue.RecordStore.
func (s *Store) Read(_ context.Context, key queue.Key) (*queue.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, queue.StoreUnavailable("read", ErrClosed)
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, queue.NotFound(key)
	}
	return rec.Clone(), nil
}

// Scan implements queue.RecordStore.
func (s *Store) Scan(_ context.Context, query queue.ScanQuery) ([]*queue.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, queue.StoreUnavailable("scan", ErrClosed)
	}
	out := make([]*queue.Record, 0)
	for _, rec := range s.records {
		if query.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// HealthCheck reports an error once the store is closed.
func (s *Store) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed. Records are kept so a test can inspect them.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
