package queue

import "context"

// RecordStore is the ordered, tenant-scoped record store the queue runs on.
//
// Implementations must make ConditionalUpdate atomic with respect to every
// other writer of the same key, and must not retry failed driver calls:
// failures surface as ErrStoreUnavailable.
type RecordStore interface {
	// InsertIfAbsent stores rec unless the key exists; it reports whether it inserted.
	InsertIfAbsent(ctx context.Context, rec *Record) (bool, error)
	// ConditionalUpdate replaces the record at key with next when the stored
	// record matches expected; it reports whether the write applied.
	ConditionalUpdate(ctx context.Context, key Key, expected Expectation, next *Record) (bool, error)
	// Read returns the record or an ErrNotFound error.
	Read(ctx context.Context, key Key) (*Record, error)
	// Scan returns matching records ordered by CreatedAt ascending.
	Scan(ctx context.Context, query ScanQuery) ([]*Record, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// StoreHandle is a resolved store for a tenant.
type StoreHandle struct {
	Name      string
	Store     RecordStore
	Dedicated bool
}

// Router resolves the store that owns a tenant's records.
type Router interface {
	Resolve(ctx context.Context, tenantID string) (StoreHandle, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, tenantID string) (StoreHandle, error)

// Resolve calls f.
func (f RouterFunc) Resolve(ctx context.Context, tenantID string) (StoreHandle, error) {
	return f(ctx, tenantID)
}

// SingleStore routes every tenant to the same store.
func SingleStore(name string, store RecordStore) Router {
	return RouterFunc(func(context.Context, string) (StoreHandle, error) {
		return StoreHandle{Name: name, Store: store}, nil
	})
}
