// Package tenant maps tenants to the record store holding their work.
//
// Most tenants share the default store; large merchants can be pinned to a
// dedicated partition. Either way every store query stays tenant-scoped, so a
// shared store never leaks records across tenants.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
)

var (
	// ErrUnknownTenant is returned when a tenant has no partition and no default store exists.
	ErrUnknownTenant = errors.New("tenant unknown")
	// ErrDuplicateAssignment is returned when a tenant is assigned to two partitions.
	ErrDuplicateAssignment = errors.New("tenant assigned twice")
	// ErrPartitionConflict is returned when a partition name is already bound
	// to another store or to the default store.
	ErrPartitionConflict = errors.New("partition name already in use")
)

// Router implements queue.Router over a static tenant → partition table.
type Router struct {
	log logger.Logger

	mu         sync.RWMutex
	assigned   map[string]queue.StoreHandle
	partitions map[string]queue.StoreHandle
	fallback   *queue.StoreHandle

	fallbackMu     sync.Mutex
	fallbackLogged map[string]struct{}
}

// NewRouter returns an empty router.
func NewRouter(log logger.Logger) (*Router, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Router{
		log:            log,
		assigned:       map[string]queue.StoreHandle{},
		partitions:     map[string]queue.StoreHandle{},
		fallbackLogged: map[string]struct{}{},
	}, nil
}

// SetDefault sets the store used for tenants without a dedicated partition.
func (r *Router) SetDefault(name string, store queue.RecordStore) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("partition name is required")
	}
	if store == nil {
		return errors.New("store is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback != nil {
		return fmt.Errorf("%w: default store already set as %s", ErrPartitionConflict, r.fallback.Name)
	}
	if _, taken := r.partitions[name]; taken {
		return fmt.Errorf("%w: %s is a dedicated partition", ErrPartitionConflict, name)
	}
	handle := queue.StoreHandle{Name: name, Store: store}
	r.fallback = &handle
	r.partitions[name] = handle
	return nil
}

// Assign pins tenants to a dedicated partition. Assigning more tenants to an
// existing partition requires the same store. Nothing is registered when an
// error is returned.
func (r *Router) Assign(name string, store queue.RecordStore, tenants ...string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("partition name is required")
	}
	if store == nil {
		return errors.New("store is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fallback != nil && r.fallback.Name == name {
		return fmt.Errorf("%w: %s is the default store", ErrPartitionConflict, name)
	}
	if existing, ok := r.partitions[name]; ok && existing.Store != store {
		return fmt.Errorf("%w: %s is bound to another store", ErrPartitionConflict, name)
	}

	pinned := make([]string, 0, len(tenants))
	for _, tenantID := range tenants {
		tenantID = strings.TrimSpace(tenantID)
		if tenantID == "" {
			continue
		}
		if existing, ok := r.assigned[tenantID]; ok && existing.Name != name {
			return fmt.Errorf("%w: %s in %s and %s", ErrDuplicateAssignment, tenantID, existing.Name, name)
		}
		pinned = append(pinned, tenantID)
	}

	handle := queue.StoreHandle{Name: name, Store: store, Dedicated: true}
	r.partitions[name] = handle
	for _, tenantID := range pinned {
		r.assigned[tenantID] = handle
	}
	return nil
}

// Resolve implements queue.Router. Falling back to the default store is
// logged at info the first time per tenant and at debug afterwards.
func (r *Router) Resolve(ctx context.Context, tenantID string) (queue.StoreHandle, error) {
	if r == nil {
		return queue.StoreHandle{}, errors.New("tenant router is not initialized")
	}
	tenantID = strings.TrimSpace(tenantID)

	r.mu.RLock()
	handle, ok := r.assigned[tenantID]
	fallback := r.fallback
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}
	if fallback == nil {
		return queue.StoreHandle{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	log := r.log.WithContext(ctx)
	r.fallbackMu.Lock()
	_, seen := r.fallbackLogged[tenantID]
	if !seen {
		r.fallbackLogged[tenantID] = struct{}{}
	}
	r.fallbackMu.Unlock()
	if seen {
		log.Debug("tenant routed to default store", "tenant_id", tenantID, "store", fallback.Name)
	} else {
		log.Info("tenant has no dedicated partition, using default store", "tenant_id", tenantID, "store", fallback.Name)
	}
	return *fallback, nil
}

// Handles returns every distinct partition, sorted by name.
func (r *Router) Handles() []queue.StoreHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]queue.StoreHandle, 0, len(r.partitions))
	for _, handle := range r.partitions {
		out = append(out, handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tenants returns the tenants pinned to partition name.
func (r *Router) Tenants(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []string{}
	for tenantID, handle := range r.assigned {
		if handle.Name == name {
			out = append(out, tenantID)
		}
	}
	sort.Strings(out)
	return out
}

// Close closes every partition store once.
func (r *Router) Close() error {
	var errs []error
	for _, handle := range r.Handles() {
		if err := handle.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", handle.Name, err))
		}
	}
	return errors.Join(errs...)
}
