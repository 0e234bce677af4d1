// Package store builds record stores and the tenant router from configuration.
package store

import (
	"context"

	"github.com/nimburion/leasequeue/pkg/queue"
)

// Adapter is the minimal lifecycle and health contract for storage adapters.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

var _ Adapter = queue.RecordStore(nil)
