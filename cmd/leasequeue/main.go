// Command leasequeue runs the lease-based work queue: workers, the lease
// sweeper, schema migrations and record inspection.
package main

import (
	"context"

	"github.com/nimburion/leasequeue/pkg/cli"
	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/worker"
)

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		Name:            "leasequeue",
		Description:     "Lease-based multi-tenant work queue",
		ConfigureWorker: registerHandlers,
	}))
}

// registerHandlers acknowledges every record after logging it. Deployments
// that process records embed pkg/cli with their own handlers.
func registerHandlers(_ *config.Config, log logger.Logger, w *worker.Worker) error {
	for _, kind := range queue.Kinds() {
		kindLog := log.With("kind", kind)
		handler := func(ctx context.Context, rec *queue.Record) ([]byte, error) {
			kindLog.WithContext(ctx).Info("record processed",
				"tenant_id", rec.TenantID,
				"record_id", rec.RecordID,
				"attempt", rec.Attempts,
				"payload_bytes", len(rec.Payload),
			)
			return nil, nil
		}
		if err := w.Register(kind, handler); err != nil {
			return err
		}
	}
	return nil
}
