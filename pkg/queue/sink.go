package queue

import (
	"context"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

// Sink receives the queue's observability signals. Implementations must not
// block for long and must not fail the queue operation that emitted them.
type Sink interface {
	// DeadLettered is called once per record after it reaches StateDeadLettered.
	DeadLettered(ctx context.Context, rec *Record)
	// StoreUnavailable is called when an operation fails because the store did.
	StoreUnavailable(ctx context.Context, op string, key Key, err error)
}

// LogSink writes signals to a logger.
type LogSink struct {
	log logger.Logger
}

// NewLogSink returns a sink that logs dead letters at warn and store
// failures at error.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) DeadLettered(ctx context.Context, rec *Record) {
	if s == nil || s.log == nil || rec == nil {
		return
	}
	s.log.WithContext(ctx).Warn("record dead-lettered",
		"tenant_id", rec.TenantID,
		"kind", string(rec.Kind),
		"record_id", rec.RecordID,
		"attempts", rec.Attempts,
		"last_error", rec.LastError,
	)
}

func (s *LogSink) StoreUnavailable(ctx context.Context, op string, key Key, err error) {
	if s == nil || s.log == nil {
		return
	}
	s.log.WithContext(ctx).Error("record store unavailable",
		"operation", op,
		"tenant_id", key.TenantID,
		"kind", string(key.Kind),
		"record_id", key.RecordID,
		"error", err,
	)
}

// MultiSink fans signals out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) DeadLettered(ctx context.Context, rec *Record) {
	for _, sink := range m {
		if sink != nil {
			sink.DeadLettered(ctx, rec)
		}
	}
}

func (m MultiSink) StoreUnavailable(ctx context.Context, op string, key Key, err error) {
	for _, sink := range m {
		if sink != nil {
			sink.StoreUnavailable(ctx, op, key, err)
		}
	}
}

type discardSink struct{}

func (discardSink) DeadLettered(context.Context, *Record) {}
func (discardSink) StoreUnavailable(context.Context, string, Key, error) {}
