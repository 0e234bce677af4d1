package deadletter

import (
	"time"

	"github.com/nimburion/leasequeue/pkg/queue"
)

const (
	EventRecordDeadLettered = "record.dead_lettered"
	EventStoreUnavailable   = "store.unavailable"
)

// Notification is the JSON body published for each signal.
type Notification struct {
	Event      string     `json:"event"`
	TenantID   string     `json:"tenant_id"`
	Kind       queue.Kind `json:"kind"`
	RecordID   string     `json:"record_id,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Operation  string     `json:"operation,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func deadLetterNotification(rec *queue.Record, now time.Time) Notification {
	created := rec.CreatedAt
	return Notification{
		Event:      EventRecordDeadLettered,
		TenantID:   rec.TenantID,
		Kind:       rec.Kind,
		RecordID:   rec.RecordID,
		Attempts:   rec.Attempts,
		LastError:  rec.LastError,
		CreatedAt:  &created,
		OccurredAt: now,
	}
}

func storeUnavailableNotification(op string, key queue.Key, err error, now time.Time) Notification {
	n := Notification{
		Event:      EventStoreUnavailable,
		TenantID:   key.TenantID,
		Kind:       key.Kind,
		Operation:  op,
		OccurredAt: now,
	}
	if key.RecordID != "*" {
		n.RecordID = key.RecordID
	}
	if err != nil {
		n.Error = err.Error()
	}
	return n
}
