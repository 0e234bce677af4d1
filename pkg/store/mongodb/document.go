package mongodb

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/nimburion/leasequeue/pkg/queue"
)

type documentID struct {
	TenantID string `bson:"tenant_id"`
	RecordID string `bson:"record_id"`
}

// document is the stored form of a record. Lease and scheduling instants are
// unix microseconds so compare-and-set sees the exact value the queue wrote;
// BSON dates would round them to milliseconds.
type document struct {
	ID             documentID `bson:"_id"`
	TenantID       string     `bson:"tenant_id"`
	RecordID       string     `bson:"record_id"`
	Payload        []byte     `bson:"payload,omitempty"`
	State          string     `bson:"state"`
	LeaseOwner     string     `bson:"lease_owner"`
	LeaseExpiresAt *int64     `bson:"lease_expires_at"`
	Attempts       int        `bson:"attempts"`
	LastError      string     `bson:"last_error"`
	NotBefore      *int64     `bson:"not_before"`
	CreatedAt      int64      `bson:"created_at"`
	UpdatedAt      int64      `bson:"updated_at"`
	ProcessedAt    *int64     `bson:"processed_at"`
	Result         []byte     `bson:"result,omitempty"`
}

func idOf(tenantID, recordID string) documentID {
	return documentID{TenantID: tenantID, RecordID: recordID}
}

func toMicros(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := queue.NormalizeTime(*t).UnixMicro()
	return &v
}

func fromMicros(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMicro(*v).UTC()
	return &t
}

func toDocument(rec *queue.Record) document {
	return document{
		ID:             idOf(rec.TenantID, rec.RecordID),
		TenantID:       rec.TenantID,
		RecordID:       rec.RecordID,
		Payload:        rec.Payload,
		State:          string(rec.State),
		LeaseOwner:     rec.LeaseOwner,
		LeaseExpiresAt: toMicros(rec.LeaseExpiresAt),
		Attempts:       rec.Attempts,
		LastError:      rec.LastError,
		NotBefore:      toMicros(rec.NotBefore),
		CreatedAt:      *toMicros(&rec.CreatedAt),
		UpdatedAt:      *toMicros(&rec.UpdatedAt),
		ProcessedAt:    toMicros(rec.ProcessedAt),
		Result:         rec.Result,
	}
}

func (d *document) record(kind queue.Kind) *queue.Record {
	rec := &queue.Record{
		TenantID:       d.TenantID,
		Kind:           kind,
		RecordID:       d.RecordID,
		State:          queue.State(d.State),
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: fromMicros(d.LeaseExpiresAt),
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		NotBefore:      fromMicros(d.NotBefore),
		CreatedAt:      *fromMicros(&d.CreatedAt),
		UpdatedAt:      *fromMicros(&d.UpdatedAt),
		ProcessedAt:    fromMicros(d.ProcessedAt),
	}
	if len(d.Payload) > 0 {
		rec.Payload = d.Payload
	}
	if len(d.Result) > 0 {
		rec.Result = d.Result
	}
	return rec
}

// nullable renders a BSON value matching nil as null-or-missing.
func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBytes(v []byte) any {
	if v == nil {
		return nil
	}
	return v
}

func casFilter(key queue.Key, expected queue.Expectation) bson.D {
	return bson.D{
		{Key: "_id", Value: idOf(key.TenantID, key.RecordID)},
		{Key: "state", Value: string(expected.State)},
		{Key: "lease_owner", Value: expected.LeaseOwner},
		{Key: "attempts", Value: expected.Attempts},
		{Key: "lease_expires_at", Value: nullable(toMicros(expected.LeaseExpiresAt))},
	}
}

func casUpdate(next *queue.Record) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "state", Value: string(next.State)},
		{Key: "lease_owner", Value: next.LeaseOwner},
		{Key: "lease_expires_at", Value: nullable(toMicros(next.LeaseExpiresAt))},
		{Key: "attempts", Value: next.Attempts},
		{Key: "last_error", Value: next.LastError},
		{Key: "not_before", Value: nullable(toMicros(next.NotBefore))},
		{Key: "updated_at", Value: *toMicros(&next.UpdatedAt)},
		{Key: "processed_at", Value: nullable(toMicros(next.ProcessedAt))},
		{Key: "result", Value: nullableBytes(next.Result)},
	}}}
}

func dueOrUnset(field string, at int64) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: field, Value: nil}},
		bson.D{{Key: field, Value: bson.D{{Key: "$lte", Value: at}}}},
	}}}
}

func scanFilter(q queue.ScanQuery) (bson.D, error) {
	filter := bson.D{{Key: "tenant_id", Value: q.TenantID}}
	at := queue.NormalizeTime(q.At).UnixMicro()

	switch q.Filter {
	case queue.ScanClaimable:
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "state", Value: string(queue.StatePending)}, {Key: "$and", Value: bson.A{dueOrUnset("not_before", at)}}},
			bson.D{{Key: "state", Value: string(queue.StateLeased)}, {Key: "$and", Value: bson.A{dueOrUnset("lease_expires_at", at)}}},
		}})
	case queue.ScanExpired:
		filter = append(filter,
			bson.E{Key: "state", Value: string(queue.StateLeased)},
			bson.E{Key: "$and", Value: bson.A{dueOrUnset("lease_expires_at", at)}},
		)
	case queue.ScanStates:
		if len(q.States) == 0 {
			return nil, fmt.Errorf("%w: scan by state requires at least one state", queue.ErrValidation)
		}
		states := bson.A{}
		for _, state := range q.States {
			states = append(states, string(state))
		}
		filter = append(filter, bson.E{Key: "state", Value: bson.D{{Key: "$in", Value: states}}})
	default:
		return nil, fmt.Errorf("%w: unknown scan filter %d", queue.ErrValidation, q.Filter)
	}
	return filter, nil
}
