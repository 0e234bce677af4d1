package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nimburion/leasequeue/pkg/queue"
)

// Times are stored as decimal unix microseconds; "" means unset.
func encodeTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return strconv.FormatInt(queue.NormalizeTime(*t).UnixMicro(), 10)
}

func decodeTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode time %q: %w", raw, err)
	}
	t := time.UnixMicro(micros).UTC()
	return &t, nil
}

func encodeRecord(rec *queue.Record) []any {
	return []any{
		"payload", string(rec.Payload),
		"state", string(rec.State),
		"lease_owner", rec.LeaseOwner,
		"lease_expires_at", encodeTime(rec.LeaseExpiresAt),
		"attempts", strconv.Itoa(rec.Attempts),
		"last_error", rec.LastError,
		"not_before", encodeTime(rec.NotBefore),
		"created_at", encodeTime(&rec.CreatedAt),
		"updated_at", encodeTime(&rec.UpdatedAt),
		"processed_at", encodeTime(rec.ProcessedAt),
		"result", string(rec.Result),
	}
}

func decodeRecord(key queue.Key, fields map[string]string) (*queue.Record, error) {
	rec := &queue.Record{
		TenantID:   key.TenantID,
		Kind:       key.Kind,
		RecordID:   key.RecordID,
		State:      queue.State(fields["state"]),
		LeaseOwner: fields["lease_owner"],
		LastError:  fields["last_error"],
	}
	if payload := fields["payload"]; payload != "" {
		rec.Payload = []byte(payload)
	}
	if result := fields["result"]; result != "" {
		rec.Result = []byte(result)
	}
	if raw := fields["attempts"]; raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode attempts %q: %w", raw, err)
		}
		rec.Attempts = attempts
	}

	var err error
	if rec.LeaseExpiresAt, err = decodeTime(fields["lease_expires_at"]); err != nil {
		return nil, err
	}
	if rec.NotBefore, err = decodeTime(fields["not_before"]); err != nil {
		return nil, err
	}
	if rec.ProcessedAt, err = decodeTime(fields["processed_at"]); err != nil {
		return nil, err
	}
	created, err := decodeTime(fields["created_at"])
	if err != nil {
		return nil, err
	}
	updated, err := decodeTime(fields["updated_at"])
	if err != nil {
		return nil, err
	}
	if created != nil {
		rec.CreatedAt = *created
	}
	if updated != nil {
		rec.UpdatedAt = *updated
	}
	return rec, nil
}
