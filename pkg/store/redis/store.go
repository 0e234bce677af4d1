// Package redis stores queue records in Redis hashes with one sorted set per
// state as the claim index. Every mutation runs as a Lua script, so the
// compare-and-set on a record and its index move are a single atomic step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/observability/tracing"
	"github.com/nimburion/leasequeue/pkg/queue"
)

const (
	defaultKeyPrefix = "leasequeue"
	scanPageSize     = 256
)

// Config holds Redis connection configuration
type Config struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
	// KeyPrefix namespaces every key; defaults to "leasequeue".
	KeyPrefix string
}

// Store implements queue.RecordStore on Redis.
type Store struct {
	client redis.UniversalClient
	log    logger.Logger
	config Config
}

// New parses cfg.URL, pings the server and returns a store.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	if cfg.OperationTimeout > 0 {
		opts.ReadTimeout = cfg.OperationTimeout
		opts.WriteTimeout = cfg.OperationTimeout
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	log.Info("Redis connection established", "max_conns", cfg.MaxConns, "operation_timeout", cfg.OperationTimeout)
	return NewWithClient(client, cfg, log)
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config, log logger.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.KeyPrefix = strings.TrimSpace(cfg.KeyPrefix)
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, log: log, config: cfg}, nil
}

// Client returns the underlying client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// InsertIfAbsent implements queue.RecordStore.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *queue.Record) (bool, error) {
	if rec == nil {
		return false, errors.New("record is required")
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBInsert, rec.Kind)
	defer span.End()

	k := s.keys(rec.TenantID, rec.Kind)
	fields := encodeRecord(rec)
	args := make([]any, 0, 2+len(fields))
	args = append(args, rec.RecordID, encodeTime(&rec.CreatedAt))
	args = append(args, fields...)

	res, err := insertScript.Run(ctx, s.client, []string{k.record(rec.RecordID), k.state(rec.State)}, args...).Int()
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("redis insert", err)
	}
	tracing.RecordSuccess(span)
	return res == 1, nil
}

// ConditionalUpdate implements queue.RecordStore.
func (s *Store) ConditionalUpdate(ctx context.Context, key queue.Key, expected queue.Expectation, next *queue.Record) (bool, error) {
	if next == nil {
		return false, errors.New("next record is required")
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBUpdate, key.Kind)
	defer span.End()

	k := s.keys(key.TenantID, key.Kind)
	keys := []string{k.record(key.RecordID), k.state(expected.State), k.state(next.State)}
	args := []any{
		key.RecordID,
		string(expected.State),
		expected.LeaseOwner,
		encodeTime(expected.LeaseExpiresAt),
		strconv.Itoa(expected.Attempts),
		string(next.State),
		next.LeaseOwner,
		encodeTime(next.LeaseExpiresAt),
		strconv.Itoa(next.Attempts),
		next.LastError,
		encodeTime(next.NotBefore),
		encodeTime(&next.UpdatedAt),
		encodeTime(next.ProcessedAt),
		string(next.Result),
	}
	res, err := casScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("redis conditional update", err)
	}
	tracing.RecordSuccess(span)
	return res == 1, nil
}

// Read implements queue.RecordStore.
func (s *Store) Read(ctx context.Context, key queue.Key) (*queue.Record, error) {
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, key.Kind)
	defer span.End()

	fields, err := s.client.HGetAll(ctx, s.keys(key.TenantID, key.Kind).record(key.RecordID)).Result()
	if err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("redis read", err)
	}
	tracing.RecordSuccess(span)
	if len(fields) == 0 {
		return nil, queue.NotFound(key)
	}
	return decodeRecord(key, fields)
}

// Scan implements queue.RecordStore. Each state index is walked in creation
// order, records are filtered in memory and the per-state results are merged.
func (s *Store) Scan(ctx context.Context, q queue.ScanQuery) ([]*queue.Record, error) {
	var states []queue.State
	switch q.Filter {
	case queue.ScanClaimable:
		states = []queue.State{queue.StatePending, queue.StateLeased}
	case queue.ScanExpired:
		states = []queue.State{queue.StateLeased}
	case queue.ScanStates:
		if len(q.States) == 0 {
			return nil, fmt.Errorf("%w: scan by state requires at least one state", queue.ErrValidation)
		}
		states = q.States
	default:
		return nil, fmt.Errorf("%w: unknown scan filter %d", queue.ErrValidation, q.Filter)
	}

	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, q.Kind)
	defer span.End()

	out := []*queue.Record{}
	for _, state := range states {
		found, err := s.scanState(ctx, q, state)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, queue.StoreUnavailable("redis scan", err)
		}
		out = append(out, found...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RecordID < out[j].RecordID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	tracing.RecordSuccess(span)
	return out, nil
}

func (s *Store) scanState(ctx context.Context, q queue.ScanQuery, state queue.State) ([]*queue.Record, error) {
	k := s.keys(q.TenantID, q.Kind)
	out := []*queue.Record{}
	for offset := int64(0); ; offset += scanPageSize {
		ids, err := s.client.ZRange(ctx, k.state(state), offset, offset+scanPageSize-1).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return out, nil
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for idx, id := range ids {
			cmds[idx] = pipe.HGetAll(ctx, k.record(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		for idx, cmd := range cmds {
			fields, err := cmd.Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			rec, err := decodeRecord(queue.Key{TenantID: q.TenantID, Kind: q.Kind, RecordID: ids[idx]}, fields)
			if err != nil {
				s.log.Warn("skipping undecodable record", "tenant_id", q.TenantID, "kind", q.Kind, "record_id", ids[idx], "error", err)
				continue
			}
			if q.Matches(rec) {
				out = append(out, rec)
				if q.Limit > 0 && len(out) >= q.Limit {
					return out, nil
				}
			}
		}
		if len(ids) < scanPageSize {
			return out, nil
		}
	}
}

// HealthCheck pings the server.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Error("Redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	s.log.Info("closing Redis connection")
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, op tracing.SpanOperation, kind queue.Kind) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(ctx, op,
		tracing.WithDBSystem("redis"),
		tracing.WithDBTable(kind.Table()),
	)
}

// keySpace renders keys sharing one hash tag per (tenant, kind) so scripts
// stay within a single cluster slot.
type keySpace struct {
	base string
}

func (s *Store) keys(tenantID string, kind queue.Kind) keySpace {
	return keySpace{base: s.config.KeyPrefix + ":{" + tenantID + ":" + string(kind) + "}"}
}

func (k keySpace) record(id string) string { return k.base + ":rec:" + id }

func (k keySpace) state(state queue.State) string { return k.base + ":state:" + string(state) }
