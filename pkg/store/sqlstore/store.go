// Package sqlstore implements queue.RecordStore on database/sql. Dialects
// (postgres, mysql) provide placeholders, duplicate handling and null-safe
// comparison; the queries are otherwise shared.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/observability/tracing"
	"github.com/nimburion/leasequeue/pkg/queue"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultQueryTimeout = 5 * time.Second

	recordColumns = "tenant_id, record_id, payload, state, lease_owner, lease_expires_at, attempts, last_error, not_before, created_at, updated_at, processed_at, result"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Dialect captures the SQL differences between engines.
type Dialect interface {
	// Name is used as db.system on spans.
	Name() string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// InsertIfAbsent returns an insert statement for table that either ignores
	// conflicts (reporting zero rows affected) or fails with a duplicate error.
	InsertIfAbsent(table, columns string, placeholders []string) string
	// IsDuplicate reports whether err is a primary key violation.
	IsDuplicate(err error) bool
	// NullSafeEqual compares column with a possibly-NULL parameter.
	NullSafeEqual(column, placeholder string) string
	// StateIn renders a predicate for column being one of states.
	StateIn(column string, states []string, args *Args) string
}

// Args accumulates bind parameters and renders their placeholders.
type Args struct {
	dialect Dialect
	values  []any
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return a.dialect.Placeholder(len(a.values))
}

// Values returns the bound parameters.
func (a *Args) Values() []any { return a.values }

// Config holds table naming and timeouts.
type Config struct {
	TablePrefix  string
	QueryTimeout time.Duration
}

func (c *Config) normalize() {
	c.TablePrefix = strings.TrimSpace(c.TablePrefix)
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
}

// Store is a queue.RecordStore over one *sql.DB, one table per kind.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     logger.Logger
	config  Config
	tables  map[queue.Kind]string
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect, cfg Config, log logger.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if dialect == nil {
		return nil, errors.New("dialect is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	tables := make(map[queue.Kind]string, len(queue.Kinds()))
	for _, kind := range queue.Kinds() {
		table := cfg.TablePrefix + kind.Table()
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		tables[kind] = table
	}
	return &Store{db: db, dialect: dialect, log: log, config: cfg, tables: tables}, nil
}

// DB returns the underlying handle, used by migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Table returns the table holding kind.
func (s *Store) Table(kind queue.Kind) (string, error) {
	table, ok := s.tables[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", queue.ErrValidation, kind)
	}
	return table, nil
}

// InsertIfAbsent implements queue.RecordStore.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *queue.Record) (bool, error) {
	if rec == nil {
		return false, errors.New("record is required")
	}
	table, err := s.Table(rec.Kind)
	if err != nil {
		return false, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBInsert, table)
	defer span.End()
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	args := &Args{dialect: s.dialect}
	placeholders := []string{
		args.Add(rec.TenantID),
		args.Add(rec.RecordID),
		args.Add(payloadValue(rec.Payload)),
		args.Add(string(rec.State)),
		args.Add(rec.LeaseOwner),
		args.Add(nullTime(rec.LeaseExpiresAt)),
		args.Add(rec.Attempts),
		args.Add(rec.LastError),
		args.Add(nullTime(rec.NotBefore)),
		args.Add(queue.NormalizeTime(rec.CreatedAt)),
		args.Add(queue.NormalizeTime(rec.UpdatedAt)),
		args.Add(nullTime(rec.ProcessedAt)),
		args.Add(resultValue(rec.Result)),
	}
	query := s.dialect.InsertIfAbsent(table, recordColumns, placeholders)

	result, err := s.db.ExecContext(ctx, query, args.Values()...)
	if err != nil {
		if s.dialect.IsDuplicate(err) {
			return false, nil
		}
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("insert "+table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("insert "+table, err)
	}
	tracing.RecordSuccess(span)
	return affected > 0, nil
}

// ConditionalUpdate implements queue.RecordStore. The WHERE clause carries the
// whole expectation so the engine applies the compare-and-set atomically.
func (s *Store) ConditionalUpdate(ctx context.Context, key queue.Key, expected queue.Expectation, next *queue.Record) (bool, error) {
	if next == nil {
		return false, errors.New("next record is required")
	}
	table, err := s.Table(key.Kind)
	if err != nil {
		return false, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBUpdate, table)
	defer span.End()
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	args := &Args{dialect: s.dialect}
	var b strings.Builder
	b.WriteString("UPDATE " + table + " SET ")
	b.WriteString("state=" + args.Add(string(next.State)))
	b.WriteString(", lease_owner=" + args.Add(next.LeaseOwner))
	b.WriteString(", lease_expires_at=" + args.Add(nullTime(next.LeaseExpiresAt)))
	b.WriteString(", attempts=" + args.Add(next.Attempts))
	b.WriteString(", last_error=" + args.Add(next.LastError))
	b.WriteString(", not_before=" + args.Add(nullTime(next.NotBefore)))
	b.WriteString(", updated_at=" + args.Add(queue.NormalizeTime(next.UpdatedAt)))
	b.WriteString(", processed_at=" + args.Add(nullTime(next.ProcessedAt)))
	b.WriteString(", result=" + args.Add(resultValue(next.Result)))
	b.WriteString(" WHERE tenant_id=" + args.Add(key.TenantID))
	b.WriteString(" AND record_id=" + args.Add(key.RecordID))
	b.WriteString(" AND state=" + args.Add(string(expected.State)))
	b.WriteString(" AND lease_owner=" + args.Add(expected.LeaseOwner))
	b.WriteString(" AND attempts=" + args.Add(expected.Attempts))
	b.WriteString(" AND " + s.dialect.NullSafeEqual("lease_expires_at", args.Add(nullTime(expected.LeaseExpiresAt))))

	result, err := s.db.ExecContext(ctx, b.String(), args.Values()...)
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("update "+table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("update "+table, err)
	}
	tracing.RecordSuccess(span)
	return affected == 1, nil
}

// Read implements queue.RecordStore.
func (s *Store) Read(ctx context.Context, key queue.Key) (*queue.Record, error) {
	table, err := s.Table(key.Kind)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, table)
	defer span.End()
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	args := &Args{dialect: s.dialect}
	query := "SELECT " + recordColumns + " FROM " + table +
		" WHERE tenant_id=" + args.Add(key.TenantID) + " AND record_id=" + args.Add(key.RecordID)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args.Values()...), key.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		tracing.RecordSuccess(span)
		return nil, queue.NotFound(key)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("read "+table, err)
	}
	tracing.RecordSuccess(span)
	return rec, nil
}

// Scan implements queue.RecordStore.
func (s *Store) Scan(ctx context.Context, q queue.ScanQuery) ([]*queue.Record, error) {
	table, err := s.Table(q.Kind)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, table)
	defer span.End()
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	query, args, err := s.scanQuery(table, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("scan "+table, err)
	}
	defer rows.Close()

	out := []*queue.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows, q.Kind)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, queue.StoreUnavailable("scan "+table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("scan "+table, err)
	}
	tracing.RecordSuccess(span)
	return out, nil
}

func (s *Store) scanQuery(table string, q queue.ScanQuery) (string, []any, error) {
	args := &Args{dialect: s.dialect}
	var b strings.Builder
	b.WriteString("SELECT " + recordColumns + " FROM " + table)
	b.WriteString(" WHERE tenant_id=" + args.Add(q.TenantID))

	switch q.Filter {
	case queue.ScanClaimable:
		at := queue.NormalizeTime(q.At)
		b.WriteString(" AND ((state=" + args.Add(string(queue.StatePending)))
		b.WriteString(" AND (not_before IS NULL OR not_before <= " + args.Add(at) + "))")
		b.WriteString(" OR (state=" + args.Add(string(queue.StateLeased)))
		b.WriteString(" AND (lease_expires_at IS NULL OR lease_expires_at <= " + args.Add(at) + ")))")
	case queue.ScanExpired:
		b.WriteString(" AND state=" + args.Add(string(queue.StateLeased)))
		b.WriteString(" AND (lease_expires_at IS NULL OR lease_expires_at <= " + args.Add(queue.NormalizeTime(q.At)) + ")")
	case queue.ScanStates:
		if len(q.States) == 0 {
			return "", nil, fmt.Errorf("%w: scan by state requires at least one state", queue.ErrValidation)
		}
		states := make([]string, 0, len(q.States))
		for _, state := range q.States {
			states = append(states, string(state))
		}
		b.WriteString(" AND " + s.dialect.StateIn("state", states, args))
	default:
		return "", nil, fmt.Errorf("%w: unknown scan filter %d", queue.ErrValidation, q.Filter)
	}

	b.WriteString(" ORDER BY created_at ASC, record_id ASC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return b.String(), args.Values(), nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.log.Error("record store health check failed", "system", s.dialect.Name(), "error", err)
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	s.log.Info("closing record store connection", "system", s.dialect.Name())
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

func (s *Store) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

func (s *Store) startSpan(ctx context.Context, op tracing.SpanOperation, table string) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(ctx, op,
		tracing.WithDBSystem(s.dialect.Name()),
		tracing.WithDBTable(table),
	)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, kind queue.Kind) (*queue.Record, error) {
	var (
		rec            queue.Record
		state          string
		payload        []byte
		leaseExpiresAt sql.NullTime
		notBefore      sql.NullTime
		processedAt    sql.NullTime
		result         []byte
	)
	if err := row.Scan(
		&rec.TenantID,
		&rec.RecordID,
		&payload,
		&state,
		&rec.LeaseOwner,
		&leaseExpiresAt,
		&rec.Attempts,
		&rec.LastError,
		&notBefore,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&processedAt,
		&result,
	); err != nil {
		return nil, err
	}
	rec.Kind = kind
	rec.State = queue.State(state)
	if len(payload) > 0 {
		rec.Payload = payload
	}
	if result != nil {
		rec.Result = result
	}
	rec.LeaseExpiresAt = fromNullTime(leaseExpiresAt)
	rec.NotBefore = fromNullTime(notBefore)
	rec.ProcessedAt = fromNullTime(processedAt)
	rec.CreatedAt = queue.NormalizeTime(rec.CreatedAt)
	rec.UpdatedAt = queue.NormalizeTime(rec.UpdatedAt)
	return &rec, nil
}

func payloadValue(payload []byte) []byte {
	if payload == nil {
		return []byte{}
	}
	return payload
}

// resultValue stores a missing result as NULL.
func resultValue(result []byte) any {
	if result == nil {
		return nil
	}
	return result
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: queue.NormalizeTime(*t), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return queue.TimePtr(t.Time)
}
