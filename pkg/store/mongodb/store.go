// Package mongodb stores queue records in MongoDB, one collection per kind.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/observability/tracing"
	"github.com/nimburion/leasequeue/pkg/queue"
)

// Config holds MongoDB store configuration.
type Config struct {
	URL              string
	Database         string
	CollectionPrefix string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Store implements queue.RecordStore on MongoDB.
type Store struct {
	db      *mongo.Database
	prefix  string
	log     logger.Logger
	timeout time.Duration
	// disconnect is set when the store owns the client.
	disconnect func(context.Context) error

	mu     sync.RWMutex
	closed bool
}

// New connects, pings the primary and returns a store.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("MongoDB connection established", "database", cfg.Database)
	store := NewWithDatabase(client.Database(cfg.Database), cfg, log)
	store.disconnect = client.Disconnect
	return store, nil
}

// NewWithDatabase wraps a database handle owned by the caller.
func NewWithDatabase(db *mongo.Database, cfg Config, log logger.Logger) *Store {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	return &Store{db: db, prefix: cfg.CollectionPrefix, log: log, timeout: cfg.OperationTimeout}
}

// Collection returns the collection holding kind.
func (s *Store) Collection(kind queue.Kind) *mongo.Collection {
	return s.db.Collection(s.prefix + kind.Table())
}

// EnsureIndexes creates the claim index on every kind collection.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, kind := range queue.Kinds() {
		opCtx, cancel := s.withOperationTimeout(ctx)
		_, err := s.Collection(kind).Indexes().CreateMany(opCtx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "state", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "record_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		})
		cancel()
		if err != nil {
			return fmt.Errorf("create indexes on %s: %w", s.prefix+kind.Table(), err)
		}
	}
	return nil
}

// InsertIfAbsent implements queue.RecordStore; the compound _id makes a
// second insert of the same key a duplicate-key error.
func (s *Store) InsertIfAbsent(ctx context.Context, rec *queue.Record) (bool, error) {
	if rec == nil {
		return false, errors.New("record is required")
	}
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBInsert, rec.Kind)
	defer span.End()
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	_, err := s.Collection(rec.Kind).InsertOne(opCtx, toDocument(rec))
	if mongo.IsDuplicateKeyError(err) {
		tracing.RecordSuccess(span)
		return false, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("mongodb insert", err)
	}
	tracing.RecordSuccess(span)
	return true, nil
}

// ConditionalUpdate implements queue.RecordStore.
func (s *Store) ConditionalUpdate(ctx context.Context, key queue.Key, expected queue.Expectation, next *queue.Record) (bool, error) {
	if next == nil {
		return false, errors.New("next record is required")
	}
	if err := s.ensureOpen(); err != nil {
		return false, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBUpdate, key.Kind)
	defer span.End()
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	res, err := s.Collection(key.Kind).UpdateOne(opCtx, casFilter(key, expected), casUpdate(next))
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("mongodb update", err)
	}
	tracing.RecordSuccess(span)
	return res.MatchedCount == 1, nil
}

// Read implements queue.RecordStore.
func (s *Store) Read(ctx context.Context, key queue.Key) (*queue.Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, key.Kind)
	defer span.End()
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	var doc document
	err := s.Collection(key.Kind).FindOne(opCtx, bson.D{{Key: "_id", Value: idOf(key.TenantID, key.RecordID)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		tracing.RecordSuccess(span)
		return nil, queue.NotFound(key)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("mongodb find", err)
	}
	tracing.RecordSuccess(span)
	return doc.record(key.Kind), nil
}

// Scan implements queue.RecordStore.
func (s *Store) Scan(ctx context.Context, q queue.ScanQuery) ([]*queue.Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	filter, err := scanFilter(q)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, q.Kind)
	defer span.End()
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "record_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := s.Collection(q.Kind).Find(opCtx, filter, opts)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("mongodb find", err)
	}
	var docs []document
	if err := cursor.All(opCtx, &docs); err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("mongodb find", err)
	}
	out := make([]*queue.Record, 0, len(docs))
	for idx := range docs {
		out = append(out, docs[idx].record(q.Kind))
	}
	tracing.RecordSuccess(span)
	return out, nil
}

// HealthCheck pings the primary.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.Client().Ping(hcCtx, readpref.Primary()); err != nil {
		s.log.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects the client when the store owns it.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.disconnect == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect mongodb: %w", err)
	}
	return nil
}

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return queue.StoreUnavailable("mongodb", errors.New("mongodb store is closed"))
	}
	return nil
}

func (s *Store) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) startSpan(ctx context.Context, op tracing.SpanOperation, kind queue.Kind) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(ctx, op,
		tracing.WithDBSystem("mongodb"),
		tracing.WithDBName(s.db.Name()),
		tracing.WithDBTable(s.prefix+kind.Table()),
	)
}
