// Package dynamodb stores queue records in DynamoDB, one table per kind keyed
// by (tenant_id, record_id). A local secondary index on created_at gives the
// oldest-first claim order; conditional writes provide the compare-and-set.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/observability/tracing"
	"github.com/nimburion/leasequeue/pkg/queue"
)

const (
	// CreatedIndex is the local secondary index ordering a tenant's records.
	CreatedIndex = "created_at-index"

	queryPageSize = 100
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, opts ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds DynamoDB store configuration.
type Config struct {
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	TablePrefix      string
	OperationTimeout time.Duration
}

// Store implements queue.RecordStore on DynamoDB.
type Store struct {
	client  API
	log     logger.Logger
	timeout time.Duration
	prefix  string

	mu     sync.RWMutex
	closed bool
}

// New builds an AWS SDK v2 client, honouring a custom endpoint for local
// DynamoDB, and verifies connectivity.
func New(cfg Config, log logger.Logger) (*Store, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	store := NewWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), store.timeout)
	defer cancel()
	if err := store.ping(ctx); err != nil {
		return nil, err
	}
	log.Info("DynamoDB record store initialized", "region", cfg.Region, "endpoint", cfg.Endpoint)
	return store, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config, log logger.Logger) *Store {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	return &Store{client: client, log: log, timeout: cfg.OperationTimeout, prefix: strings.TrimSpace(cfg.TablePrefix)}
}

// Table returns the table holding kind.
func (s *Store) Table(kind queue.Kind) string {
	return s.prefix + kind.Table()
}

// EnsureTables creates any missing per-kind table with its created_at index.
func (s *Store) EnsureTables(ctx context.Context) (int, error) {
	created := 0
	for _, kind := range queue.Kinds() {
		opCtx, cancel := s.withOperationTimeout(ctx)
		_, err := s.client.CreateTable(opCtx, tableDefinition(s.Table(kind)))
		cancel()
		var inUse *types.ResourceInUseException
		switch {
		case errors.As(err, &inUse):
			continue
		case err != nil:
			return created, fmt.Errorf("create table %s: %w", s.Table(kind), err)
		}
		s.log.Info("DynamoDB table created", "table", s.Table(kind))
		created++
	}
	return created, nil
}

// InsertIfAbsent implements queue.RecordStore.
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

	_, err := s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.Table(rec.Kind)),
		Item:                encodeItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(record_id)"),
	})
	if isConditionFailed(err) {
		tracing.RecordSuccess(span)
		return false, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("dynamodb put", err)
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

	input := buildUpdate(s.Table(key.Kind), key, expected, next)
	_, err := s.client.UpdateItem(opCtx, input)
	if isConditionFailed(err) {
		tracing.RecordSuccess(span)
		return false, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return false, queue.StoreUnavailable("dynamodb update", err)
	}
	tracing.RecordSuccess(span)
	return true, nil
}

// Read implements queue.RecordStore with a strongly consistent read.
func (s *Store) Read(ctx context.Context, key queue.Key) (*queue.Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, key.Kind)
	defer span.End()
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	out, err := s.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.Table(key.Kind)),
		Key:            primaryKey(key.TenantID, key.RecordID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, queue.StoreUnavailable("dynamodb get", err)
	}
	tracing.RecordSuccess(span)
	if len(out.Item) == 0 {
		return nil, queue.NotFound(key)
	}
	return decodeItem(key.Kind, out.Item)
}

// Scan implements queue.RecordStore by querying the created_at index of the
// tenant's partition with a filter, paging until Limit matches are found.
func (s *Store) Scan(ctx context.Context, q queue.ScanQuery) ([]*queue.Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	input, err := buildQuery(s.Table(q.Kind), q)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, tracing.SpanOperationDBQuery, q.Kind)
	defer span.End()

	out := []*queue.Record{}
	for {
		opCtx, cancel := s.withOperationTimeout(ctx)
		page, err := s.client.Query(opCtx, input)
		cancel()
		if err != nil {
			tracing.RecordError(span, err)
			return nil, queue.StoreUnavailable("dynamodb query", err)
		}
		for _, item := range page.Items {
			rec, err := decodeItem(q.Kind, item)
			if err != nil {
				s.log.Warn("skipping undecodable item", "table", s.Table(q.Kind), "error", err)
				continue
			}
			out = append(out, rec)
		}
		if len(page.LastEvaluatedKey) == 0 || (q.Limit > 0 && len(out) >= q.Limit) {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
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

// HealthCheck lists one table to prove the endpoint answers.
func (s *Store) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.ping(hcCtx); err != nil {
		s.log.Error("DynamoDB health check failed", "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close marks the store closed; the SDK client holds no connections to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) ping(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()
	if _, err := s.client.ListTables(opCtx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}); err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", err)
	}
	return nil
}

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return queue.StoreUnavailable("dynamodb", errors.New("dynamodb store is closed"))
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
		tracing.WithDBSystem("dynamodb"),
		tracing.WithDBTable(s.Table(kind)),
	)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// IsThrottlingError reports whether err is a provisioned throughput rejection.
func IsThrottlingError(err error) bool {
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}
