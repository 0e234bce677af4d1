package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/migrate"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/store/dynamodb"
	"github.com/nimburion/leasequeue/pkg/store/memory"
	"github.com/nimburion/leasequeue/pkg/store/mongodb"
	"github.com/nimburion/leasequeue/pkg/store/mysql"
	"github.com/nimburion/leasequeue/pkg/store/postgres"
	"github.com/nimburion/leasequeue/pkg/store/redis"
	"github.com/nimburion/leasequeue/pkg/store/sqlstore"
	"github.com/nimburion/leasequeue/pkg/tenant"
)

// DefaultPartition names the store used by tenants without a dedicated partition.
const DefaultPartition = config.DefaultPartition

const migrateTimeout = 2 * time.Minute

// NewRecordStore selects and initializes the record store described by cfg.
// With AutoMigrate set it also creates the kind tables, collections or indexes.
func NewRecordStore(ctx context.Context, cfg config.StoreConfig, log logger.Logger) (queue.RecordStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.StoreTypeMemory:
		return memory.New(), nil
	case config.StoreTypePostgres:
		s, err := postgres.New(postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			QueryTimeout:    cfg.QueryTimeout,
			TablePrefix:     cfg.TablePrefix,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, autoMigrateSQL(ctx, cfg, s, migrate.Postgres, log)
	case config.StoreTypeMySQL:
		s, err := mysql.New(mysql.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			QueryTimeout:    cfg.QueryTimeout,
			TablePrefix:     cfg.TablePrefix,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, autoMigrateSQL(ctx, cfg, s, migrate.MySQL, log)
	case config.StoreTypeRedis:
		return redis.New(redis.Config{
			URL:              cfg.URL,
			MaxConns:         cfg.MaxConns,
			OperationTimeout: cfg.QueryTimeout,
			KeyPrefix:        strings.TrimSuffix(cfg.TablePrefix, "_"),
		}, log)
	case config.StoreTypeMongoDB:
		s, err := mongodb.New(mongodb.Config{
			URL:              cfg.URL,
			Database:         cfg.DatabaseName,
			CollectionPrefix: cfg.TablePrefix,
			ConnectTimeout:   cfg.ConnectTimeout,
			OperationTimeout: cfg.QueryTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := s.EnsureIndexes(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("ensure mongodb indexes: %w", err)
			}
		}
		return s, nil
	case config.StoreTypeDynamoDB:
		s, err := dynamodb.New(dynamodb.Config{
			Region:           cfg.Region,
			Endpoint:         cfg.Endpoint,
			AccessKeyID:      cfg.AccessKeyID,
			SecretAccessKey:  cfg.SecretAccessKey,
			SessionToken:     cfg.SessionToken,
			TablePrefix:      cfg.TablePrefix,
			OperationTimeout: cfg.QueryTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			created, err := s.EnsureTables(ctx)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("ensure dynamodb tables: %w", err)
			}
			log.Info("dynamodb tables ensured", "created", created)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store.type %q (supported: memory, postgres, mysql, redis, mongodb, dynamodb)", cfg.Type)
	}
}

func autoMigrateSQL(ctx context.Context, cfg config.StoreConfig, s *sqlstore.Store, dialect migrate.Dialect, log logger.Logger) error {
	if !cfg.AutoMigrate {
		return nil
	}
	if err := migrate.RunOnDB(ctx, s.DB(), dialect, cfg.TablePrefix, "up", 0, migrateTimeout, log); err != nil {
		_ = s.Close()
		return fmt.Errorf("auto-migrate %s: %w", dialect.Name, err)
	}
	return nil
}

// NewRouter opens the default store plus one store per dedicated partition
// and registers them with a tenant router. Stores opened before a failure
// are closed.
func NewRouter(ctx context.Context, cfg *config.Config, log logger.Logger) (*tenant.Router, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	router, err := tenant.NewRouter(log)
	if err != nil {
		return nil, err
	}

	fallback, err := NewRecordStore(ctx, cfg.Store, log.With("partition", DefaultPartition))
	if err != nil {
		return nil, fmt.Errorf("open default store: %w", err)
	}
	if err := router.SetDefault(DefaultPartition, fallback); err != nil {
		_ = fallback.Close()
		return nil, err
	}

	for _, partition := range cfg.Tenants {
		s, err := NewRecordStore(ctx, partition.Store, log.With("partition", partition.Name))
		if err != nil {
			_ = router.Close()
			return nil, fmt.Errorf("open partition %s: %w", partition.Name, err)
		}
		if err := router.Assign(partition.Name, s, partition.Tenants...); err != nil {
			_ = s.Close()
			_ = router.Close()
			return nil, err
		}
		log.Info("tenant partition registered",
			"partition", partition.Name,
			"store_type", partition.Store.Type,
			"tenants", len(partition.Tenants),
		)
	}
	return router, nil
}
