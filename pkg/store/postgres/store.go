// Package postgres provides the PostgreSQL record store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/store/sqlstore"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	TablePrefix     string
}

// New opens a pooled connection, pings it and returns a record store on top.
func New(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("PostgreSQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return newStoreWithDB(db, cfg, log)
}

func newStoreWithDB(db *sql.DB, cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect{}, sqlstore.Config{
		TablePrefix:  cfg.TablePrefix,
		QueryTimeout: cfg.QueryTimeout,
	}, log)
}

// Dialect is the PostgreSQL flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "postgresql" }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// InsertIfAbsent relies on ON CONFLICT so a duplicate is a zero-row insert
// rather than an error that would abort an enclosing transaction.
func (Dialect) InsertIfAbsent(table, columns string, placeholders []string) string {
	return "INSERT INTO " + table + " (" + columns + ") VALUES (" + strings.Join(placeholders, ", ") +
		") ON CONFLICT (tenant_id, record_id) DO NOTHING"
}

func (Dialect) IsDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (Dialect) NullSafeEqual(column, placeholder string) string {
	return column + " IS NOT DISTINCT FROM " + placeholder + "::timestamptz"
}

func (Dialect) StateIn(column string, states []string, args *sqlstore.Args) string {
	return column + " = ANY(" + args.Add(pq.Array(states)) + "::text[])"
}
