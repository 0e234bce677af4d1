// Package mysql provides the MySQL record store.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/store/sqlstore"
)

const duplicateEntry = 1062

// Config holds MySQL connection configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	TablePrefix     string
}

// New opens a pooled connection and returns a record store on top.
//
// The DSN is rewritten to parse DATETIME into UTC time.Time and to report
// matched rather than changed rows, which the compare-and-set relies on.
func New(cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	dsn, err := NormalizeDSN(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	log.Info("MySQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
	)
	return newStoreWithDB(db, cfg, log)
}

// NormalizeDSN forces the driver options the record store depends on.
func NormalizeDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	parsed.ClientFoundRows = true
	return parsed.FormatDSN(), nil
}

func newStoreWithDB(db *sql.DB, cfg Config, log logger.Logger) (*sqlstore.Store, error) {
	return sqlstore.New(db, Dialect{}, sqlstore.Config{
		TablePrefix:  cfg.TablePrefix,
		QueryTimeout: cfg.QueryTimeout,
	}, log)
}

// Dialect is the MySQL flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) Placeholder(int) string { return "?" }

// InsertIfAbsent is a plain insert; duplicates surface as error 1062.
func (Dialect) InsertIfAbsent(table, columns string, placeholders []string) string {
	return "INSERT INTO " + table + " (" + columns + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
}

func (Dialect) IsDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == duplicateEntry
}

func (Dialect) NullSafeEqual(column, placeholder string) string {
	return column + " <=> " + placeholder
}

func (Dialect) StateIn(column string, states []string, args *sqlstore.Args) string {
	placeholders := make([]string, 0, len(states))
	for _, state := range states {
		placeholders = append(placeholders, args.Add(state))
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")"
}
