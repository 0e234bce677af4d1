package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

// RunOnDB migrates the record tables reachable through db.
func RunOnDB(ctx context.Context, db *sql.DB, dialect Dialect, tablePrefix, subcommand string, steps int, timeout time.Duration, log logger.Logger) error {
	manager, err := NewSchemaManager(db, dialect, tablePrefix)
	if err != nil {
		return err
	}
	return RunParsed(ctx, subcommand, steps, Options{
		Target:  dialect.Name,
		Timeout: timeout,
		Logger:  log,
	}, manager.Operations())
}

// RunWithSQLDriver opens dsn with the dialect's driver and migrates it.
// The driver package must be linked in by the caller.
func RunWithSQLDriver(ctx context.Context, dialect Dialect, dsn, tablePrefix, subcommand string, steps int, timeout time.Duration, log logger.Logger) error {
	if dialect.Driver == "" {
		return fmt.Errorf("driver name is required")
	}
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("database URL is required")
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return fmt.Errorf("open database connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return RunOnDB(ctx, db, dialect, tablePrefix, subcommand, steps, timeout, log)
}
