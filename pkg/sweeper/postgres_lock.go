package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

const (
	defaultPostgresLockTable     = "leasequeue_sweeper_locks"
	defaultPostgresLockOperation = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresLockProviderConfig configures the Postgres lock provider.
type PostgresLockProviderConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
}

func (c *PostgresLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresLockOperation
	}
}

// PostgresLockProvider stores lock rows in a Postgres table.
type PostgresLockProvider struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresLockProviderConfig
	ownsDB bool
}

// NewPostgresLockProvider opens url and creates the lock table if missing.
func NewPostgresLockProvider(cfg PostgresLockProviderConfig, log logger.Logger) (*PostgresLockProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, sweeperError(ErrValidation, "postgres url is required")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	provider, err := NewPostgresLockProviderWithDB(db, cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	provider.ownsDB = true

	ctx, cancel := context.WithTimeout(context.Background(), provider.config.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(sweeperError(ErrRetryable, "ping postgres failed"), err)
	}
	if err := provider.EnsureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return provider, nil
}

// NewPostgresLockProviderWithDB reuses db; Close leaves it open.
func NewPostgresLockProviderWithDB(db *sql.DB, cfg PostgresLockProviderConfig, log logger.Logger) (*PostgresLockProvider, error) {
	if db == nil {
		return nil, sweeperError(ErrValidation, "db is required")
	}
	if log == nil {
		return nil, sweeperError(ErrValidation, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, sweeperError(ErrValidation, fmt.Sprintf("invalid sweeper lock table name %q", cfg.Table))
	}
	return &PostgresLockProvider{db: db, log: log, config: cfg}, nil
}

// Acquire takes the lock row if it is missing or expired.
func (p *PostgresLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	if p == nil || p.db == nil {
		return nil, false, sweeperError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, sweeperError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, sweeperError(ErrValidation, "ttl must be > 0")
	}

	token := uuid.NewString()
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	expiresAt := time.Now().UTC().Add(ttl)

	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %s(lock_key, token, expires_at, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT(lock_key) DO UPDATE
	SET token = EXCLUDED.token,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, p.config.Table, p.config.Table)

	var acquired bool
	if err := p.db.QueryRowContext(opCtx, query, key, token, expiresAt).Scan(&acquired); err != nil {
		return nil, false, errors.Join(sweeperError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &LockLease{Key: key, Token: token, ExpireAt: expiresAt}, true, nil
}

// Renew extends lock expiry when the token matches.
func (p *PostgresLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if p == nil || p.db == nil {
		return sweeperError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	if err := checkLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return sweeperError(ErrValidation, "ttl must be > 0")
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`UPDATE %s SET expires_at=$3, updated_at=NOW() WHERE lock_key=$1 AND token=$2 AND expires_at > NOW()`, p.config.Table)
	result, err := p.db.ExecContext(opCtx, query, lease.Key, lease.Token, expiresAt)
	if err != nil {
		return errors.Join(sweeperError(ErrRetryable, "renew lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(sweeperError(ErrRetryable, "renew lock failed"), err)
	}
	if affected == 0 {
		return sweeperError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = expiresAt
	return nil
}

// Release deletes the lock row when the token matches.
func (p *PostgresLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if p == nil || p.db == nil {
		return sweeperError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	if err := checkLease(lease); err != nil {
		return err
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key=$1 AND token=$2`, p.config.Table)
	result, err := p.db.ExecContext(opCtx, query, lease.Key, lease.Token)
	if err != nil {
		return errors.Join(sweeperError(ErrRetryable, "release lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Join(sweeperError(ErrRetryable, "release lock failed"), err)
	}
	if affected == 0 {
		return sweeperError(ErrConflict, "lock release rejected")
	}
	return nil
}

// HealthCheck pings the database.
func (p *PostgresLockProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.db == nil {
		return sweeperError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	if err := p.db.PingContext(opCtx); err != nil {
		return errors.Join(sweeperError(ErrRetryable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes the database when the provider opened it.
func (p *PostgresLockProvider) Close() error {
	if p == nil || p.db == nil || !p.ownsDB {
		return nil
	}
	return p.db.Close()
}

// EnsureTable creates the lock table if missing.
func (p *PostgresLockProvider) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, p.config.Table)
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create sweeper lock table: %w", err)
	}
	return nil
}

func (p *PostgresLockProvider) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}
