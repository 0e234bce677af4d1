package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const prefixToken = "{{prefix}}"

var (
	migrationNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)
	tablePrefixPattern   = regexp.MustCompile(`^[A-Za-z0-9_]*$`)
)

// Migration is one versioned pair of scripts.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// ManagerOption customises an SQLManager.
type ManagerOption func(*SQLManager)

// WithTablePrefix substitutes prefix for {{prefix}} in every script and
// prefixes the schema_migrations bookkeeping table.
func WithTablePrefix(prefix string) ManagerOption {
	return func(m *SQLManager) { m.prefix = prefix }
}

// SQLManager applies and reverts migrations, tracking them in a metadata table.
type SQLManager struct {
	db         *sql.DB
	dialect    Dialect
	prefix     string
	migrations []Migration
}

// NewSQLManager loads the scripts under dir in files.
func NewSQLManager(db *sql.DB, dialect Dialect, files fs.FS, dir string, opts ...ManagerOption) (*SQLManager, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if files == nil {
		return nil, fmt.Errorf("migration files filesystem is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("migration directory is required")
	}
	if dialect.Name == "" {
		return nil, fmt.Errorf("migration dialect is required")
	}

	m := &SQLManager{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(m)
	}
	if !tablePrefixPattern.MatchString(m.prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", m.prefix)
	}

	migrations, err := loadMigrations(files, dir)
	if err != nil {
		return nil, err
	}
	for idx := range migrations {
		migrations[idx].UpSQL = strings.ReplaceAll(migrations[idx].UpSQL, prefixToken, m.prefix)
		migrations[idx].DownSQL = strings.ReplaceAll(migrations[idx].DownSQL, prefixToken, m.prefix)
	}
	m.migrations = migrations
	return m, nil
}

// Migrations returns the loaded migrations in version order.
func (m *SQLManager) Migrations() []Migration {
	return append([]Migration(nil), m.migrations...)
}

func (m *SQLManager) metadataTable() string {
	return m.prefix + "schema_migrations"
}

// Up applies every pending migration in version order and reports how many ran.
func (m *SQLManager) Up(ctx context.Context) (int, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx, "ASC")
	if err != nil {
		return 0, err
	}
	done := make(map[int64]struct{}, len(applied))
	for _, version := range applied {
		done[version] = struct{}{}
	}

	record := fmt.Sprintf("INSERT INTO %s (version) VALUES (%s)", m.metadataTable(), m.dialect.placeholder(1))
	count := 0
	for _, migration := range m.migrations {
		if _, ok := done[migration.Version]; ok {
			continue
		}
		if err := m.execute(ctx, migration.UpSQL, record, migration.Version); err != nil {
			return count, fmt.Errorf("apply migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		count++
	}
	return count, nil
}

// Down reverts the newest steps migrations. steps <= 0 reverts one.
func (m *SQLManager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.ensureMetadataTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx, "DESC")
	if err != nil {
		return 0, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	forget := fmt.Sprintf("DELETE FROM %s WHERE version = %s", m.metadataTable(), m.dialect.placeholder(1))
	count := 0
	for _, version := range applied[:steps] {
		migration, ok := m.migrationByVersion(version)
		if !ok {
			return count, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(migration.DownSQL) == "" {
			return count, fmt.Errorf("down migration missing for version %d", version)
		}
		if err := m.execute(ctx, migration.DownSQL, forget, version); err != nil {
			return count, fmt.Errorf("rollback migration %d_%s: %w", migration.Version, migration.Name, err)
		}
		count++
	}
	return count, nil
}

// Status lists applied versions and pending migrations.
func (m *SQLManager) Status(ctx context.Context) (*Status, error) {
	if err := m.ensureMetadataTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx, "ASC")
	if err != nil {
		return nil, err
	}
	done := make(map[int64]struct{}, len(applied))
	for _, version := range applied {
		done[version] = struct{}{}
	}
	pending := []PendingMigration{}
	for _, migration := range m.migrations {
		if _, ok := done[migration.Version]; !ok {
			pending = append(pending, PendingMigration{Version: migration.Version, Name: migration.Name})
		}
	}
	return &Status{AppliedVersions: applied, Pending: pending}, nil
}

// Operations adapts the manager to the Run helpers.
func (m *SQLManager) Operations() Operations {
	return Operations{Up: m.Up, Down: m.Down, Status: m.Status}
}

// execute runs script and the bookkeeping statement in one transaction.
// MySQL commits DDL implicitly, so there a failed script can leave partial
// schema behind; the scripts are written to be re-runnable.
func (m *SQLManager) execute(ctx context.Context, script, bookkeeping string, version int64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, stmt := range m.dialect.statements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update %s: %w", m.metadataTable(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (m *SQLManager) ensureMetadataTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(m.dialect.metadataDDL, m.metadataTable())); err != nil {
		return fmt.Errorf("ensure %s table: %w", m.metadataTable(), err)
	}
	return nil
}

func (m *SQLManager) appliedVersions(ctx context.Context, order string) ([]int64, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version %s", m.metadataTable(), order))
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	versions := []int64{}
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

func (m *SQLManager) migrationByVersion(version int64) (Migration, bool) {
	for _, migration := range m.migrations {
		if migration.Version == version {
			return migration, true
		}
	}
	return Migration{}, false
}

func loadMigrations(files fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := map[int64]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := migrationNamePattern.FindStringSubmatch(entry.Name())
		if len(matches) != 4 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", matches[1], err)
		}
		payload, err := fs.ReadFile(files, dir+"/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", entry.Name(), err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = item
		}
		if matches[3] == "up" {
			item.UpSQL = string(payload)
		} else {
			item.DownSQL = string(payload)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", item.Version)
		}
		migrations = append(migrations, *item)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
