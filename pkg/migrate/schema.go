package migrate

import (
	"database/sql"
	"embed"
	"path"
)

// Schema holds the record table migrations, one directory per dialect.
//
//go:embed schema
var Schema embed.FS

// NewSchemaManager returns a manager over the embedded record table scripts.
func NewSchemaManager(db *sql.DB, dialect Dialect, tablePrefix string) (*SQLManager, error) {
	return NewSQLManager(db, dialect, Schema, path.Join("schema", dialect.Name), WithTablePrefix(tablePrefix))
}
