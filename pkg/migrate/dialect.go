package migrate

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences the migration runner cares about.
type Dialect struct {
	// Name matches the directory under schema/ holding the dialect's scripts.
	Name string
	// Driver is the database/sql driver name.
	Driver string

	numbered bool
	// splitStatements executes scripts one statement at a time; the MySQL
	// driver rejects multi-statement Exec unless multiStatements is set.
	splitStatements bool
	metadataDDL     string
}

var (
	// Postgres targets lib/pq.
	Postgres = Dialect{
		Name:     "postgres",
		Driver:   "postgres",
		numbered: true,
		metadataDDL: `CREATE TABLE IF NOT EXISTS %s (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	}
	// MySQL targets go-sql-driver/mysql.
	MySQL = Dialect{
		Name:            "mysql",
		Driver:          "mysql",
		splitStatements: true,
		metadataDDL: `CREATE TABLE IF NOT EXISTS %s (
	version BIGINT PRIMARY KEY,
	applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
)`,
	}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported migration dialect %q", name)
	}
}

func (d Dialect) placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) statements(script string) []string {
	if !d.splitStatements {
		return []string{script}
	}
	out := []string{}
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
