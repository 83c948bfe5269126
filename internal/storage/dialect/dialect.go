// Package dialect abstracts the SQL differences between the databases
// the artifact store can run on.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect captures what the store needs to know about a SQL backend.
type Dialect interface {
	// Name returns the dialect name ("sqlite", "postgres").
	Name() string

	// DriverName returns the database/sql driver name to use.
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format
	// (PostgreSQL uses $1, $2, ...).
	Rebind(query string) string

	// AutoIncrementClause returns the auto-increment primary key clause,
	// used for the run event sequence column.
	AutoIncrementClause() string

	// BooleanType returns the SQL type for boolean values.
	BooleanType() string

	// TimestampType returns the SQL type for timestamps.
	TimestampType() string

	// TextType returns the SQL type for large text fields; run results
	// and parked artifacts are stored as JSON text.
	TextType() string

	// InitStatements returns dialect-specific connection setup
	// statements (PRAGMA for SQLite, empty elsewhere).
	InitStatements() []string
}

// Type identifies a supported database backend.
type Type string

const (
	SQLite   Type = "sqlite"
	Postgres Type = "postgres"
)

// New returns the dialect for a backend type.
func New(t Type) (Dialect, error) {
	switch t {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", t)
	}
}

// FromDriverName returns the dialect for a given driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "pgx":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (d *sqliteDialect) Name() string       { return "sqlite" }
func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) AutoIncrementClause() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *sqliteDialect) BooleanType() string   { return "INTEGER" }
func (d *sqliteDialect) TimestampType() string { return "TIMESTAMP" }
func (d *sqliteDialect) TextType() string      { return "TEXT" }

func (d *sqliteDialect) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
}

type postgresDialect struct{}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) DriverName() string { return "pgx" }

func (d *postgresDialect) Rebind(query string) string {
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&result, "$%d", idx)
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) AutoIncrementClause() string {
	return "BIGSERIAL PRIMARY KEY"
}

func (d *postgresDialect) BooleanType() string   { return "BOOLEAN" }
func (d *postgresDialect) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }
func (d *postgresDialect) TextType() string      { return "TEXT" }

func (d *postgresDialect) InitStatements() []string {
	return nil
}

