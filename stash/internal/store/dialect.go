package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect isolates the SQL that differs between SQLite and PostgreSQL.
// Queries are written with ? placeholders and passed through Rebind.
type Dialect interface {
	Name() string
	Rebind(query string) string

	// Column types.
	IDColumn() string
	BigInt() string
	Bool() string
	Float() string

	// NowEpoch is an expression yielding the current unix time in seconds.
	NowEpoch() string

	// ListTablesQuery selects table names matching a LIKE pattern (one arg).
	ListTablesQuery() string
	// TableExistsQuery counts tables with the given name (one arg).
	TableExistsQuery() string

	IsUndefinedTable(err error) bool
	IsDuplicateTable(err error) bool
}

// SQLiteDialect targets modernc.org/sqlite.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string               { return "sqlite" }
func (SQLiteDialect) Rebind(query string) string { return query }
func (SQLiteDialect) IDColumn() string           { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (SQLiteDialect) BigInt() string             { return "INTEGER" }
func (SQLiteDialect) Bool() string               { return "INTEGER" }
func (SQLiteDialect) Float() string              { return "REAL" }
func (SQLiteDialect) NowEpoch() string           { return "(CAST(strftime('%s','now') AS INTEGER))" }

func (SQLiteDialect) ListTablesQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ESCAPE '\' ORDER BY name DESC`
}

func (SQLiteDialect) TableExistsQuery() string {
	return `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
}

func (SQLiteDialect) IsUndefinedTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (SQLiteDialect) IsDuplicateTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

// PostgresDialect targets PostgreSQL through the pgx database/sql driver.
type PostgresDialect struct{}

func (PostgresDialect) Name() string     { return "postgres" }
func (PostgresDialect) IDColumn() string { return "BIGSERIAL PRIMARY KEY" }
func (PostgresDialect) BigInt() string   { return "BIGINT" }
func (PostgresDialect) Bool() string     { return "BOOLEAN" }
func (PostgresDialect) Float() string    { return "DOUBLE PRECISION" }
func (PostgresDialect) NowEpoch() string { return "(EXTRACT(EPOCH FROM NOW())::BIGINT)" }

// Rebind rewrites ? placeholders as $1, $2, ... Queries here never contain
// a literal question mark.
func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (PostgresDialect) ListTablesQuery() string {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE ? ESCAPE '\'
		ORDER BY table_name DESC`
}

func (PostgresDialect) TableExistsQuery() string {
	return `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = ?`
}

func (PostgresDialect) IsUndefinedTable(err error) bool { return pgCode(err) == "42P01" }
func (PostgresDialect) IsDuplicateTable(err error) bool { return pgCode(err) == "42P07" }

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// quoteIdent quotes an identifier already checked against the table-name
// pattern.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
