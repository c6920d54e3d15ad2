// Package dbtype maps driver identifiers and database product names onto a
// canonical database family.
package dbtype

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Type is the canonical database family used to select per-dialect paths.
type Type string

const (
	Oracle     Type = "oracle"
	MySQL      Type = "mysql"
	PostgreSQL Type = "postgresql"
	Tibero     Type = "tibero"
	H2         Type = "h2"
	Generic    Type = "generic"
)

// candidates are matched in order; the first substring hit wins.
var candidates = []Type{Oracle, MySQL, PostgreSQL, Tibero, H2}

func (t Type) String() string { return string(t) }

// Placeholder returns the bind parameter marker for the 1-based index.
func (t Type) Placeholder(index int) string {
	switch t {
	case PostgreSQL:
		return "$" + strconv.Itoa(index)
	case Oracle, Tibero:
		return ":" + strconv.Itoa(index)
	default:
		return "?"
	}
}

// TimestampType is the column type used for ledger timestamps.
func (t Type) TimestampType() string {
	if t == MySQL {
		return "DATETIME"
	}
	return "TIMESTAMP"
}

// Classify lower-cases identifier and returns the first candidate family
// contained in it, or Generic.
func Classify(identifier string) Type {
	s := strings.ToLower(identifier)
	if s == "" {
		return Generic
	}
	for _, c := range candidates {
		if strings.Contains(s, string(c)) {
			return c
		}
	}
	return Generic
}

// FromDriverClassName classifies a declared driver identifier such as
// "org.postgresql.Driver".
func FromDriverClassName(name string) Type { return Classify(name) }

// FromProductName classifies a live database product name such as
// "PostgreSQL 16.2".
func FromProductName(name string) Type { return Classify(name) }

// FromProfile classifies the driver field of a stored connection profile.
// Go driver names that do not contain a family name are mapped first.
func FromProfile(driver string) Type {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "pgx", "postgres":
		return PostgreSQL
	}
	return Classify(driver)
}

// versionQueries are tried in order against a live connection.
var versionQueries = []string{
	"SELECT version()",
	"SELECT @@version_comment",
	"SELECT 'sqlite ' || sqlite_version()",
	"SELECT banner FROM v$version WHERE ROWNUM = 1",
}

// FromConnection asks the database for its product name. Any failure yields
// Generic.
func FromConnection(ctx context.Context, db *sql.DB) Type {
	if db == nil {
		return Generic
	}
	for _, q := range versionQueries {
		var name string
		if err := db.QueryRowContext(ctx, q).Scan(&name); err != nil {
			continue
		}
		// MariaDB reports "mariadb.org binary distribution" in version_comment.
		if strings.Contains(strings.ToLower(name), "mariadb") {
			return MySQL
		}
		return FromProductName(name)
	}
	return Generic
}
