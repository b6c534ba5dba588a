package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect selects the upsert syntax and quoting rules.
type Dialect string

const (
	// DialectPostgres uses ON CONFLICT ... DO UPDATE with $n placeholders.
	DialectPostgres Dialect = "postgres"

	// DialectSQLite uses ON CONFLICT ... DO UPDATE with ? placeholders.
	DialectSQLite Dialect = "sqlite"

	// DialectMySQL uses ON DUPLICATE KEY UPDATE.
	DialectMySQL Dialect = "mysql"

	// DialectGeneric updates then inserts row by row inside one transaction,
	// for backends without native upsert.
	DialectGeneric Dialect = "generic"
)

// ParseDialect validates a configured dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case DialectPostgres, DialectSQLite, DialectMySQL, DialectGeneric:
		return d, nil
	case "postgresql", "pgx":
		return DialectPostgres, nil
	case "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q (must be postgres, mysql, sqlite or generic)", name)
	}
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	case DialectSQLite, DialectGeneric:
		return "sqlite"
	default:
		return ""
	}
}

// maxParams is the bind-parameter limit of one statement.
func (d Dialect) maxParams() int {
	switch d {
	case DialectSQLite, DialectGeneric:
		return 32766
	default:
		return 65535
	}
}

// placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// quote quotes an identifier that already passed validation.
func (d Dialect) quote(name string) string {
	if d == DialectMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// validIdentifierRegex restricts identifiers to alphanumerics and underscore.
var validIdentifierRegex = regexp.MustCompile("^[a-zA-Z0-9_]+$")

// IsValidIdentifier checks if a name is safe to interpolate as an identifier.
func IsValidIdentifier(name string) bool {
	return validIdentifierRegex.MatchString(name)
}

// InvalidIdentifierError is returned when an identifier contains invalid characters.
type InvalidIdentifierError struct {
	Name string
}

func (e *InvalidIdentifierError) Error() string {
	return "invalid identifier: " + e.Name + " (must contain only alphanumeric characters and underscores)"
}
