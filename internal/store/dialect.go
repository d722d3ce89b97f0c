package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect is the seam between the query builder and a SQL backend. Core SQL is
// written with "?" placeholders and vendor-neutral syntax; everything vendor
// specific goes through these methods.
type Dialect interface {
	Name() string
	// Rebind rewrites "?" placeholders into the backend's native form.
	Rebind(query string) string
	// FulltextMatch returns a boolean predicate over column that takes the
	// search text as its single "?" parameter.
	FulltextMatch(column string) string
	// FulltextScore returns a numeric relevance expression over column that
	// takes the search text as its single "?" parameter.
	FulltextScore(column string) string
	// GroupConcat aggregates expr into a comma separated string.
	GroupConcat(expr string) string
	// JSONArrayAgg aggregates one JSON object per row; pairs alternate
	// between key and SQL expression.
	JSONArrayAgg(pairs ...string) string
	// Returning reports whether INSERT ... RETURNING is available.
	Returning() bool
}

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite3", "sqlite":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (postgresDialect) FulltextMatch(column string) string {
	return fmt.Sprintf("to_tsvector('simple', coalesce(%s, '')) @@ plainto_tsquery('simple', ?)", column)
}

func (postgresDialect) FulltextScore(column string) string {
	return fmt.Sprintf("ts_rank(to_tsvector('simple', coalesce(%s, '')), plainto_tsquery('simple', ?))", column)
}

func (postgresDialect) GroupConcat(expr string) string {
	return fmt.Sprintf("string_agg(CAST(%s AS TEXT), ',')", expr)
}

func (postgresDialect) JSONArrayAgg(pairs ...string) string {
	return fmt.Sprintf("CAST(json_agg(json_build_object(%s)) AS TEXT)", jsonPairs(pairs))
}

func (postgresDialect) Returning() bool { return true }

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) Rebind(query string) string { return query }

// MySQL needs the FULLTEXT index on ticket_texts.value created by the mysql migrations.
func (mysqlDialect) FulltextMatch(column string) string {
	return fmt.Sprintf("MATCH(%s) AGAINST (? IN NATURAL LANGUAGE MODE)", column)
}

func (mysqlDialect) FulltextScore(column string) string {
	return fmt.Sprintf("MATCH(%s) AGAINST (? IN NATURAL LANGUAGE MODE)", column)
}

func (mysqlDialect) GroupConcat(expr string) string {
	return fmt.Sprintf("GROUP_CONCAT(%s SEPARATOR ',')", expr)
}

func (mysqlDialect) JSONArrayAgg(pairs ...string) string {
	return fmt.Sprintf("JSON_ARRAYAGG(JSON_OBJECT(%s))", jsonPairs(pairs))
}

func (mysqlDialect) Returning() bool { return false }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

// SQLite has no stemming here: the whole search text must occur as a
// case-insensitive substring.
func (sqliteDialect) FulltextMatch(column string) string {
	return fmt.Sprintf("instr(lower(coalesce(%s, '')), lower(?)) > 0", column)
}

func (sqliteDialect) FulltextScore(column string) string {
	return fmt.Sprintf("(CASE WHEN instr(lower(coalesce(%s, '')), lower(?)) > 0 THEN 1.0 ELSE 0.0 END)", column)
}

func (sqliteDialect) GroupConcat(expr string) string {
	return fmt.Sprintf("group_concat(%s, ',')", expr)
}

func (sqliteDialect) JSONArrayAgg(pairs ...string) string {
	return fmt.Sprintf("json_group_array(json_object(%s))", jsonPairs(pairs))
}

func (sqliteDialect) Returning() bool { return false }

// jsonPairs renders key/expression pairs; keys are compile-time identifiers
// supplied by field handlers, never request data.
func jsonPairs(pairs []string) string {
	parts := make([]string, 0, len(pairs))
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, "'"+pairs[i]+"', "+pairs[i+1])
	}
	return strings.Join(parts, ", ")
}

// Placeholders returns "?, ?, ?" for n parameters.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
