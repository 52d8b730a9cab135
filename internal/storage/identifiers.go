package storage

import (
	"fmt"
	"strings"
)

// sanitizeIdent maps database/collection-derived identifiers onto
// [A-Za-z0-9_] before they're interpolated into DDL, replacing every
// other character (such as `.`, `-` or `$`) with `_`; an empty name or
// one that starts with a digit is rejected (pgx parameterizes values but
// not table/column names, so any identifier reaching SQL text goes
// through here first; spec.md §4.4.1's "never silently drop, never
// string-concatenate" rule for literals extends to names too).
func sanitizeIdent(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("storage: empty identifier")
	}
	sanitized := strings.Map(func(r rune) rune {
		if r == '_' ||
			(r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if sanitized[0] >= '0' && sanitized[0] <= '9' {
		return "", fmt.Errorf("storage: identifier %q cannot start with a digit", name)
	}
	return sanitized, nil
}

// quoteIdent double-quotes an already-sanitized identifier for use in
// DDL/DML text.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// tableName is the schema-qualified, quoted table for a (db, collection)
// pair. db becomes the Postgres schema; coll becomes the table.
func tableName(db, coll string) (string, error) {
	sdb, err := sanitizeIdent(db)
	if err != nil {
		return "", err
	}
	scoll, err := sanitizeIdent(coll)
	if err != nil {
		return "", err
	}
	return quoteIdent(sdb) + "." + quoteIdent(scoll), nil
}

func indexesTable(db string) (string, error) {
	sdb, err := sanitizeIdent(db)
	if err != nil {
		return "", err
	}
	return quoteIdent(sdb) + "." + quoteIdent("__gateway_indexes"), nil
}
