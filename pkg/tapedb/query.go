package tapedb

import (
	"fmt"
	"sort"
	"strings"
)

// Op is a comparison operator usable in [Table.SearchAdvanced] clauses.
type Op string

// The fixed operator set. Anything else fails with [ErrInvalidQuery] before
// reaching storage.
const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Condition is one filter clause over a document field. Clauses passed
// together are conjoined (AND).
type Condition struct {
	Field string
	Op    Op
	Value any
}

var allowedOps = map[Op]struct{}{
	OpEq: {},
	OpNe: {},
	OpLt: {},
	OpLe: {},
	OpGt: {},
	OpGe: {},
}

// compileConditions turns clauses into a parameterized WHERE fragment.
//
// Field names are validated against the identifier allow-list before they
// are composed into query text; values only ever appear as placeholders.
// "id" (and "version" on versioned tables) compile to the physical columns,
// everything else to a json_extract over the data column.
func compileConditions(clauses []Condition, withVersion bool) (string, []any, error) {
	if len(clauses) == 0 {
		return "", nil, fmt.Errorf("%w: no conditions", ErrInvalidQuery)
	}

	parts := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses))

	for _, clause := range clauses {
		if _, ok := allowedOps[clause.Op]; !ok {
			return "", nil, fmt.Errorf("%w: operator %q is not allowed", ErrInvalidQuery, string(clause.Op))
		}

		expr, err := fieldExpr(clause.Field, withVersion)
		if err != nil {
			return "", nil, err
		}

		parts = append(parts, expr+" "+string(clause.Op)+" ?")
		args = append(args, clause.Value)
	}

	return strings.Join(parts, " AND "), args, nil
}

// equalityConditions converts a field→value map into equality clauses.
// Keys are sorted so the compiled SQL is deterministic across calls.
func equalityConditions(conditions map[string]any) []Condition {
	keys := make([]string, 0, len(conditions))
	for key := range conditions {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	clauses := make([]Condition, 0, len(keys))
	for _, key := range keys {
		clauses = append(clauses, Condition{Field: key, Op: OpEq, Value: conditions[key]})
	}

	return clauses
}

// fieldExpr compiles a validated field name to a SQL expression.
func fieldExpr(field string, withVersion bool) (string, error) {
	switch field {
	case "id":
		return "id", nil
	case "version":
		if withVersion {
			return "version", nil
		}
	}

	if !isValidFieldPath(field) {
		return "", fmt.Errorf("%w: invalid field name %q", ErrInvalidQuery, field)
	}

	return "json_extract(data, '$." + field + "')", nil
}

// isValidFieldPath reports whether field is a dot-separated path of plain
// identifiers, addressing a field in a flat or shallow JSON document.
func isValidFieldPath(field string) bool {
	if field == "" {
		return false
	}

	for _, segment := range strings.Split(field, ".") {
		if !isValidIdentifier(segment) {
			return false
		}
	}

	return true
}

// isValidIdentifier checks letters, digits and underscore, not starting
// with a digit. Everything interpolated into SQL text (table names, index
// fields, json paths) must pass this.
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}

	return true
}
