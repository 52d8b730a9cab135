package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// argList accumulates parameterized SQL literals so filter lowering
// never string-concatenates a value into the query text (spec.md
// §4.4.1).
type argList struct {
	args []interface{}
}

func (a *argList) add(v interface{}) string {
	a.args = append(a.args, v)
	return "$" + strconv.Itoa(len(a.args))
}

// LowerFilter translates a filter document into a SQL boolean
// expression over the JSONB `data` column plus its parameter list, per
// the table in spec.md §4.4.1. An empty filter lowers to "TRUE".
func LowerFilter(filter *bson.Document) (string, []interface{}, error) {
	if filter == nil || filter.Len() == 0 {
		return "TRUE", nil, nil
	}
	a := &argList{}
	clause, err := lowerDocument(filter, a)
	if err != nil {
		return "", nil, err
	}
	return clause, a.args, nil
}

// lowerDocument ANDs together the clauses for every field/operator key
// in doc. Each's bool-return short-circuit stops iteration as soon as
// a key fails to lower; the error is captured by the closure and
// returned once Each has unwound.
func lowerDocument(doc *bson.Document, a *argList) (string, error) {
	var clauses []string
	var firstErr error
	doc.Each(func(name string, v bson.Value) bool {
		var clause string
		var err error
		switch name {
		case "$and":
			clause, err = lowerLogical(v, a, " AND ")
		case "$or":
			clause, err = lowerLogical(v, a, " OR ")
		case "$not":
			if v.Kind != bson.KindDocument {
				err = gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$not requires a document")
				break
			}
			var inner string
			inner, err = lowerDocument(v.Doc, a)
			if err == nil {
				clause = "NOT (" + inner + ")"
			}
		default:
			clause, err = lowerField(name, v, a)
		}
		if err != nil {
			firstErr = err
			return false
		}
		clauses = append(clauses, clause)
		return true
	})
	if firstErr != nil {
		return "", firstErr
	}
	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func lowerLogical(v bson.Value, a *argList, joiner string) (string, error) {
	if v.Kind != bson.KindArray {
		return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$and/$or require an array of filter documents")
	}
	if len(v.Arr) == 0 {
		return "TRUE", nil
	}
	var parts []string
	for _, elem := range v.Arr {
		if elem.Kind != bson.KindDocument {
			return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$and/$or elements must be documents")
		}
		clause, err := lowerDocument(elem.Doc, a)
		if err != nil {
			return "", err
		}
		parts = append(parts, clause)
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func jsonField(name string) string {
	return "data ->> " + quoteLiteral(name)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// lowerField handles one top-level filter key: either a bare scalar
// (implicit $eq) or a document of one or more `$operator` keys.
func lowerField(field string, v bson.Value, a *argList) (string, error) {
	fieldExpr := jsonField(field)

	if v.Kind != bson.KindDocument {
		lit, err := scalarLiteral(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", fieldExpr, a.add(lit)), nil
	}

	var clauses []string
	var firstErr error
	v.Doc.Each(func(op string, opVal bson.Value) bool {
		clause, err := lowerOperator(field, fieldExpr, op, opVal, a)
		if err != nil {
			firstErr = err
			return false
		}
		clauses = append(clauses, clause)
		return true
	})
	if firstErr != nil {
		return "", firstErr
	}
	// A document with no recognized `$operator` keys (e.g. an equality
	// match against an embedded sub-document) isn't expressible over
	// `->>` string-cast comparison; call it UnsupportedOperator rather
	// than silently mismatching every row.
	if v.Doc.Len() > 0 && len(clauses) == 0 {
		return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "unsupported filter shape for field "+field)
	}
	if len(clauses) == 0 {
		return "TRUE", nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

func lowerOperator(field, fieldExpr, op string, v bson.Value, a *argList) (string, error) {
	switch op {
	case "$eq":
		lit, err := scalarLiteral(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", fieldExpr, a.add(lit)), nil
	case "$ne":
		lit, err := scalarLiteral(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s IS DISTINCT FROM %s", fieldExpr, a.add(lit)), nil
	case "$gt", "$gte", "$lt", "$lte":
		sqlOp := map[string]string{"$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}[op]
		if f, ok := v.AsFloat64(); ok {
			return fmt.Sprintf("(%s)::numeric %s %s", fieldExpr, sqlOp, a.add(f)), nil
		}
		lit, err := scalarLiteral(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", fieldExpr, sqlOp, a.add(lit)), nil
	case "$in":
		return lowerInNotIn(fieldExpr, v, a, false)
	case "$nin":
		return lowerInNotIn(fieldExpr, v, a, true)
	case "$exists":
		if v.Kind != bson.KindBool {
			return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$exists requires a boolean")
		}
		existsExpr := fmt.Sprintf("data ? %s", quoteLiteral(field))
		if v.Bool {
			return existsExpr, nil
		}
		return "NOT (" + existsExpr + ")", nil
	case "$regex":
		pattern, err := regexPattern(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s ~ %s", fieldExpr, a.add(pattern)), nil
	default:
		return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "unsupported filter operator "+op)
	}
}

func lowerInNotIn(fieldExpr string, v bson.Value, a *argList, negate bool) (string, error) {
	if v.Kind != bson.KindArray {
		return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$in/$nin require an array")
	}
	if len(v.Arr) == 0 {
		if negate {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	var placeholders []string
	for _, e := range v.Arr {
		lit, err := scalarLiteral(e)
		if err != nil {
			return "", err
		}
		placeholders = append(placeholders, a.add(lit))
	}
	verb := "IN"
	if negate {
		verb = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", fieldExpr, verb, strings.Join(placeholders, ", ")), nil
}

func regexPattern(v bson.Value) (string, error) {
	switch v.Kind {
	case bson.KindString:
		return v.Str, nil
	case bson.KindRegex:
		return v.Rx.Pattern, nil
	default:
		return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$regex requires a string or regex")
	}
}

// scalarLiteral converts a BSON scalar into the text form a
// `data ->> 'field'` comparison binds against, since the right-hand
// side of ->> is always text.
func scalarLiteral(v bson.Value) (interface{}, error) {
	switch v.Kind {
	case bson.KindString:
		return v.Str, nil
	case bson.KindInt32:
		return strconv.FormatInt(int64(v.Int32), 10), nil
	case bson.KindInt64:
		return strconv.FormatInt(v.Int64, 10), nil
	case bson.KindDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64), nil
	case bson.KindBool:
		return strconv.FormatBool(v.Bool), nil
	case bson.KindObjectID:
		return v.OID.String(), nil
	case bson.KindNull:
		return nil, nil
	default:
		return "", gatewayerr.New(gatewayerr.KindUnsupportedOperator, "unsupported literal kind in filter")
	}
}
