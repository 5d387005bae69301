// Package querysql compiles query predicates to parameterised SQLite.
//
// Documents are stored as JSON text in a doc column; a handful of hot fields
// are also stored in real columns so they can be indexed. Predicates on hot
// fields compile to column comparisons, every other field compiles to
// json_extract over the doc column.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/query"
)

// Table describes how a document kind is laid out in SQLite.
type Table struct {
	Name    string
	DocCol  string            // JSON document column
	Columns map[string]string // document field -> real column
	Numeric map[string]bool   // real columns holding numbers
}

// Compiler compiles predicates for one table.
//
// All values are parameterised, never interpolated. Field paths are
// validated (query.ValidateField) before they are placed in a JSON path
// literal.
type Compiler struct {
	table Table
}

// NewCompiler creates a compiler for t.
func NewCompiler(t Table) *Compiler {
	if t.DocCol == "" {
		t.DocCol = "doc"
	}
	return &Compiler{table: t}
}

// Compile converts p to a WHERE fragment and its parameters.
//
// Predicates SQLite cannot express faithfully (equality against objects or
// arrays) are returned as residual, which the caller must evaluate in memory
// with query.Match on the rows the WHERE clause returns.
func (c *Compiler) Compile(p query.Predicate) (where string, params []any, residual query.Predicate, err error) {
	if err := query.Validate(p); err != nil {
		return "", nil, nil, err
	}

	var parts []string
	var rest []query.Predicate
	for _, pred := range flatten(p) {
		sql, ps, ok, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, nil, err
		}
		if !ok {
			rest = append(rest, pred)
			continue
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}

	if len(parts) == 0 {
		where = "1 = 1"
	} else {
		where = strings.Join(parts, " AND ")
	}
	return where, params, query.Conj(rest...), nil
}

// Select builds a full statement selecting the doc column for p, ordered
// deterministically for kind k.
func (c *Compiler) Select(k document.Kind, p query.Predicate) (string, []any, query.Predicate, error) {
	where, params, residual, err := c.Compile(p)
	if err != nil {
		return "", nil, nil, err
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
		c.table.DocCol, c.table.Name, where, OrderBy(k))
	return sql, params, residual, nil
}

// OrderBy returns the deterministic ORDER BY clause for kind k. It matches
// query.SortDocuments.
func OrderBy(k document.Kind) string {
	switch k {
	case document.KindEvent:
		return "seq_num ASC, uid COLLATE BINARY ASC"
	case document.KindDatum:
		return "datum_id COLLATE BINARY ASC"
	case document.KindResource:
		return "uid COLLATE BINARY ASC"
	default:
		return "time ASC, uid COLLATE BINARY ASC"
	}
}

func flatten(p query.Predicate) []query.Predicate {
	switch pred := p.(type) {
	case nil, query.All:
		return nil
	case query.And:
		var out []query.Predicate
		for _, sub := range pred.Predicates {
			out = append(out, flatten(sub)...)
		}
		return out
	default:
		return []query.Predicate{p}
	}
}

// compilePredicate compiles one non-And predicate. ok is false when the
// predicate must be evaluated in memory instead.
func (c *Compiler) compilePredicate(p query.Predicate) (sql string, params []any, ok bool, err error) {
	switch pred := p.(type) {
	case query.Eq:
		if b, ok := pred.Value.(bool); ok {
			// json_extract reports JSON booleans as 1/0, which would also
			// match numbers; compare the JSON type instead.
			want := "false"
			if b {
				want = "true"
			}
			return fmt.Sprintf("json_type(%s, '%s') = '%s'", c.table.DocCol, jsonPath(pred.Field), want), nil, true, nil
		}
		param, scalar := scalarParam(pred.Value)
		if !scalar {
			return "", nil, false, nil
		}
		if param == nil {
			return fmt.Sprintf("json_type(%s, '%s') = 'null'", c.table.DocCol, jsonPath(pred.Field)), nil, true, nil
		}
		return c.guard(pred.Field, param) + fmt.Sprintf("%s = ?", c.expr(pred.Field)), []any{param}, true, nil

	case query.In:
		if len(pred.Values) == 0 {
			return "0 = 1", nil, true, nil
		}
		// Strings and numbers are matched separately so each group only
		// compares against values of the same JSON type.
		var groups [][]any
		var strs, nums []any
		for _, v := range pred.Values {
			if _, isBool := v.(bool); isBool {
				return "", nil, false, nil
			}
			param, scalar := scalarParam(v)
			if !scalar || param == nil {
				return "", nil, false, nil
			}
			if _, isStr := param.(string); isStr {
				strs = append(strs, param)
			} else {
				nums = append(nums, param)
			}
		}
		for _, g := range [][]any{strs, nums} {
			if len(g) > 0 {
				groups = append(groups, g)
			}
		}
		ors := make([]string, 0, len(groups))
		for _, g := range groups {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(g)), ", ")
			ors = append(ors, fmt.Sprintf("(%s%s IN (%s))", c.guard(pred.Field, g[0]), c.expr(pred.Field), placeholders))
			params = append(params, g...)
		}
		if len(ors) == 1 {
			return ors[0], params, true, nil
		}
		return "(" + strings.Join(ors, " OR ") + ")", params, true, nil

	case query.Range:
		var parts []string
		if !c.table.Numeric[c.table.Columns[pred.Field]] {
			parts = append(parts, fmt.Sprintf("json_type(%s, '%s') IN ('integer', 'real')", c.table.DocCol, jsonPath(pred.Field)))
		}
		if pred.Gte != nil {
			parts = append(parts, fmt.Sprintf("%s >= ?", c.expr(pred.Field)))
			params = append(params, *pred.Gte)
		}
		if pred.Lt != nil {
			parts = append(parts, fmt.Sprintf("%s < ?", c.expr(pred.Field)))
			params = append(params, *pred.Lt)
		}
		if len(parts) == 0 {
			return "1 = 1", nil, true, nil
		}
		return strings.Join(parts, " AND "), params, true, nil

	case query.Exists:
		op := "IS NOT NULL"
		if !pred.Present {
			op = "IS NULL"
		}
		return fmt.Sprintf("json_type(%s, '%s') %s", c.table.DocCol, jsonPath(pred.Field), op), nil, true, nil

	default:
		return "", nil, false, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// guard returns a condition, followed by " AND ", restricting field to the
// JSON type of param. SQLite would otherwise compare a string against the
// JSON text of an array or object, a number against a boolean (stored as
// 1/0) and a string against a REAL column through type affinity. It is
// empty for hot columns already holding param's type.
func (c *Compiler) guard(field string, param any) string {
	_, isStr := param.(string)
	if col, ok := c.table.Columns[field]; ok && c.table.Numeric[col] != isStr {
		return ""
	}
	types := "'integer', 'real'"
	if isStr {
		types = "'text'"
	}
	return fmt.Sprintf("json_type(%s, '%s') IN (%s) AND ", c.table.DocCol, jsonPath(field), types)
}

// expr returns the SQL expression reading field.
func (c *Compiler) expr(field string) string {
	if col, ok := c.table.Columns[field]; ok {
		return col
	}
	return fmt.Sprintf("json_extract(%s, '%s')", c.table.DocCol, jsonPath(field))
}

// jsonPath converts a validated dotted field path to a SQLite JSON path.
func jsonPath(field string) string {
	return "$." + field
}

// scalarParam converts a JSON string or number to a SQL parameter.
func scalarParam(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case string, int64, float64:
		return val, true
	case int:
		return int64(val), true
	default:
		if f, ok := document.AsFloat(v); ok {
			return f, true
		}
		return nil, false
	}
}
