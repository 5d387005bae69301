package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/query"
)

var startsTable = Table{
	Name:    "run_starts",
	DocCol:  "doc",
	Columns: map[string]string{"uid": "uid", "time": "time"},
	Numeric: map[string]bool{"time": true},
}

func TestCompile_Equality(t *testing.T) {
	c := NewCompiler(startsTable)

	where, params, residual, err := c.Compile(query.Eq{Field: "plan_name", Value: "count"})
	require.NoError(t, err)

	assert.Equal(t, "json_type(doc, '$.plan_name') IN ('text') AND json_extract(doc, '$.plan_name') = ?", where)
	assert.Equal(t, []any{"count"}, params)
	assert.Equal(t, query.All{}, residual)
	assert.NotContains(t, where, "count")
}

func TestCompile_HotColumn(t *testing.T) {
	c := NewCompiler(startsTable)

	where, params, _, err := c.Compile(query.Range{Field: "time", Gte: query.Float(1), Lt: query.Float(2)})
	require.NoError(t, err)

	assert.Equal(t, "time >= ? AND time < ?", where)
	assert.Equal(t, []any{1.0, 2.0}, params)
}

func TestCompile_RangeOnJSONFieldGuardsType(t *testing.T) {
	c := NewCompiler(startsTable)

	where, params, _, err := c.Compile(query.Range{Field: "scan_id", Gte: query.Float(3)})
	require.NoError(t, err)

	assert.Contains(t, where, "json_type(doc, '$.scan_id') IN ('integer', 'real')")
	assert.Contains(t, where, "json_extract(doc, '$.scan_id') >= ?")
	assert.Equal(t, []any{3.0}, params)
}

func TestCompile_AndFlattensAndBooleans(t *testing.T) {
	c := NewCompiler(startsTable)

	p := query.And{Predicates: []query.Predicate{
		query.Eq{Field: "uid", Value: "abc"},
		query.And{Predicates: []query.Predicate{
			query.Eq{Field: "dry_run", Value: true},
			query.In{Field: "scan_id", Values: []any{int64(1), 2}},
		}},
	}}
	where, params, residual, err := c.Compile(p)
	require.NoError(t, err)

	assert.Equal(t, "uid = ? AND json_type(doc, '$.dry_run') = 'true' AND "+
		"(json_type(doc, '$.scan_id') IN ('integer', 'real') AND json_extract(doc, '$.scan_id') IN (?, ?))", where)
	assert.Equal(t, []any{"abc", int64(1), int64(2)}, params)
	assert.Equal(t, query.All{}, residual)
}

func TestCompile_ComparisonsGuardJSONType(t *testing.T) {
	c := NewCompiler(startsTable)

	where, params, _, err := c.Compile(query.Eq{Field: "time", Value: "1000"})
	require.NoError(t, err)
	assert.Equal(t, "json_type(doc, '$.time') IN ('text') AND time = ?", where)
	assert.Equal(t, []any{"1000"}, params)

	where, _, _, err = c.Compile(query.Eq{Field: "time", Value: 1000.0})
	require.NoError(t, err)
	assert.Equal(t, "time = ?", where)

	where, params, _, err = c.Compile(query.In{Field: "tag", Values: []any{"a", 1.0, "b"}})
	require.NoError(t, err)
	assert.Equal(t, "((json_type(doc, '$.tag') IN ('text') AND json_extract(doc, '$.tag') IN (?, ?)) OR "+
		"(json_type(doc, '$.tag') IN ('integer', 'real') AND json_extract(doc, '$.tag') IN (?)))", where)
	assert.Equal(t, []any{"a", "b", 1.0}, params)
}

func TestCompile_ObjectEqualityIsResidual(t *testing.T) {
	c := NewCompiler(startsTable)

	obj := query.Eq{Field: "sample", Value: map[string]any{"name": "Si"}}
	where, params, residual, err := c.Compile(query.And{Predicates: []query.Predicate{
		query.Eq{Field: "plan_name", Value: "scan"},
		obj,
	}})
	require.NoError(t, err)

	assert.Equal(t, "json_type(doc, '$.plan_name') IN ('text') AND json_extract(doc, '$.plan_name') = ?", where)
	assert.Equal(t, []any{"scan"}, params)
	assert.Equal(t, obj, residual)
}

func TestCompile_ExistsAndEmpty(t *testing.T) {
	c := NewCompiler(startsTable)

	where, _, _, err := c.Compile(query.Exists{Field: "sample.name", Present: false})
	require.NoError(t, err)
	assert.Equal(t, "json_type(doc, '$.sample.name') IS NULL", where)

	where, params, _, err := c.Compile(query.All{})
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", where)
	assert.Empty(t, params)

	where, _, _, err = c.Compile(query.In{Field: "uid"})
	require.NoError(t, err)
	assert.Equal(t, "0 = 1", where)
}

func TestCompile_RejectsInjectedFieldPath(t *testing.T) {
	c := NewCompiler(startsTable)

	_, _, _, err := c.Compile(query.Eq{Field: "a') OR 1=1 --", Value: 1})
	assert.Error(t, err)
}

func TestSelect_AlwaysOrdered(t *testing.T) {
	c := NewCompiler(startsTable)

	sql, _, _, err := c.Select(document.KindStart, query.All{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT doc FROM run_starts WHERE 1 = 1 ORDER BY time ASC, uid COLLATE BINARY ASC", sql)

	assert.Equal(t, "seq_num ASC, uid COLLATE BINARY ASC", OrderBy(document.KindEvent))
}
