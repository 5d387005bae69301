package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEquality(t *testing.T) {
	p, err := ParseJSON([]byte(`{"plan_name": "count"}`))
	require.NoError(t, err)
	assert.Equal(t, Eq{Field: "plan_name", Value: "count"}, p)
}

func TestParseEmpty(t *testing.T) {
	p, err := ParseJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, All{}, p)

	p, err = Parse(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, All{}, p)
}

func TestParseOperators(t *testing.T) {
	p, err := ParseJSON([]byte(`{
		"time": {"$gte": 10, "$lt": 20.5},
		"scan_id": {"$in": [1, 2]},
		"sample.name": {"$exists": true}
	}`))
	require.NoError(t, err)

	want := And{Predicates: []Predicate{
		Exists{Field: "sample.name", Present: true},
		In{Field: "scan_id", Values: []any{int64(1), int64(2)}},
		Range{Field: "time", Gte: Float(10), Lt: Float(20.5)},
	}}
	assert.Equal(t, want, p)
}

func TestParseAnd(t *testing.T) {
	p, err := ParseJSON([]byte(`{"$and": [{"a": 1}, {"b": {"$eq": "x"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, And{Predicates: []Predicate{
		Eq{Field: "a", Value: int64(1)},
		Eq{Field: "b", Value: "x"},
	}}, p)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"unknown operator":   `{"a": {"$regex": "x"}}`,
		"top-level operator": `{"$or": []}`,
		"bad in":             `{"a": {"$in": 3}}`,
		"bad range":          `{"a": {"$gte": "yesterday"}}`,
		"bad field":          `{"a;drop": 1}`,
		"and not array":      `{"$and": {"a": 1}}`,
		"not json":           `{"a":`,
	}
	for name, q := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJSON([]byte(q))
			assert.Error(t, err)
		})
	}
}

func TestParseNestedObjectIsEquality(t *testing.T) {
	p, err := ParseJSON([]byte(`{"sample": {"name": "Si"}}`))
	require.NoError(t, err)
	assert.Equal(t, Eq{Field: "sample", Value: map[string]any{"name": "Si"}}, p)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	orig := And{Predicates: []Predicate{
		Eq{Field: "plan_name", Value: "scan"},
		Range{Field: "time", Gte: Float(1), Lt: Float(2)},
	}}
	data, err := EncodeJSON(orig)
	require.NoError(t, err)

	back, err := ParseJSON(data)
	require.NoError(t, err)
	docs := matchingSet(back)
	assert.Equal(t, matchingSet(orig), docs)
}

func TestConj(t *testing.T) {
	assert.Equal(t, All{}, Conj())
	assert.Equal(t, All{}, Conj(nil, All{}))
	e := Eq{Field: "a", Value: 1}
	assert.Equal(t, e, Conj(All{}, e))
	assert.Equal(t, And{Predicates: []Predicate{e, e}}, Conj(And{Predicates: []Predicate{e}}, e))
}
