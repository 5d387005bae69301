package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/databroker/internal/document"
)

// Parse converts a mongo-style query object into a Predicate.
//
// Supported forms:
//
//	{"field": value}                       equality
//	{"field": {"$in": [v1, v2]}}           membership
//	{"field": {"$gte": a, "$lt": b}}       half-open numeric range
//	{"field": {"$exists": true}}           presence
//	{"$and": [{...}, {...}]}               conjunction
//
// Keys are processed in sorted order so the resulting predicate is deterministic.
func Parse(q map[string]any) (Predicate, error) {
	if len(q) == 0 {
		return All{}, nil
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var preds []Predicate
	for _, key := range keys {
		val := q[key]
		if key == "$and" {
			list, ok := val.([]any)
			if !ok {
				return nil, fmt.Errorf("$and: expected array, got %T", val)
			}
			for i, raw := range list {
				sub, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("$and[%d]: expected object, got %T", i, raw)
				}
				p, err := Parse(sub)
				if err != nil {
					return nil, fmt.Errorf("$and[%d]: %w", i, err)
				}
				preds = append(preds, p)
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("unsupported top-level operator %q", key)
		}
		if err := ValidateField(key); err != nil {
			return nil, err
		}
		p, err := parseField(key, val)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p...)
	}
	return Conj(preds...), nil
}

// ParseJSON decodes a JSON query object and parses it. Empty input matches all.
func ParseJSON(data []byte) (Predicate, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return All{}, nil
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	return Parse(doc)
}

func parseField(field string, val any) ([]Predicate, error) {
	ops, isOps := operatorObject(val)
	if !isOps {
		return []Predicate{Eq{Field: field, Value: val}}, nil
	}

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	var preds []Predicate
	var rng *Range
	for _, op := range names {
		arg := ops[op]
		switch op {
		case "$in":
			list, ok := arg.([]any)
			if !ok {
				return nil, fmt.Errorf("%s: $in expects array, got %T", field, arg)
			}
			preds = append(preds, In{Field: field, Values: list})
		case "$gte", "$lt":
			f, ok := document.AsFloat(arg)
			if !ok {
				return nil, fmt.Errorf("%s: %s expects number, got %T", field, op, arg)
			}
			if rng == nil {
				rng = &Range{Field: field}
			}
			if op == "$gte" {
				rng.Gte = Float(f)
			} else {
				rng.Lt = Float(f)
			}
		case "$exists":
			b, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: $exists expects bool, got %T", field, arg)
			}
			preds = append(preds, Exists{Field: field, Present: b})
		case "$eq":
			preds = append(preds, Eq{Field: field, Value: arg})
		default:
			return nil, fmt.Errorf("%s: unsupported operator %q", field, op)
		}
	}
	if rng != nil {
		preds = append(preds, *rng)
	}
	return preds, nil
}

// operatorObject reports whether val is an object whose keys are all operators.
func operatorObject(val any) (map[string]any, bool) {
	m, ok := val.(map[string]any)
	if !ok {
		if d, isDoc := val.(document.Document); isDoc {
			m = d
		} else {
			return nil, false
		}
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// Encode converts a Predicate back to its mongo-style form.
func Encode(p Predicate) (map[string]any, error) {
	switch pred := p.(type) {
	case nil, All:
		return map[string]any{}, nil
	case Eq:
		return map[string]any{pred.Field: pred.Value}, nil
	case In:
		return map[string]any{pred.Field: map[string]any{"$in": pred.Values}}, nil
	case Range:
		ops := map[string]any{}
		if pred.Gte != nil {
			ops["$gte"] = *pred.Gte
		}
		if pred.Lt != nil {
			ops["$lt"] = *pred.Lt
		}
		return map[string]any{pred.Field: ops}, nil
	case Exists:
		return map[string]any{pred.Field: map[string]any{"$exists": pred.Present}}, nil
	case And:
		list := make([]any, 0, len(pred.Predicates))
		for _, sub := range pred.Predicates {
			enc, err := Encode(sub)
			if err != nil {
				return nil, err
			}
			list = append(list, enc)
		}
		return map[string]any{"$and": list}, nil
	default:
		return nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// EncodeJSON is Encode followed by JSON marshalling.
func EncodeJSON(p Predicate) ([]byte, error) {
	m, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
