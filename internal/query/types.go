package query

import (
	"fmt"
	"regexp"
	"strings"
)

// Predicate is a filter over documents.
//
// This is a sealed interface: only types in this package implement it, so
// backend compilers can switch over it exhaustively.
type Predicate interface {
	predicateNode()
}

// All matches every document.
type All struct{}

func (All) predicateNode() {}

// Eq matches documents whose Field equals Value.
// Numbers compare numerically (int64 3 equals float64 3.0).
type Eq struct {
	Field string
	Value any
}

func (Eq) predicateNode() {}

// In matches documents whose Field equals any of Values.
type In struct {
	Field  string
	Values []any
}

func (In) predicateNode() {}

// Range matches documents whose numeric Field lies in [Gte, Lt).
// A nil bound is open.
type Range struct {
	Field string
	Gte   *float64
	Lt    *float64
}

func (Range) predicateNode() {}

// Exists matches documents where Field is present (or absent when Present is false).
type Exists struct {
	Field   string
	Present bool
}

func (Exists) predicateNode() {}

// And matches documents satisfying every predicate. An empty And matches all.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

var fieldSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateField checks a dotted field path. Paths are interpolated into
// backend query text (JSON paths), so only identifier segments are allowed.
func ValidateField(field string) error {
	if field == "" {
		return fmt.Errorf("empty field path")
	}
	for _, seg := range strings.Split(field, ".") {
		if !fieldSegment.MatchString(seg) {
			return fmt.Errorf("invalid field path %q: segment %q", field, seg)
		}
	}
	return nil
}

// Validate checks every field path in p.
func Validate(p Predicate) error {
	switch pred := p.(type) {
	case nil, All:
		return nil
	case Eq:
		return ValidateField(pred.Field)
	case In:
		return ValidateField(pred.Field)
	case Range:
		return ValidateField(pred.Field)
	case Exists:
		return ValidateField(pred.Field)
	case And:
		for i, sub := range pred.Predicates {
			if err := Validate(sub); err != nil {
				return fmt.Errorf("and[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// Conj combines predicates into one, dropping nil and All entries.
func Conj(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		switch v := p.(type) {
		case nil, All:
			continue
		case And:
			kept = append(kept, v.Predicates...)
		default:
			kept = append(kept, v)
		}
	}
	switch len(kept) {
	case 0:
		return All{}
	case 1:
		return kept[0]
	default:
		return And{Predicates: kept}
	}
}

// Float returns a pointer to f, for building Range bounds.
func Float(f float64) *float64 {
	return &f
}
