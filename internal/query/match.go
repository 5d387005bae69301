package query

import (
	"reflect"

	"github.com/roach88/databroker/internal/document"
)

// Match reports whether doc satisfies p.
func Match(doc document.Document, p Predicate) bool {
	switch pred := p.(type) {
	case nil, All:
		return true
	case Eq:
		v, ok := doc.Lookup(pred.Field)
		return ok && Equal(v, pred.Value)
	case In:
		v, ok := doc.Lookup(pred.Field)
		if !ok {
			return false
		}
		for _, want := range pred.Values {
			if Equal(v, want) {
				return true
			}
		}
		return false
	case Range:
		v, ok := doc.Lookup(pred.Field)
		if !ok {
			return false
		}
		f, ok := document.AsFloat(v)
		if !ok {
			return false
		}
		if pred.Gte != nil && f < *pred.Gte {
			return false
		}
		if pred.Lt != nil && f >= *pred.Lt {
			return false
		}
		return true
	case Exists:
		_, ok := doc.Lookup(pred.Field)
		return ok == pred.Present
	case And:
		for _, sub := range pred.Predicates {
			if !Match(doc, sub) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Equal compares two JSON values, treating numbers numerically.
func Equal(a, b any) bool {
	fa, aNum := document.AsFloat(a)
	fb, bNum := document.AsFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}
