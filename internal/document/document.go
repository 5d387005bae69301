package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies the type of a document.
type Kind string

const (
	KindStart      Kind = "start"
	KindStop       Kind = "stop"
	KindDescriptor Kind = "descriptor"
	KindEvent      Kind = "event"
	KindResource   Kind = "resource"
	KindDatum      Kind = "datum"
)

// RunKinds are the kinds kept by a metadata store.
var RunKinds = []Kind{KindStart, KindStop, KindDescriptor, KindEvent}

// AllKinds lists every document kind.
var AllKinds = []Kind{KindStart, KindStop, KindDescriptor, KindEvent, KindResource, KindDatum}

// ParseKind accepts both the short kind names and the collection names used
// by the metadata server (run_start, run_stop, event_descriptor, event).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start", "run_start":
		return KindStart, nil
	case "stop", "run_stop":
		return KindStop, nil
	case "descriptor", "event_descriptor":
		return KindDescriptor, nil
	case "event":
		return KindEvent, nil
	case "resource":
		return KindResource, nil
	case "datum":
		return KindDatum, nil
	default:
		return "", fmt.Errorf("unknown document kind %q", s)
	}
}

// Collection returns the collection name the metadata server uses for k.
func (k Kind) Collection() string {
	switch k {
	case KindStart:
		return "run_start"
	case KindStop:
		return "run_stop"
	case KindDescriptor:
		return "event_descriptor"
	default:
		return string(k)
	}
}

// IsRunKind reports whether k is stored by a metadata store.
func (k Kind) IsRunKind() bool {
	switch k {
	case KindStart, KindStop, KindDescriptor, KindEvent:
		return true
	}
	return false
}

// IDField is the field carrying the identity of a document of kind k.
func (k Kind) IDField() string {
	if k == KindDatum {
		return "datum_id"
	}
	return "uid"
}

// Document is a decoded JSON object. Numbers are normalised to int64 when
// integral and float64 otherwise.
type Document map[string]any

// NewUID returns a fresh random uid.
func NewUID() string {
	return uuid.NewString()
}

// Decode parses a JSON object into a normalised Document.
func Decode(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode document: not an object")
	}
	return Normalize(raw), nil
}

// DecodeMany parses a JSON array of objects, or a single object, into documents.
func DecodeMany(data []byte) ([]Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		doc, err := Decode(trimmed)
		if err != nil {
			return nil, err
		}
		return []Document{doc}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	docs := make([]Document, 0, len(raw))
	for _, r := range raw {
		docs = append(docs, Normalize(r))
	}
	return docs, nil
}

// Normalize converts a generic JSON tree into the number representation
// Documents use. The input map is not modified.
func Normalize(m map[string]any) Document {
	out := make(Document, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case float32:
		return normalizeValue(float64(val))
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case map[string]any:
		return map[string]any(Normalize(val))
	case Document:
		return map[string]any(Normalize(val))
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Normalize(d)
}

// ID returns the identity of d for kind k.
func (d Document) ID(k Kind) string {
	return d.String(k.IDField())
}

// UID returns the uid field.
func (d Document) UID() string {
	return d.String("uid")
}

// String returns a top-level string field, or "" if absent or not a string.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Number returns a top-level numeric field as float64.
func (d Document) Number(field string) (float64, bool) {
	return AsFloat(d[field])
}

// Int returns a top-level integral field.
func (d Document) Int(field string) (int64, bool) {
	switch v := d[field].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v == math.Trunc(v) {
			return int64(v), true
		}
	}
	return 0, false
}

// Object returns a top-level object field.
func (d Document) Object(field string) (map[string]any, bool) {
	switch v := d[field].(type) {
	case map[string]any:
		return v, true
	case Document:
		return v, true
	}
	return nil, false
}

// Lookup walks a dotted path ("sample.name") through nested objects.
func (d Document) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if doc, isDoc := cur.(Document); isDoc {
				m = doc
			} else {
				return nil, false
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// AsFloat converts any JSON number representation to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
