package document

import "fmt"

// ValidationError reports a document that does not satisfy its kind's schema.
type ValidationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s document: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("invalid %s document: %s: %s", e.Kind, e.Field, e.Message)
}

// ExitStatuses are the accepted values of a stop document's exit_status.
var ExitStatuses = []string{"success", "abort", "fail"}

// Validate checks the required fields of doc for kind k.
func Validate(k Kind, doc Document) error {
	if doc == nil {
		return &ValidationError{Kind: k, Message: "document is nil"}
	}

	switch k {
	case KindStart:
		return firstError(
			requireString(k, doc, "uid"),
			requireNumber(k, doc, "time"),
		)
	case KindStop:
		if err := firstError(
			requireString(k, doc, "uid"),
			requireNumber(k, doc, "time"),
			requireString(k, doc, "run_start"),
			requireString(k, doc, "exit_status"),
		); err != nil {
			return err
		}
		status := doc.String("exit_status")
		for _, s := range ExitStatuses {
			if s == status {
				return nil
			}
		}
		return &ValidationError{Kind: k, Field: "exit_status", Message: fmt.Sprintf("must be one of %v, got %q", ExitStatuses, status)}
	case KindDescriptor:
		if err := firstError(
			requireString(k, doc, "uid"),
			requireNumber(k, doc, "time"),
			requireString(k, doc, "run_start"),
			requireObject(k, doc, "data_keys"),
		); err != nil {
			return err
		}
		return validateDataKeys(doc)
	case KindEvent:
		if err := firstError(
			requireString(k, doc, "uid"),
			requireNumber(k, doc, "time"),
			requireString(k, doc, "descriptor"),
			requireObject(k, doc, "data"),
			requireObject(k, doc, "timestamps"),
		); err != nil {
			return err
		}
		seq, ok := doc.Int("seq_num")
		if !ok {
			return &ValidationError{Kind: k, Field: "seq_num", Message: "required integer"}
		}
		if seq < 1 {
			return &ValidationError{Kind: k, Field: "seq_num", Message: fmt.Sprintf("must be >= 1, got %d", seq)}
		}
		data, _ := doc.Object("data")
		ts, _ := doc.Object("timestamps")
		if len(data) != len(ts) {
			return &ValidationError{Kind: k, Field: "timestamps", Message: "keys must match data keys"}
		}
		for key := range data {
			if _, ok := ts[key]; !ok {
				return &ValidationError{Kind: k, Field: "timestamps", Message: fmt.Sprintf("missing timestamp for %q", key)}
			}
		}
		return nil
	case KindResource:
		if err := firstError(
			requireString(k, doc, "uid"),
			requireString(k, doc, "spec"),
			requireString(k, doc, "resource_path"),
			requireObject(k, doc, "resource_kwargs"),
		); err != nil {
			return err
		}
		if _, ok := doc["root"].(string); !ok {
			return &ValidationError{Kind: k, Field: "root", Message: "required string (may be empty)"}
		}
		if ps, present := doc["path_semantics"]; present && ps != "posix" && ps != "windows" {
			return &ValidationError{Kind: k, Field: "path_semantics", Message: fmt.Sprintf("unsupported value %v", ps)}
		}
		return nil
	case KindDatum:
		return firstError(
			requireString(k, doc, "datum_id"),
			requireString(k, doc, "resource"),
			requireObject(k, doc, "datum_kwargs"),
		)
	default:
		return &ValidationError{Kind: k, Message: "unknown kind"}
	}
}

func validateDataKeys(doc Document) error {
	keys, _ := doc.Object("data_keys")
	for name, raw := range keys {
		spec, ok := raw.(map[string]any)
		if !ok {
			return &ValidationError{Kind: KindDescriptor, Field: "data_keys." + name, Message: "must be an object"}
		}
		for _, f := range []string{"dtype", "source"} {
			if _, ok := spec[f].(string); !ok {
				return &ValidationError{Kind: KindDescriptor, Field: "data_keys." + name + "." + f, Message: "required string"}
			}
		}
		if ext, present := spec["external"]; present {
			if _, ok := ext.(string); !ok {
				return &ValidationError{Kind: KindDescriptor, Field: "data_keys." + name + ".external", Message: "must be a string"}
			}
		}
	}
	return nil
}

func requireString(k Kind, doc Document, field string) error {
	s, ok := doc[field].(string)
	if !ok || s == "" {
		return &ValidationError{Kind: k, Field: field, Message: "required non-empty string"}
	}
	return nil
}

func requireNumber(k Kind, doc Document, field string) error {
	if _, ok := doc.Number(field); !ok {
		return &ValidationError{Kind: k, Field: field, Message: "required number"}
	}
	return nil
}

func requireObject(k Kind, doc Document, field string) error {
	if _, ok := doc.Object(field); !ok {
		return &ValidationError{Kind: k, Field: field, Message: "required object"}
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ExternalKeys returns the data keys of a descriptor whose values are datum
// ids, mapped to their external spec (e.g. "FILESTORE:").
func ExternalKeys(descriptor Document) map[string]string {
	out := map[string]string{}
	keys, _ := descriptor.Object("data_keys")
	for name, raw := range keys {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ext, ok := spec["external"].(string); ok && ext != "" {
			out[name] = ext
		}
	}
	return out
}
