package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/metrics"
	"github.com/roach88/databroker/internal/query"
)

const backendName = "registry"

// ResourceOption customises InsertResource.
type ResourceOption func(document.Document)

// WithRoot sets the resource root, the part of the path that the root map
// may relocate.
func WithRoot(root string) ResourceOption {
	return func(d document.Document) {
		d["root"] = root
	}
}

// WithUID sets the resource uid instead of generating one.
func WithUID(uid string) ResourceOption {
	return func(d document.Document) {
		d["uid"] = uid
	}
}

// WithPathSemantics sets "posix" (the default) or "windows".
func WithPathSemantics(semantics string) ResourceOption {
	return func(d document.Document) {
		d["path_semantics"] = semantics
	}
}

// InsertResource registers a resource and returns its document.
func (r *Registry) InsertResource(ctx context.Context, spec, resourcePath string, kwargs map[string]any, opts ...ResourceOption) (document.Document, error) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	doc := document.Document{
		"uid":             uuid.NewString(),
		"spec":            spec,
		"resource_path":   resourcePath,
		"resource_kwargs": kwargs,
		"root":            "",
		"path_semantics":  "posix",
	}
	for _, opt := range opts {
		opt(doc)
	}
	return r.InsertResourceDoc(ctx, doc)
}

// InsertResourceDoc stores a complete resource document. Re-inserting the
// same content is a no-op; different content under the same uid returns
// ErrConflict.
func (r *Registry) InsertResourceDoc(ctx context.Context, doc document.Document) (document.Document, error) {
	norm, fp, err := prepare(document.KindResource, doc)
	if err != nil {
		metrics.RecordInsert(string(document.KindResource), backendName, "rejected")
		return nil, err
	}
	uid := norm.UID()

	var dup bool
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT fingerprint FROM resources WHERE uid = ?`, uid).Scan(&existing)
		switch {
		case err == nil:
			if existing != fp {
				return fmt.Errorf("%w: resource %s already exists with different content", ErrConflict, uid)
			}
			dup = true
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check resource %s: %w", uid, err)
		}

		body, err := json.Marshal(norm)
		if err != nil {
			return fmt.Errorf("encode resource %s: %w", uid, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resources (uid, spec, root, resource_path, fingerprint, doc) VALUES (?, ?, ?, ?, ?, ?)
		`, uid, norm.String("spec"), norm.String("root"), norm.String("resource_path"), fp, string(body))
		if err != nil {
			return fmt.Errorf("insert resource %s: %w", uid, err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordInsert(string(document.KindResource), backendName, "rejected")
		return nil, err
	}
	metrics.RecordInsert(string(document.KindResource), backendName, outcome(dup))
	return norm, nil
}

// InsertDatum registers one datum of a resource. An empty datumID is
// replaced by "<resource uid>/<uuid>".
func (r *Registry) InsertDatum(ctx context.Context, resourceUID, datumID string, kwargs map[string]any) (document.Document, error) {
	if datumID == "" {
		datumID = newDatumID(resourceUID)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return r.InsertDatumDoc(ctx, document.Document{
		"datum_id":     datumID,
		"resource":     resourceUID,
		"datum_kwargs": kwargs,
	})
}

// InsertDatumDoc stores a complete datum document.
func (r *Registry) InsertDatumDoc(ctx context.Context, doc document.Document) (document.Document, error) {
	norm, fp, err := prepare(document.KindDatum, doc)
	if err != nil {
		metrics.RecordInsert(string(document.KindDatum), backendName, "rejected")
		return nil, err
	}
	var dup bool
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkResource(ctx, tx, norm.String("resource")); err != nil {
			return err
		}
		var txErr error
		dup, txErr = insertDatumTx(ctx, tx, norm, fp)
		return txErr
	})
	if err != nil {
		metrics.RecordInsert(string(document.KindDatum), backendName, "rejected")
		return nil, err
	}
	metrics.RecordInsert(string(document.KindDatum), backendName, outcome(dup))
	return norm, nil
}

// BulkInsertDatum registers one datum per kwargs entry in a single
// transaction and returns the generated ids in input order.
func (r *Registry) BulkInsertDatum(ctx context.Context, resourceUID string, kwargsList []map[string]any) ([]string, error) {
	docs := make([]document.Document, len(kwargsList))
	ids := make([]string, len(kwargsList))
	for i, kw := range kwargsList {
		if kw == nil {
			kw = map[string]any{}
		}
		ids[i] = newDatumID(resourceUID)
		docs[i] = document.Document{"datum_id": ids[i], "resource": resourceUID, "datum_kwargs": kw}
	}
	if err := r.bulkInsertDatums(ctx, resourceUID, docs); err != nil {
		return nil, err
	}
	return ids, nil
}

// BulkRegisterDatumTable registers datums from a column oriented table:
// row i takes the i-th value of every column. All columns must have the
// same length.
func (r *Registry) BulkRegisterDatumTable(ctx context.Context, resourceUID string, table map[string][]any) ([]string, error) {
	rows := -1
	for col, values := range table {
		if rows == -1 {
			rows = len(values)
			continue
		}
		if len(values) != rows {
			return nil, fmt.Errorf("datum table column %q has %d values, expected %d", col, len(values), rows)
		}
	}
	if rows < 0 {
		rows = 0
	}
	kwargsList := make([]map[string]any, rows)
	for i := range kwargsList {
		kw := make(map[string]any, len(table))
		for col, values := range table {
			kw[col] = values[i]
		}
		kwargsList[i] = kw
	}
	return r.BulkInsertDatum(ctx, resourceUID, kwargsList)
}

func (r *Registry) bulkInsertDatums(ctx context.Context, resourceUID string, docs []document.Document) error {
	type row struct {
		doc document.Document
		fp  string
	}
	rows := make([]row, 0, len(docs))
	for _, d := range docs {
		norm, fp, err := prepare(document.KindDatum, d)
		if err != nil {
			metrics.RecordInsert(string(document.KindDatum), backendName, "rejected")
			return err
		}
		rows = append(rows, row{doc: norm, fp: fp})
	}

	dups := make([]bool, 0, len(rows))
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkResource(ctx, tx, resourceUID); err != nil {
			return err
		}
		for _, rw := range rows {
			dup, err := insertDatumTx(ctx, tx, rw.doc, rw.fp)
			if err != nil {
				return err
			}
			dups = append(dups, dup)
		}
		return nil
	})
	if err != nil {
		metrics.RecordInsert(string(document.KindDatum), backendName, "rejected")
		return err
	}
	for _, dup := range dups {
		metrics.RecordInsert(string(document.KindDatum), backendName, outcome(dup))
	}
	return nil
}

func insertDatumTx(ctx context.Context, tx *sql.Tx, doc document.Document, fp string) (dup bool, err error) {
	id := doc.String("datum_id")
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT fingerprint FROM datums WHERE datum_id = ?`, id).Scan(&existing)
	switch {
	case err == nil:
		if existing != fp {
			return false, fmt.Errorf("%w: datum %s already exists with different content", ErrConflict, id)
		}
		return true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("check datum %s: %w", id, err)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode datum %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO datums (datum_id, resource, fingerprint, doc) VALUES (?, ?, ?, ?)
	`, id, doc.String("resource"), fp, string(body)); err != nil {
		return false, fmt.Errorf("insert datum %s: %w", id, err)
	}
	return false, nil
}

func checkResource(ctx context.Context, tx *sql.Tx, uid string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM resources WHERE uid = ?`, uid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	if err != nil {
		return fmt.Errorf("check resource %s: %w", uid, err)
	}
	return nil
}

// ResourceGivenDatumID returns the uid of the resource a datum belongs to.
// Ids of the form "<resource>/<suffix>" resolve without a query.
func (r *Registry) ResourceGivenDatumID(ctx context.Context, datumID string) (string, error) {
	if res, _, ok := strings.Cut(datumID, "/"); ok && res != "" {
		return res, nil
	}
	d, err := r.Datum(ctx, datumID)
	if err != nil {
		return "", err
	}
	return d.String("resource"), nil
}

// Resource returns the resource document with the given uid.
func (r *Registry) Resource(ctx context.Context, uid string) (document.Document, error) {
	return r.get(ctx, `SELECT doc FROM resources WHERE uid = ?`, uid, ErrNotFound)
}

// Datum returns the datum document with the given id.
func (r *Registry) Datum(ctx context.Context, datumID string) (document.Document, error) {
	return r.get(ctx, `SELECT doc FROM datums WHERE datum_id = ?`, datumID, ErrDatumNotFound)
}

func (r *Registry) get(ctx context.Context, stmt, id string, notFound error) (document.Document, error) {
	var body string
	err := r.db.QueryRowContext(ctx, stmt, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", notFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return document.Decode([]byte(body))
}

// DatumsByResource returns the datums of a resource ordered by datum id.
func (r *Registry) DatumsByResource(ctx context.Context, resourceUID string) ([]document.Document, error) {
	return r.Find(ctx, document.KindDatum, query.Eq{Field: "resource", Value: resourceUID})
}

// Find returns the resources or datums matching pred.
func (r *Registry) Find(ctx context.Context, kind document.Kind, pred query.Predicate) ([]document.Document, error) {
	compiler, ok := r.compilers[kind]
	if !ok {
		return nil, fmt.Errorf("asset registry does not hold %q documents", kind)
	}
	stmt, params, residual, err := compiler.Select(kind, pred)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	docs := make([]document.Document, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		doc, err := document.Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		if query.Match(doc, residual) {
			docs = append(docs, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return docs, nil
}

func prepare(kind document.Kind, doc document.Document) (document.Document, string, error) {
	if err := document.Validate(kind, doc); err != nil {
		return nil, "", err
	}
	norm := document.Normalize(doc)
	fp, err := document.Fingerprint(kind, norm)
	if err != nil {
		return nil, "", err
	}
	return norm, fp, nil
}

func newDatumID(resourceUID string) string {
	return resourceUID + "/" + uuid.NewString()
}

func outcome(dup bool) string {
	if dup {
		return "duplicate"
	}
	return "inserted"
}
