package mds

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/query"
)

var (
	// ErrNotFound is returned for unknown uids and missing parent documents.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert contradicts stored documents.
	ErrConflict = errors.New("conflict")
)

// Store is a metadata store backend.
type Store interface {
	// Insert validates and stores doc. Identical re-inserts are no-ops.
	Insert(ctx context.Context, kind document.Kind, doc document.Document) error

	// Get returns the document of kind with the given uid.
	Get(ctx context.Context, kind document.Kind, uid string) (document.Document, error)

	// Find returns every document of kind matching pred, in deterministic
	// order. The result is never nil.
	Find(ctx context.Context, kind document.Kind, pred query.Predicate) ([]document.Document, error)

	// Close releases the backend's resources.
	Close() error
}

// BulkInserter is implemented by backends that can insert many documents
// atomically.
type BulkInserter interface {
	BulkInsert(ctx context.Context, kind document.Kind, docs []document.Document) error
}

// BulkInsert inserts docs, atomically when the backend supports it.
func BulkInsert(ctx context.Context, s Store, kind document.Kind, docs []document.Document) error {
	if b, ok := s.(BulkInserter); ok {
		return b.BulkInsert(ctx, kind, docs)
	}
	for i, doc := range docs {
		if err := s.Insert(ctx, kind, doc); err != nil {
			return fmt.Errorf("bulk insert [%d]: %w", i, err)
		}
	}
	return nil
}

// RunStop returns the stop document of a run. ok is false while the run is
// still open.
func RunStop(ctx context.Context, s Store, startUID string) (doc document.Document, ok bool, err error) {
	stops, err := s.Find(ctx, document.KindStop, query.Eq{Field: "run_start", Value: startUID})
	if err != nil {
		return nil, false, err
	}
	if len(stops) == 0 {
		return nil, false, nil
	}
	return stops[0], true, nil
}

// Descriptors returns the descriptors of a run, oldest first.
func Descriptors(ctx context.Context, s Store, startUID string) ([]document.Document, error) {
	return s.Find(ctx, document.KindDescriptor, query.Eq{Field: "run_start", Value: startUID})
}

// Events returns the events of a descriptor ordered by seq_num.
func Events(ctx context.Context, s Store, descriptorUID string) ([]document.Document, error) {
	return s.Find(ctx, document.KindEvent, query.Eq{Field: "descriptor", Value: descriptorUID})
}

func checkKind(kind document.Kind) error {
	if !kind.IsRunKind() {
		return fmt.Errorf("metadata store does not hold %q documents", kind)
	}
	return nil
}

// prepared is a validated, normalised document ready to be written.
type prepared struct {
	kind        document.Kind
	doc         document.Document
	uid         string
	fingerprint string
}

func prepare(kind document.Kind, doc document.Document) (*prepared, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if err := document.Validate(kind, doc); err != nil {
		return nil, err
	}
	norm := document.Normalize(doc)
	fp, err := document.Fingerprint(kind, norm)
	if err != nil {
		return nil, err
	}
	return &prepared{kind: kind, doc: norm, uid: norm.UID(), fingerprint: fp}, nil
}

// parent returns the kind and uid a document must reference, if any.
func (p *prepared) parent() (document.Kind, string, bool) {
	switch p.kind {
	case document.KindStop, document.KindDescriptor:
		return document.KindStart, p.doc.String("run_start"), true
	case document.KindEvent:
		return document.KindDescriptor, p.doc.String("descriptor"), true
	}
	return "", "", false
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
