package mds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/metrics"
	"github.com/roach88/databroker/internal/query"
)

// Key layout. Components are joined with a NUL byte so uids may contain any
// printable character.
//
//	doc  <kind> <uid>               -> badgerRecord (JSON)
//	stop <run_start>                -> stop uid
//	seq  <descriptor> <seq_num>     -> event uid
//	ref  <kind> <parent uid> <uid>  -> (empty) children of a start/descriptor
const sep = "\x00"

func docKey(kind document.Kind, uid string) []byte {
	return []byte("doc" + sep + string(kind) + sep + uid)
}

func docPrefix(kind document.Kind) []byte {
	return []byte("doc" + sep + string(kind) + sep)
}

func stopKey(runStart string) []byte {
	return []byte("stop" + sep + runStart)
}

func seqKey(descriptor string, seq int64) []byte {
	return []byte(fmt.Sprintf("seq%s%s%s%020d", sep, descriptor, sep, seq))
}

func refPrefix(kind document.Kind, parent string) []byte {
	return []byte("ref" + sep + string(kind) + sep + parent + sep)
}

type badgerRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Doc         json.RawMessage `json:"doc"`
}

// maxTxnRetries bounds retries of transactions aborted by badger's
// optimistic concurrency control.
const maxTxnRetries = 10

// Badger is a Store backed by an embedded badger key-value database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens the database in dir. An empty dir keeps the data in
// memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

// Close implements Store.
func (b *Badger) Close() error { return b.db.Close() }

// Insert implements Store.
func (b *Badger) Insert(ctx context.Context, kind document.Kind, doc document.Document) error {
	return b.BulkInsert(ctx, kind, []document.Document{doc})
}

// BulkInsert implements BulkInserter. All documents are written in one
// transaction.
func (b *Badger) BulkInsert(ctx context.Context, kind document.Kind, docs []document.Document) error {
	ps := make([]*prepared, 0, len(docs))
	for _, doc := range docs {
		p, err := prepare(kind, doc)
		if err != nil {
			metrics.RecordInsert(string(kind), "badger", "rejected")
			return err
		}
		ps = append(ps, p)
	}

	var outcomes []string
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcomes = outcomes[:0]
		err = b.db.Update(func(txn *badger.Txn) error {
			for _, p := range ps {
				dup, err := b.insertTxn(txn, p)
				if err != nil {
					return err
				}
				outcomes = append(outcomes, outcome(dup, nil))
			}
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		metrics.RecordInsert(string(kind), "badger", "rejected")
		return err
	}
	for _, o := range outcomes {
		metrics.RecordInsert(string(kind), "badger", o)
	}
	return nil
}

func (b *Badger) insertTxn(txn *badger.Txn, p *prepared) (dup bool, err error) {
	existing, err := readRecord(txn, docKey(p.kind, p.uid))
	switch {
	case err == nil:
		if existing.Fingerprint == p.fingerprint {
			return true, nil
		}
		return false, conflictf("%s %s already exists with different content", p.kind, p.uid)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return false, fmt.Errorf("check %s %s: %w", p.kind, p.uid, err)
	}

	if parentKind, parentUID, ok := p.parent(); ok {
		if _, err := txn.Get(docKey(parentKind, parentUID)); errors.Is(err, badger.ErrKeyNotFound) {
			return false, notFoundf("%s %s references unknown %s %s", p.kind, p.uid, parentKind, parentUID)
		} else if err != nil {
			return false, fmt.Errorf("check %s %s: %w", parentKind, parentUID, err)
		}
		ref := append(refPrefix(p.kind, parentUID), p.uid...)
		if err := txn.Set(ref, nil); err != nil {
			return false, err
		}
	}

	switch p.kind {
	case document.KindStop:
		run := p.doc.String("run_start")
		if other, err := readString(txn, stopKey(run)); err == nil {
			return false, conflictf("run %s already has stop %s", run, other)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return false, err
		}
		if err := txn.Set(stopKey(run), []byte(p.uid)); err != nil {
			return false, err
		}
	case document.KindEvent:
		desc := p.doc.String("descriptor")
		seq, _ := p.doc.Int("seq_num")
		if other, err := readString(txn, seqKey(desc, seq)); err == nil {
			return false, conflictf("descriptor %s already has seq_num %d (event %s)", desc, seq, other)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return false, err
		}
		if err := txn.Set(seqKey(desc, seq), []byte(p.uid)); err != nil {
			return false, err
		}
	}

	body, err := json.Marshal(p.doc)
	if err != nil {
		return false, fmt.Errorf("encode %s %s: %w", p.kind, p.uid, err)
	}
	rec, err := json.Marshal(badgerRecord{Fingerprint: p.fingerprint, Doc: body})
	if err != nil {
		return false, err
	}
	return false, txn.Set(docKey(p.kind, p.uid), rec)
}

func readRecord(txn *badger.Txn, key []byte) (badgerRecord, error) {
	var rec badgerRecord
	item, err := txn.Get(key)
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func readString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

// Get implements Store.
func (b *Badger) Get(_ context.Context, kind document.Kind, uid string) (document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var doc document.Document
	err := b.db.View(func(txn *badger.Txn) error {
		rec, err := readRecord(txn, docKey(kind, uid))
		if err != nil {
			return err
		}
		doc, err = document.Decode(rec.Doc)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFoundf("%s %s", kind, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, uid, err)
	}
	return doc, nil
}

// Find implements Store. Lookups by parent (descriptors or stops of a run,
// events of a descriptor) scan the reference index; everything else scans
// the documents of kind.
func (b *Badger) Find(_ context.Context, kind document.Kind, pred query.Predicate) ([]document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if err := query.Validate(pred); err != nil {
		return nil, err
	}

	docs := make([]document.Document, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		if parent, ok := parentFilter(kind, pred); ok {
			return b.scanRefs(txn, kind, parent, pred, &docs)
		}
		return b.scanDocs(txn, kind, pred, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", kind, err)
	}
	query.SortDocuments(kind, docs)
	return docs, nil
}

func (b *Badger) scanDocs(txn *badger.Txn, kind document.Kind, pred query.Predicate, out *[]document.Document) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = docPrefix(kind)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var rec badgerRecord
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		doc, err := document.Decode(rec.Doc)
		if err != nil {
			return err
		}
		if query.Match(doc, pred) {
			*out = append(*out, doc)
		}
	}
	return nil
}

func (b *Badger) scanRefs(txn *badger.Txn, kind document.Kind, parent string, pred query.Predicate, out *[]document.Document) error {
	prefix := refPrefix(kind, parent)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		uid := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
		rec, err := readRecord(txn, docKey(kind, uid))
		if err != nil {
			return err
		}
		doc, err := document.Decode(rec.Doc)
		if err != nil {
			return err
		}
		if query.Match(doc, pred) {
			*out = append(*out, doc)
		}
	}
	return nil
}

// parentFilter extracts a top-level equality on the parent reference of
// kind from pred.
func parentFilter(kind document.Kind, pred query.Predicate) (string, bool) {
	field := ""
	switch kind {
	case document.KindStop, document.KindDescriptor:
		field = "run_start"
	case document.KindEvent:
		field = "descriptor"
	default:
		return "", false
	}

	preds := []query.Predicate{pred}
	if and, ok := pred.(query.And); ok {
		preds = and.Predicates
	}
	for _, p := range preds {
		if eq, ok := p.(query.Eq); ok && eq.Field == field {
			if s, ok := eq.Value.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
