package mds

import (
	"context"
	"sync"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/metrics"
	"github.com/roach88/databroker/internal/query"
)

type memoryEntry struct {
	doc         document.Document
	fingerprint string
}

// Memory is an in-process Store guarded by a mutex. It is the default
// backend and the reference the other backends are tested against.
type Memory struct {
	mu     sync.RWMutex
	docs   map[document.Kind]map[string]memoryEntry
	stops  map[string]string           // run_start -> stop uid
	seqNum map[string]map[int64]string // descriptor -> seq_num -> event uid
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{
		docs:   make(map[document.Kind]map[string]memoryEntry),
		stops:  make(map[string]string),
		seqNum: make(map[string]map[int64]string),
	}
	for _, k := range document.RunKinds {
		m.docs[k] = make(map[string]memoryEntry)
	}
	return m
}

// Insert implements Store.
func (m *Memory) Insert(_ context.Context, kind document.Kind, doc document.Document) error {
	p, err := prepare(kind, doc)
	if err != nil {
		metrics.RecordInsert(string(kind), "memory", "rejected")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dup, err := m.insertLocked(p)
	metrics.RecordInsert(string(kind), "memory", outcome(dup, err))
	return err
}

// BulkInsert implements BulkInserter. Either every document is stored or
// none is.
func (m *Memory) BulkInsert(_ context.Context, kind document.Kind, docs []document.Document) error {
	ps := make([]*prepared, 0, len(docs))
	for _, doc := range docs {
		p, err := prepare(kind, doc)
		if err != nil {
			return err
		}
		ps = append(ps, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted []*prepared
	for _, p := range ps {
		dup, err := m.insertLocked(p)
		if err != nil {
			for _, done := range inserted {
				m.removeLocked(done)
			}
			return err
		}
		if !dup {
			inserted = append(inserted, p)
		}
	}
	for range inserted {
		metrics.RecordInsert(string(kind), "memory", "inserted")
	}
	return nil
}

// insertLocked applies the insert rules. dup reports an identical
// re-insert.
func (m *Memory) insertLocked(p *prepared) (dup bool, err error) {
	if existing, ok := m.docs[p.kind][p.uid]; ok {
		if existing.fingerprint == p.fingerprint {
			return true, nil
		}
		return false, conflictf("%s %s already exists with different content", p.kind, p.uid)
	}
	if parentKind, parentUID, ok := p.parent(); ok {
		if _, found := m.docs[parentKind][parentUID]; !found {
			return false, notFoundf("%s %s references unknown %s %s", p.kind, p.uid, parentKind, parentUID)
		}
	}

	switch p.kind {
	case document.KindStop:
		run := p.doc.String("run_start")
		if other, ok := m.stops[run]; ok {
			return false, conflictf("run %s already has stop %s", run, other)
		}
		m.stops[run] = p.uid
	case document.KindEvent:
		desc := p.doc.String("descriptor")
		seq, _ := p.doc.Int("seq_num")
		if other, ok := m.seqNum[desc][seq]; ok {
			return false, conflictf("descriptor %s already has seq_num %d (event %s)", desc, seq, other)
		}
		if m.seqNum[desc] == nil {
			m.seqNum[desc] = make(map[int64]string)
		}
		m.seqNum[desc][seq] = p.uid
	}

	m.docs[p.kind][p.uid] = memoryEntry{doc: p.doc, fingerprint: p.fingerprint}
	return false, nil
}

func (m *Memory) removeLocked(p *prepared) {
	delete(m.docs[p.kind], p.uid)
	switch p.kind {
	case document.KindStop:
		delete(m.stops, p.doc.String("run_start"))
	case document.KindEvent:
		seq, _ := p.doc.Int("seq_num")
		delete(m.seqNum[p.doc.String("descriptor")], seq)
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, kind document.Kind, uid string) (document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.docs[kind][uid]
	if !ok {
		return nil, notFoundf("%s %s", kind, uid)
	}
	return e.doc.Clone(), nil
}

// Find implements Store.
func (m *Memory) Find(_ context.Context, kind document.Kind, pred query.Predicate) ([]document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if err := query.Validate(pred); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]document.Document, 0)
	for _, e := range m.docs[kind] {
		if query.Match(e.doc, pred) {
			out = append(out, e.doc.Clone())
		}
	}
	query.SortDocuments(kind, out)
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func outcome(dup bool, err error) string {
	switch {
	case err != nil:
		return "rejected"
	case dup:
		return "duplicate"
	default:
		return "inserted"
	}
}
