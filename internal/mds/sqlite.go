package mds

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/metrics"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty database
// 1 - initial schema (run_starts, run_stops, event_descriptors, events)
// 2 - index on events(descriptor, time)
const currentSchemaVersion = 2

// sqliteFile is the database file name inside the configured directory.
const sqliteFile = "metadatastore.sqlite"

func sqlitePath(dir string) string {
	if dir == "" {
		return ":memory:"
	}
	return filepath.Join(dir, sqliteFile)
}

var sqliteTables = map[document.Kind]querysql.Table{
	document.KindStart: {
		Name:    "run_starts",
		Columns: map[string]string{"uid": "uid", "time": "time"},
		Numeric: map[string]bool{"time": true},
	},
	document.KindStop: {
		Name:    "run_stops",
		Columns: map[string]string{"uid": "uid", "time": "time", "run_start": "run_start"},
		Numeric: map[string]bool{"time": true},
	},
	document.KindDescriptor: {
		Name:    "event_descriptors",
		Columns: map[string]string{"uid": "uid", "time": "time", "run_start": "run_start"},
		Numeric: map[string]bool{"time": true},
	},
	document.KindEvent: {
		Name:    "events",
		Columns: map[string]string{"uid": "uid", "time": "time", "descriptor": "descriptor", "seq_num": "seq_num"},
		Numeric: map[string]bool{"time": true, "seq_num": true},
	},
}

// SQLite is a Store backed by a SQLite database.
type SQLite struct {
	db        *sql.DB
	compilers map[document.Kind]*querysql.Compiler
}

// OpenSQLite creates or opens the database at path (":memory:" for a
// private in-memory database) and applies pragmas and migrations.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - foreign key enforcement
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps a ":memory:" database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{db: db, compilers: make(map[document.Kind]*querysql.Compiler)}
	for kind, table := range sqliteTables {
		s.compilers[kind] = querysql.NewCompiler(table)
	}
	return s, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates missing tables and runs migrations. It refuses a
// database written by a newer release.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than this databroker supports (%d); upgrade databroker to open it",
			version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV2 adds the index used to read a descriptor's events in time
// order. CREATE INDEX IF NOT EXISTS is a no-op on databases that have it.
func migrateToV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_descriptor_time
		ON events(descriptor, time)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

// Insert implements Store.
func (s *SQLite) Insert(ctx context.Context, kind document.Kind, doc document.Document) error {
	return s.BulkInsert(ctx, kind, []document.Document{doc})
}

// BulkInsert implements BulkInserter. All documents are written in one
// transaction.
func (s *SQLite) BulkInsert(ctx context.Context, kind document.Kind, docs []document.Document) error {
	ps := make([]*prepared, 0, len(docs))
	for _, doc := range docs {
		p, err := prepare(kind, doc)
		if err != nil {
			metrics.RecordInsert(string(kind), "sqlite", "rejected")
			return err
		}
		ps = append(ps, p)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	outcomes := make([]string, 0, len(ps))
	for _, p := range ps {
		dup, err := s.insertTx(ctx, tx, p)
		if err != nil {
			metrics.RecordInsert(string(kind), "sqlite", "rejected")
			return err
		}
		outcomes = append(outcomes, outcome(dup, nil))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, o := range outcomes {
		metrics.RecordInsert(string(kind), "sqlite", o)
	}
	return nil
}

func (s *SQLite) insertTx(ctx context.Context, tx *sql.Tx, p *prepared) (dup bool, err error) {
	table := sqliteTables[p.kind].Name

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT fingerprint FROM `+table+` WHERE uid = ?`, p.uid).Scan(&existing)
	switch {
	case err == nil:
		if existing == p.fingerprint {
			return true, nil
		}
		return false, conflictf("%s %s already exists with different content", p.kind, p.uid)
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("check %s %s: %w", p.kind, p.uid, err)
	}

	if parentKind, parentUID, ok := p.parent(); ok {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+sqliteTables[parentKind].Name+` WHERE uid = ?`, parentUID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFoundf("%s %s references unknown %s %s", p.kind, p.uid, parentKind, parentUID)
		}
		if err != nil {
			return false, fmt.Errorf("check %s %s: %w", parentKind, parentUID, err)
		}
	}

	body, err := json.Marshal(p.doc)
	if err != nil {
		return false, fmt.Errorf("encode %s %s: %w", p.kind, p.uid, err)
	}
	ts, _ := p.doc.Number("time")

	switch p.kind {
	case document.KindStart:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_starts (uid, time, fingerprint, doc) VALUES (?, ?, ?, ?)
		`, p.uid, ts, p.fingerprint, string(body))

	case document.KindStop:
		run := p.doc.String("run_start")
		var other string
		lookupErr := tx.QueryRowContext(ctx, `SELECT uid FROM run_stops WHERE run_start = ?`, run).Scan(&other)
		if lookupErr == nil {
			return false, conflictf("run %s already has stop %s", run, other)
		}
		if !errors.Is(lookupErr, sql.ErrNoRows) {
			return false, fmt.Errorf("check stop for %s: %w", run, lookupErr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_stops (uid, time, run_start, fingerprint, doc) VALUES (?, ?, ?, ?, ?)
		`, p.uid, ts, run, p.fingerprint, string(body))

	case document.KindDescriptor:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO event_descriptors (uid, time, run_start, fingerprint, doc) VALUES (?, ?, ?, ?, ?)
		`, p.uid, ts, p.doc.String("run_start"), p.fingerprint, string(body))

	case document.KindEvent:
		desc := p.doc.String("descriptor")
		seq, _ := p.doc.Int("seq_num")
		var other string
		lookupErr := tx.QueryRowContext(ctx, `SELECT uid FROM events WHERE descriptor = ? AND seq_num = ?`, desc, seq).Scan(&other)
		if lookupErr == nil {
			return false, conflictf("descriptor %s already has seq_num %d (event %s)", desc, seq, other)
		}
		if !errors.Is(lookupErr, sql.ErrNoRows) {
			return false, fmt.Errorf("check seq_num for %s: %w", desc, lookupErr)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (uid, time, descriptor, seq_num, fingerprint, doc) VALUES (?, ?, ?, ?, ?, ?)
		`, p.uid, ts, desc, seq, p.fingerprint, string(body))
	}
	if err != nil {
		return false, fmt.Errorf("insert %s %s: %w", p.kind, p.uid, err)
	}
	return false, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, kind document.Kind, uid string) (document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM `+sqliteTables[kind].Name+` WHERE uid = ?`, uid).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundf("%s %s", kind, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, uid, err)
	}
	return document.Decode([]byte(body))
}

// Find implements Store. The predicate is compiled to SQL; parts SQLite
// cannot express are applied to the returned rows.
func (s *SQLite) Find(ctx context.Context, kind document.Kind, pred query.Predicate) ([]document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	stmt, params, residual, err := s.compilers[kind].Select(kind, pred)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, params...)
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
