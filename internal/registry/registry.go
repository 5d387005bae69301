// Package registry implements the asset registry: resources (external files
// and the handler spec that reads them), datums (addressable chunks
// inside a resource) and the machinery that turns a datum id back into data.
//
// Retrieval goes through three layers. Datum documents are cached in a
// cache.Cache, resource roots are rewritten through the root map, and one
// Handler per resource is kept until the resource root or the root map
// changes.
package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/roach88/databroker/internal/cache"
	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/querysql"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty database
// 1 - resources, datums, resource_updates
const currentSchemaVersion = 1

var (
	// ErrNotFound is returned for unknown resources.
	ErrNotFound = errors.New("resource not found")

	// ErrDatumNotFound is returned for unknown datum ids.
	ErrDatumNotFound = errors.New("datum not found")

	// ErrHandlerNotFound is returned when no factory is registered for a
	// resource spec.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrHandlerExists is returned when registering a spec twice without
	// overwrite.
	ErrHandlerExists = errors.New("handler already registered")

	// ErrConflict is returned when an insert contradicts a stored document.
	ErrConflict = errors.New("conflict")
)

var tables = map[document.Kind]querysql.Table{
	document.KindResource: {
		Name: "resources",
		Columns: map[string]string{
			"uid":           "uid",
			"spec":          "spec",
			"root":          "root",
			"resource_path": "resource_path",
		},
	},
	document.KindDatum: {
		Name:    "datums",
		Columns: map[string]string{"datum_id": "datum_id", "resource": "resource"},
	},
}

// Registry is a SQLite backed asset registry.
type Registry struct {
	db        *sql.DB
	compilers map[document.Kind]*querysql.Compiler
	logger    zerolog.Logger
	now       func() time.Time

	datums    cache.Cache
	ownsCache bool

	mu        sync.RWMutex
	rootMap   map[string]string
	factories map[string]Factory
	handlers  map[string]cachedHandler

	// generation counts changes that invalidate cached handlers.
	generation uint64
}

// cachedHandler is a handler built for one resource.
type cachedHandler struct {
	spec    string
	handler Handler
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache sets the datum cache. The default is a memory cache of
// cache.DefaultMaxSize entries.
func WithCache(c cache.Cache) Option {
	return func(r *Registry) {
		r.datums = c
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRootMap sets the initial root map.
func WithRootMap(m map[string]string) Option {
	return func(r *Registry) {
		r.rootMap = maps.Clone(m)
	}
}

// WithClock sets the clock used to stamp root updates.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Open creates or opens the registry database at path (":memory:" or empty
// for a private in-memory database). The built-in handlers are registered
// under their own names.
func Open(path string, opts ...Option) (*Registry, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}
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

	r := &Registry{
		db:        db,
		compilers: make(map[document.Kind]*querysql.Compiler, len(tables)),
		logger:    zerolog.Nop(),
		now:       time.Now,
		rootMap:   map[string]string{},
		factories: map[string]Factory{},
		handlers:  map[string]cachedHandler{},
	}
	for kind, t := range tables {
		r.compilers[kind] = querysql.NewCompiler(t)
	}
	for name, f := range builtins {
		r.factories[name] = f
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.datums == nil {
		r.datums = cache.NewMemoryCache(cache.DefaultMaxSize, 0)
	}
	return r, nil
}

// FromConfig opens the registry described by cfg: its database, datum
// cache, root map and handler aliases.
func FromConfig(cfg *config.Config, logger zerolog.Logger) (*Registry, error) {
	if err := config.CheckVersion("assets", cfg.Assets.Version); err != nil {
		return nil, err
	}
	if cfg.Assets.Backend != "" && cfg.Assets.Backend != "sqlite" {
		return nil, fmt.Errorf("unknown assets backend %q (available: sqlite)", cfg.Assets.Backend)
	}

	path := cfg.Assets.Config.DBPath
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}

	datums, err := cache.New(cfg.Cache.Options(), logger)
	if err != nil {
		return nil, fmt.Errorf("datum cache: %w", err)
	}

	r, err := Open(path, WithCache(datums), WithLogger(logger), WithRootMap(cfg.RootMap))
	if err != nil {
		closeCache(datums)
		return nil, err
	}
	r.ownsCache = true

	for spec, name := range cfg.Handlers {
		f, ok := builtins[name]
		if !ok {
			r.Close()
			return nil, fmt.Errorf("handlers[%q]: %w: no built-in handler named %q", spec, ErrHandlerNotFound, name)
		}
		if err := r.RegisterHandler(spec, f, true); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// Close releases the database and, when the registry created it, the
// datum cache.
func (r *Registry) Close() error {
	if r.ownsCache {
		closeCache(r.datums)
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func closeCache(c cache.Cache) {
	if closer, ok := c.(io.Closer); ok {
		_ = closer.Close()
	}
}

// SetRootMap replaces the root map. Cached handlers are dropped so the next
// retrieval opens files at their new location.
func (r *Registry) SetRootMap(m map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rootMap = maps.Clone(m)
	if r.rootMap == nil {
		r.rootMap = map[string]string{}
	}
	clear(r.handlers)
	r.generation++
	r.logger.Info().Int("entries", len(m)).Msg("root map replaced")
}

// RootMap returns a copy of the current root map.
func (r *Registry) RootMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.rootMap)
}

// CacheStats reports the datum cache counters.
func (r *Registry) CacheStats() cache.CacheStats {
	return r.datums.Stats()
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

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("registry schema version %d is newer than this databroker supports (%d); upgrade databroker to open it",
			version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (r *Registry) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
