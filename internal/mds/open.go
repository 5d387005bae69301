package mds

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/databroker/internal/config"
)

// OpenFunc creates a backend from its configuration.
type OpenFunc func(ctx context.Context, cfg config.MDSConfig) (Store, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]OpenFunc{}
)

// RegisterBackend makes a backend available to Open. Registering a name
// twice replaces the earlier backend.
func RegisterBackend(name string, open OpenFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open creates the backend named by cfg.
func Open(ctx context.Context, cfg config.MDSConfig) (Store, error) {
	version := cfg.Version
	if version == 0 {
		version = 1
	}
	if err := config.CheckVersion("metadatastore", version); err != nil {
		return nil, err
	}

	backendsMu.RLock()
	open, ok := backends[cfg.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown metadatastore backend %q (available: %s)",
			cfg.Backend, strings.Join(Backends(), ", "))
	}
	return open(ctx, cfg)
}

func init() {
	RegisterBackend("memory", func(context.Context, config.MDSConfig) (Store, error) {
		return NewMemory(), nil
	})
	RegisterBackend("sqlite", func(_ context.Context, cfg config.MDSConfig) (Store, error) {
		if dir := cfg.Config.Directory; dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create metadatastore directory: %w", err)
			}
		}
		s, err := OpenSQLite(sqlitePath(cfg.Config.Directory))
		if err != nil {
			return nil, err
		}
		return s, nil
	})
	RegisterBackend("badger", func(_ context.Context, cfg config.MDSConfig) (Store, error) {
		s, err := OpenBadger(cfg.Config.Directory)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
