// Package broker ties a metadata store and an asset registry together.
//
// A Broker searches runs, assembles headers (a run start with its stop and
// descriptors), streams events and fills external data keys by retrieving
// their datums through the registry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/log"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/registry"
)

// DefaultFillConcurrency bounds parallel datum retrievals in FillEager.
const DefaultFillConcurrency = 8

var (
	// ErrAmbiguous is returned when a uid prefix matches several runs.
	ErrAmbiguous = errors.New("ambiguous uid prefix")

	// ErrNoRegistry is returned when filling is requested from a broker
	// without an asset registry.
	ErrNoRegistry = errors.New("no asset registry configured")
)

// Broker serves runs from a metadata store and external data from an asset
// registry.
type Broker struct {
	store    mds.Store
	registry *registry.Registry
	loc      *time.Location
	logger   zerolog.Logger
	workers  int
}

// Option configures a Broker.
type Option func(*Broker)

// WithLocation sets the default timezone for time-range searches.
func WithLocation(loc *time.Location) Option {
	return func(b *Broker) {
		if loc != nil {
			b.loc = loc
		}
	}
}

// WithLogger sets the broker logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithFillConcurrency bounds parallel retrievals when filling eagerly.
func WithFillConcurrency(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.workers = n
		}
	}
}

// New creates a broker. reg may be nil when no data needs filling.
func New(store mds.Store, reg *registry.Registry, opts ...Option) *Broker {
	b := &Broker{
		store:    store,
		registry: reg,
		loc:      time.Local,
		logger:   zerolog.Nop(),
		workers:  DefaultFillConcurrency,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FromConfig opens the metadata store and asset registry described by cfg.
func FromConfig(ctx context.Context, cfg *config.Config) (*Broker, error) {
	logger := log.WithComponent("broker")

	loc, err := cfg.MetadataStore.Location()
	if err != nil {
		return nil, err
	}
	store, err := mds.Open(ctx, cfg.MetadataStore)
	if err != nil {
		return nil, fmt.Errorf("open metadatastore: %w", err)
	}
	reg, err := registry.FromConfig(cfg, log.WithComponent("registry"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open asset registry: %w", err)
	}

	logger.Info().
		Str("config", cfg.Path).
		Str("metadatastore", cfg.MetadataStore.Backend).
		Str("timezone", loc.String()).
		Msg("broker opened")
	return New(store, reg, WithLocation(loc), WithLogger(logger)), nil
}

// Named builds the broker of the configuration called name, searched on
// config.SearchPath.
func Named(ctx context.Context, name string) (*Broker, error) {
	cfg, err := config.Lookup(name)
	if err != nil {
		return nil, err
	}
	return FromConfig(ctx, cfg)
}

// Close closes the metadata store and the registry.
func (b *Broker) Close() error {
	var errs []error
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.registry != nil {
		errs = append(errs, b.registry.Close())
	}
	return errors.Join(errs...)
}

// Store returns the metadata store.
func (b *Broker) Store() mds.Store {
	return b.store
}

// Registry returns the asset registry, nil when none is configured.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Timezone returns the default location of time-range searches.
func (b *Broker) Timezone() *time.Location {
	return b.loc
}

// Insert routes a document to the metadata store or the asset registry
// by kind.
func (b *Broker) Insert(ctx context.Context, kind document.Kind, doc document.Document) error {
	switch kind {
	case document.KindResource, document.KindDatum:
		if b.registry == nil {
			return fmt.Errorf("insert %s: %w", kind, ErrNoRegistry)
		}
		var err error
		if kind == document.KindResource {
			_, err = b.registry.InsertResourceDoc(ctx, doc)
		} else {
			_, err = b.registry.InsertDatumDoc(ctx, doc)
		}
		return err
	default:
		return b.store.Insert(ctx, kind, doc)
	}
}
