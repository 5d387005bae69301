package broker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/lazymap"
	"github.com/roach88/databroker/internal/mds"
)

// DefaultStream is the descriptor name events are read from by default.
const DefaultStream = "primary"

// FillMode selects how external data keys are resolved.
type FillMode int

const (
	// FillNone leaves datum ids in place.
	FillNone FillMode = iota
	// FillEager retrieves every external value before returning.
	FillEager
	// FillLazy retrieves each external value on first access.
	FillLazy
)

var fillModeNames = []string{"none", "eager", "lazy"}

func (m FillMode) String() string {
	if int(m) < len(fillModeNames) {
		return fillModeNames[m]
	}
	return fmt.Sprintf("FillMode(%d)", int(m))
}

// ParseFillMode parses "none", "eager" or "lazy".
func ParseFillMode(s string) (FillMode, error) {
	i := slices.Index(fillModeNames, strings.ToLower(s))
	if i < 0 {
		return 0, fmt.Errorf("unknown fill mode %q (expected one of %s)", s, strings.Join(fillModeNames, ", "))
	}
	return FillMode(i), nil
}

// EventsOptions controls Events and Table.
type EventsOptions struct {
	// Stream selects descriptors by name. Empty selects every stream.
	Stream string
	// Fields projects event data onto these keys. Empty keeps all keys.
	Fields []string
	// Fill resolves external keys.
	Fill FillMode
}

// DefaultEventsOptions reads the primary stream without filling.
func DefaultEventsOptions() EventsOptions {
	return EventsOptions{Stream: DefaultStream}
}

// Event is an event document whose data may be filled.
type Event struct {
	UID        string                    `json:"uid"`
	Descriptor string                    `json:"descriptor"`
	Stream     string                    `json:"stream,omitempty"`
	SeqNum     int64                     `json:"seq_num"`
	Time       float64                   `json:"time"`
	Data       *lazymap.Map[string, any] `json:"data"`
	Timestamps map[string]any            `json:"timestamps"`
	Filled     map[string]bool           `json:"filled,omitempty"`

	values map[string]any
}

// Value returns one data value, loading it if it is filled lazily.
func (e *Event) Value(key string) (any, bool, error) {
	return e.Data.Get(key)
}

// Events returns the events of h's selected streams ordered by descriptor
// time, then seq_num.
func (b *Broker) Events(ctx context.Context, h *Header, opts EventsOptions) ([]*Event, error) {
	if opts.Fill != FillNone && b.registry == nil {
		return nil, fmt.Errorf("fill %s: %w", opts.Fill, ErrNoRegistry)
	}

	var out []*Event
	var pending []fillJob
	for _, desc := range h.Descriptors {
		name := desc.String("name")
		if opts.Stream != "" && name != opts.Stream {
			continue
		}
		docs, err := mds.Events(ctx, b.store, desc.UID())
		if err != nil {
			return nil, fmt.Errorf("events of descriptor %s: %w", desc.UID(), err)
		}
		external := document.ExternalKeys(desc)
		for _, doc := range docs {
			ev, jobs := b.buildEvent(ctx, doc, name, external, opts)
			out = append(out, ev)
			pending = append(pending, jobs...)
		}
	}
	if out == nil {
		out = []*Event{}
	}

	if opts.Fill == FillEager {
		if err := b.fillEager(ctx, pending); err != nil {
			return nil, err
		}
		for _, ev := range out {
			ev.Data = lazymap.FromValues(ev.values)
		}
	}
	return out, nil
}

// fillJob is one external value to retrieve into values[key].
type fillJob struct {
	datumID string
	key     string
	values  map[string]any
	mu      *sync.Mutex
}

func (b *Broker) buildEvent(ctx context.Context, doc document.Document, stream string, external map[string]string, opts EventsOptions) (*Event, []fillJob) {
	data, _ := doc.Object("data")
	stamps, _ := doc.Object("timestamps")
	seq, _ := doc.Int("seq_num")
	ts, _ := doc.Number("time")

	values := project(data, opts.Fields)
	ev := &Event{
		UID:        doc.UID(),
		Descriptor: doc.String("descriptor"),
		Stream:     stream,
		SeqNum:     seq,
		Time:       ts,
		Timestamps: project(stamps, opts.Fields),
		Filled:     map[string]bool{},
		values:     values,
	}

	var jobs []fillJob
	switch opts.Fill {
	case FillNone:
		ev.Data = lazymap.FromValues(values)
		for key := range external {
			if _, ok := values[key]; ok {
				ev.Filled[key] = false
			}
		}
	case FillEager:
		mu := &sync.Mutex{}
		for key := range external {
			id, ok := values[key].(string)
			if !ok {
				continue
			}
			jobs = append(jobs, fillJob{datumID: id, key: key, values: values, mu: mu})
			ev.Filled[key] = true
		}
	case FillLazy:
		// Deferred loads outlive the request context.
		lctx := context.WithoutCancel(ctx)
		loaders := make(map[string]lazymap.Loader[any], len(values))
		for key, v := range values {
			id, isDatum := v.(string)
			if _, ext := external[key]; ext && isDatum {
				ev.Filled[key] = true
				loaders[key] = func() (any, error) {
					return b.registry.Retrieve(lctx, id)
				}
				continue
			}
			loaders[key] = func() (any, error) { return v, nil }
		}
		ev.Data = lazymap.New(loaders)
	}
	return ev, jobs
}

func (b *Broker) fillEager(ctx context.Context, jobs []fillJob) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for _, job := range jobs {
		g.Go(func() error {
			v, err := b.registry.Retrieve(gctx, job.datumID)
			if err != nil {
				return fmt.Errorf("fill %s: %w", job.key, err)
			}
			job.mu.Lock()
			job.values[job.key] = v
			job.mu.Unlock()
			return nil
		})
	}
	start := time.Now()
	if err := g.Wait(); err != nil {
		return err
	}
	b.logger.Debug().
		Int("values", len(jobs)).
		Int("workers", b.workers).
		Dur("duration", time.Since(start)).
		Msg("events filled")
	return nil
}

// project copies m keeping only fields, or every key when fields is empty.
func project(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if len(fields) == 0 || slices.Contains(fields, k) {
			out[k] = v
		}
	}
	return out
}
