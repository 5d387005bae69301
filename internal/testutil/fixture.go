// Package testutil builds deterministic run fixtures for tests.
package testutil

import (
	"context"
	"fmt"

	"github.com/roach88/databroker/internal/document"
)

// Inserter is satisfied by metadata stores and brokers.
type Inserter interface {
	Insert(ctx context.Context, kind document.Kind, doc document.Document) error
}

// Entry is one document of a fixture together with its kind.
type Entry struct {
	Kind document.Kind
	Doc  document.Document
}

// Run is a complete set of documents for one run.
type Run struct {
	Start       document.Document
	Descriptors []document.Document
	Events      []document.Document
	Stop        document.Document // nil for an open run
}

// Entries returns the documents in insertion order: start, descriptors,
// events, stop.
func (r *Run) Entries() []Entry {
	out := []Entry{{document.KindStart, r.Start}}
	for _, d := range r.Descriptors {
		out = append(out, Entry{document.KindDescriptor, d})
	}
	for _, e := range r.Events {
		out = append(out, Entry{document.KindEvent, e})
	}
	if r.Stop != nil {
		out = append(out, Entry{document.KindStop, r.Stop})
	}
	return out
}

// Insert writes every document of the run to s.
func (r *Run) Insert(ctx context.Context, s Inserter) error {
	for _, e := range r.Entries() {
		if err := s.Insert(ctx, e.Kind, e.Doc); err != nil {
			return fmt.Errorf("insert %s %s: %w", e.Kind, e.Doc.ID(e.Kind), err)
		}
	}
	return nil
}

// Builder creates runs whose uids and times are reproducible.
type Builder struct {
	Clock *DeterministicClock
	UIDs  *SequentialUIDs
}

// NewBuilder creates a builder whose clock starts at start epoch seconds.
func NewBuilder(prefix string, start float64) *Builder {
	return &Builder{
		Clock: NewDeterministicClock(start, 1),
		UIDs:  NewSequentialUIDs(prefix),
	}
}

// RunOption customises a built run.
type RunOption func(*runSpec)

type stream struct {
	name   string
	events int
}

type runSpec struct {
	open       bool
	exitStatus string
	start      map[string]any
	streams    []stream
	external   map[string]func(seq int64) string
}

// Open leaves the run without a stop document.
func Open() RunOption {
	return func(s *runSpec) { s.open = true }
}

// ExitStatus sets the stop document's exit status.
func ExitStatus(status string) RunOption {
	return func(s *runSpec) { s.exitStatus = status }
}

// StartFields merges fields into the start document.
func StartFields(fields map[string]any) RunOption {
	return func(s *runSpec) {
		for k, v := range fields {
			s.start[k] = v
		}
	}
}

// Stream adds a further descriptor named name with its own events.
func Stream(name string, events int) RunOption {
	return func(s *runSpec) { s.streams = append(s.streams, stream{name, events}) }
}

// External adds data key key to every stream. The key is marked external
// and each event carries the datum id returned by datumID.
func External(key string, datumID func(seq int64) string) RunOption {
	return func(s *runSpec) { s.external[key] = datumID }
}

// Run builds a run with scan_id scanID and a "primary" stream of events
// events. Event data has keys "x" (the seq_num) and "det" (seq_num*10).
func (b *Builder) Run(scanID int64, events int, opts ...RunOption) *Run {
	spec := &runSpec{
		exitStatus: "success",
		start:      map[string]any{},
		streams:    []stream{{"primary", events}},
		external:   map[string]func(int64) string{},
	}
	for _, opt := range opts {
		opt(spec)
	}

	start := document.Document{
		"uid":       b.UIDs.Next(),
		"time":      b.Clock.Next(),
		"scan_id":   scanID,
		"plan_name": "count",
	}
	for k, v := range spec.start {
		start[k] = v
	}
	run := &Run{Start: start}

	for _, st := range spec.streams {
		dataKeys := map[string]any{
			"x":   map[string]any{"dtype": "number", "source": "PV:x", "shape": []any{}},
			"det": map[string]any{"dtype": "number", "source": "PV:det", "shape": []any{}},
		}
		for key := range spec.external {
			dataKeys[key] = map[string]any{"dtype": "array", "source": "DET:" + key, "shape": []any{}, "external": "FILESTORE:"}
		}
		desc := document.Document{
			"uid":       b.UIDs.Next(),
			"time":      b.Clock.Next(),
			"run_start": start.UID(),
			"name":      st.name,
			"data_keys": dataKeys,
		}
		run.Descriptors = append(run.Descriptors, desc)

		for i := 1; i <= st.events; i++ {
			seq := int64(i)
			ts := b.Clock.Next()
			data := map[string]any{"x": seq, "det": seq * 10}
			stamps := map[string]any{"x": ts, "det": ts}
			for key, datumID := range spec.external {
				data[key] = datumID(seq)
				stamps[key] = ts
			}
			run.Events = append(run.Events, document.Document{
				"uid":        b.UIDs.Next(),
				"time":       ts,
				"descriptor": desc.UID(),
				"seq_num":    seq,
				"data":       data,
				"timestamps": stamps,
			})
		}
	}

	if !spec.open {
		run.Stop = document.Document{
			"uid":         b.UIDs.Next(),
			"time":        b.Clock.Next(),
			"run_start":   start.UID(),
			"exit_status": spec.exitStatus,
		}
	}
	return run
}
