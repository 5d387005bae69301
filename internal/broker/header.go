package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/timerange"
)

// MinPrefixLength is the shortest uid prefix Get accepts.
const MinPrefixLength = 6

// Header summarises one run.
type Header struct {
	Start       document.Document   `json:"start"`
	Stop        document.Document   `json:"stop,omitempty"`
	Descriptors []document.Document `json:"descriptors"`
}

// UID returns the run start uid.
func (h *Header) UID() string {
	return h.Start.UID()
}

// ScanID returns the run's scan_id, 0 when it has none.
func (h *Header) ScanID() int64 {
	id, _ := h.Start.Int("scan_id")
	return id
}

// ExitStatus returns the stop's exit status, empty while the run is open.
func (h *Header) ExitStatus() string {
	if h.Stop == nil {
		return ""
	}
	return h.Stop.String("exit_status")
}

// Streams returns the descriptor names of the run in descriptor order.
func (h *Header) Streams() []string {
	names := make([]string, 0, len(h.Descriptors))
	for _, d := range h.Descriptors {
		if n := d.String("name"); n != "" && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names
}

func (b *Broker) header(ctx context.Context, start document.Document) (*Header, error) {
	stop, _, err := mds.RunStop(ctx, b.store, start.UID())
	if err != nil {
		return nil, fmt.Errorf("stop of run %s: %w", start.UID(), err)
	}
	descs, err := mds.Descriptors(ctx, b.store, start.UID())
	if err != nil {
		return nil, fmt.Errorf("descriptors of run %s: %w", start.UID(), err)
	}
	return &Header{Start: start, Stop: stop, Descriptors: descs}, nil
}

func (b *Broker) headers(ctx context.Context, starts []document.Document) ([]*Header, error) {
	out := make([]*Header, 0, len(starts))
	for i := len(starts) - 1; i >= 0; i-- {
		h, err := b.header(ctx, starts[i])
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Search returns the headers of runs whose start matches pred, newest
// first.
func (b *Broker) Search(ctx context.Context, pred query.Predicate) ([]*Header, error) {
	starts, err := b.store.Find(ctx, document.KindStart, pred)
	if err != nil {
		return nil, fmt.Errorf("search runs: %w", err)
	}
	return b.headers(ctx, starts)
}

// SearchRange returns the headers of runs started within tr that also
// match every extra predicate, newest first. A range without a location is
// interpreted in the broker's timezone.
func (b *Broker) SearchRange(ctx context.Context, tr timerange.TimeRange, extra ...query.Predicate) ([]*Header, error) {
	if tr.Location() == nil {
		var err error
		if tr, err = tr.Replace(timerange.WithLocation(b.loc)); err != nil {
			return nil, err
		}
	}
	preds := append([]query.Predicate{tr.Predicate()}, extra...)
	return b.Search(ctx, query.Conj(preds...))
}

// ParseKey converts a command line run key: integers select by recency or
// scan_id, anything else is a uid or uid prefix.
func ParseKey(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

// Get returns one run header. key is
//   - a negative integer: recency, -1 being the most recent run
//   - a positive integer: scan_id, the most recent run carrying it
//   - a string: a run start uid, or a unique prefix of at least
//     MinPrefixLength characters
func (b *Broker) Get(ctx context.Context, key any) (*Header, error) {
	switch k := key.(type) {
	case int:
		return b.getInt(ctx, int64(k))
	case int64:
		return b.getInt(ctx, k)
	case string:
		return b.getUID(ctx, k)
	default:
		return nil, fmt.Errorf("unsupported run key %v (%T)", key, key)
	}
}

func (b *Broker) getInt(ctx context.Context, k int64) (*Header, error) {
	switch {
	case k < 0:
		starts, err := b.store.Find(ctx, document.KindStart, query.All{})
		if err != nil {
			return nil, err
		}
		i := int64(len(starts)) + k
		if i < 0 {
			return nil, fmt.Errorf("%w: run %d (only %d runs)", mds.ErrNotFound, k, len(starts))
		}
		return b.header(ctx, starts[i])
	case k > 0:
		starts, err := b.store.Find(ctx, document.KindStart, query.Eq{Field: "scan_id", Value: k})
		if err != nil {
			return nil, err
		}
		if len(starts) == 0 {
			return nil, fmt.Errorf("%w: no run with scan_id %d", mds.ErrNotFound, k)
		}
		return b.header(ctx, starts[len(starts)-1])
	default:
		return nil, fmt.Errorf("run key 0 is neither a recency nor a scan_id")
	}
}

func (b *Broker) getUID(ctx context.Context, key string) (*Header, error) {
	start, err := b.store.Get(ctx, document.KindStart, key)
	if err == nil {
		return b.header(ctx, start)
	}
	if !errors.Is(err, mds.ErrNotFound) {
		return nil, err
	}
	if len(key) < MinPrefixLength {
		return nil, fmt.Errorf("%w: run %q (prefixes need at least %d characters)", mds.ErrNotFound, key, MinPrefixLength)
	}

	starts, err := b.store.Find(ctx, document.KindStart, query.All{})
	if err != nil {
		return nil, err
	}
	var matches []document.Document
	for _, s := range starts {
		if strings.HasPrefix(s.UID(), key) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: run %q", mds.ErrNotFound, key)
	case 1:
		return b.header(ctx, matches[0])
	default:
		return nil, fmt.Errorf("%w: %q matches %d runs", ErrAmbiguous, key, len(matches))
	}
}
