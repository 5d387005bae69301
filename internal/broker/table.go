package broker

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/mds"
)

// Table is event data in column form. Every column has one value per
// event; events lacking a key hold nil.
type Table struct {
	Columns []string         `json:"columns"`
	Data    map[string][]any `json:"data"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Data["seq_num"])
}

// Table returns the selected events as columns seq_num, time and the data
// keys in sorted order.
func (b *Broker) Table(ctx context.Context, h *Header, opts EventsOptions) (*Table, error) {
	events, err := b.Events(ctx, h, opts)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, ev := range events {
		for _, k := range ev.Data.Keys() {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	slices.Sort(keys)

	t := &Table{
		Columns: append([]string{"seq_num", "time"}, keys...),
		Data:    make(map[string][]any, len(keys)+2),
	}
	for _, c := range t.Columns {
		t.Data[c] = make([]any, 0, len(events))
	}
	for _, ev := range events {
		t.Data["seq_num"] = append(t.Data["seq_num"], ev.SeqNum)
		t.Data["time"] = append(t.Data["time"], ev.Time)
		for _, k := range keys {
			v, _, err := ev.Value(k)
			if err != nil {
				return nil, fmt.Errorf("event %s: %s: %w", ev.UID, k, err)
			}
			t.Data[k] = append(t.Data[k], v)
		}
	}
	return t, nil
}

// Entry is one document of an exported run.
type Entry struct {
	Kind document.Kind     `json:"kind"`
	Doc  document.Document `json:"doc"`
}

// RunDocuments returns every document of a run in an order that can be
// inserted back: start, descriptors, the resources and datums referenced by
// external keys, events and finally the stop.
func (b *Broker) RunDocuments(ctx context.Context, h *Header) ([]Entry, error) {
	out := []Entry{{Kind: document.KindStart, Doc: h.Start}}
	for _, d := range h.Descriptors {
		out = append(out, Entry{Kind: document.KindDescriptor, Doc: d})
	}

	var events []Entry
	var datumIDs []string
	for _, desc := range h.Descriptors {
		docs, err := mds.Events(ctx, b.store, desc.UID())
		if err != nil {
			return nil, fmt.Errorf("events of descriptor %s: %w", desc.UID(), err)
		}
		external := document.ExternalKeys(desc)
		for _, ev := range docs {
			events = append(events, Entry{Kind: document.KindEvent, Doc: ev})
			data, _ := ev.Object("data")
			for key := range external {
				if id, ok := data[key].(string); ok && !slices.Contains(datumIDs, id) {
					datumIDs = append(datumIDs, id)
				}
			}
		}
	}

	if len(datumIDs) > 0 && b.registry != nil {
		slices.Sort(datumIDs)
		var resources []string
		var datums []Entry
		for _, id := range datumIDs {
			d, err := b.registry.Datum(ctx, id)
			if err != nil {
				return nil, err
			}
			datums = append(datums, Entry{Kind: document.KindDatum, Doc: d})
			if res := d.String("resource"); !slices.Contains(resources, res) {
				resources = append(resources, res)
			}
		}
		for _, uid := range resources {
			res, err := b.registry.Resource(ctx, uid)
			if err != nil {
				return nil, err
			}
			out = append(out, Entry{Kind: document.KindResource, Doc: res})
		}
		out = append(out, datums...)
	}

	out = append(out, events...)
	if h.Stop != nil {
		out = append(out, Entry{Kind: document.KindStop, Doc: h.Stop})
	}
	return out, nil
}
