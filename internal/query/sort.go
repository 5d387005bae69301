package query

import (
	"cmp"
	"slices"

	"github.com/roach88/databroker/internal/document"
)

// SortDocuments orders docs deterministically for kind k:
//   - events: seq_num ASC, uid ASC
//   - datums: datum_id ASC
//   - resources: uid ASC
//   - everything else: time ASC, uid ASC
//
// Every backend applies the same order so results are identical whichever
// store produced them.
func SortDocuments(k document.Kind, docs []document.Document) {
	switch k {
	case document.KindEvent:
		slices.SortStableFunc(docs, func(a, b document.Document) int {
			sa, _ := a.Int("seq_num")
			sb, _ := b.Int("seq_num")
			if c := cmp.Compare(sa, sb); c != 0 {
				return c
			}
			return cmp.Compare(a.UID(), b.UID())
		})
	case document.KindDatum:
		slices.SortStableFunc(docs, func(a, b document.Document) int {
			return cmp.Compare(a.String("datum_id"), b.String("datum_id"))
		})
	case document.KindResource:
		slices.SortStableFunc(docs, func(a, b document.Document) int {
			return cmp.Compare(a.UID(), b.UID())
		})
	default:
		slices.SortStableFunc(docs, func(a, b document.Document) int {
			ta, _ := a.Number("time")
			tb, _ := b.Number("time")
			if c := cmp.Compare(ta, tb); c != 0 {
				return c
			}
			return cmp.Compare(a.UID(), b.UID())
		})
	}
}
