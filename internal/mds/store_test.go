package mds

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/testutil"
)

// testBackends returns a fresh store per backend. Every behavioural test runs
// against all of them.
func testBackends(t *testing.T) map[string]Store {
	t.Helper()

	dir := t.TempDir()
	sqlite, err := OpenSQLite(filepath.Join(dir, "mds.sqlite"))
	require.NoError(t, err)
	bdg, err := OpenBadger(filepath.Join(dir, "badger"))
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
		"badger": bdg,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func uids(docs []document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.UID()
	}
	return out
}

func TestInsertAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := testutil.NewBuilder("r", 1000).Run(1, 3)
		require.NoError(t, run.Insert(ctx, s))

		got, err := s.Get(ctx, document.KindStart, run.Start.UID())
		require.NoError(t, err)
		same, err := document.SameContent(document.KindStart, run.Start, got)
		require.NoError(t, err)
		assert.True(t, same)

		_, err = s.Get(ctx, document.KindStart, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIdenticalReinsertIsNoop(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := testutil.NewBuilder("r", 1000).Run(1, 2)
		require.NoError(t, run.Insert(ctx, s))
		require.NoError(t, run.Insert(ctx, s), "second insert of the same run")

		events, err := Events(ctx, s, run.Descriptors[0].UID())
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})
}

func TestInsertRules(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := testutil.NewBuilder("r", 1000).Run(1, 2)
		require.NoError(t, run.Insert(ctx, s))

		changed := run.Start.Clone()
		changed["plan_name"] = "scan"
		assert.ErrorIs(t, s.Insert(ctx, document.KindStart, changed), ErrConflict)

		secondStop := document.Document{"uid": "stop-2", "time": 5000, "run_start": run.Start.UID(), "exit_status": "abort"}
		assert.ErrorIs(t, s.Insert(ctx, document.KindStop, secondStop), ErrConflict)

		orphan := document.Document{"uid": "d-x", "time": 1, "run_start": "nope", "data_keys": map[string]any{}}
		assert.ErrorIs(t, s.Insert(ctx, document.KindDescriptor, orphan), ErrNotFound)

		dupSeq := run.Events[0].Clone()
		dupSeq["uid"] = "other-event"
		assert.ErrorIs(t, s.Insert(ctx, document.KindEvent, dupSeq), ErrConflict)

		orphanEvent := run.Events[0].Clone()
		orphanEvent["uid"] = "e-x"
		orphanEvent["descriptor"] = "nope"
		assert.ErrorIs(t, s.Insert(ctx, document.KindEvent, orphanEvent), ErrNotFound)

		var verr *document.ValidationError
		err := s.Insert(ctx, document.KindStart, document.Document{"uid": "u"})
		assert.True(t, errors.As(err, &verr))

		assert.Error(t, s.Insert(ctx, document.KindResource, document.Document{}))
	})
}

func TestFind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := testutil.NewBuilder("r", 1000)
		first := b.Run(1, 2, testutil.StartFields(map[string]any{
			"sample": map[string]any{"name": "Si"}, "dry_run": true, "tags": []any{"a", "b"},
		}))
		second := b.Run(2, 1, testutil.StartFields(map[string]any{"sample": map[string]any{"name": "Ge"}}))
		open := b.Run(3, 0, testutil.Open())
		for _, r := range []*testutil.Run{first, second, open} {
			require.NoError(t, r.Insert(ctx, s))
		}

		all, err := s.Find(ctx, document.KindStart, query.All{})
		require.NoError(t, err)
		assert.Equal(t, []string{first.Start.UID(), second.Start.UID(), open.Start.UID()}, uids(all))

		tests := []struct {
			name string
			pred query.Predicate
			want []string
		}{
			{"nested eq", query.Eq{Field: "sample.name", Value: "Ge"}, []string{second.Start.UID()}},
			{"scan id in", query.In{Field: "scan_id", Values: []any{int64(1), 3.0}}, []string{first.Start.UID(), open.Start.UID()}},
			{"time range", query.Range{Field: "time", Gte: query.Float(first.Start["time"].(float64) + 1)}, []string{second.Start.UID(), open.Start.UID()}},
			{"exists", query.Exists{Field: "sample", Present: false}, []string{open.Start.UID()}},
			{"bool", query.Eq{Field: "dry_run", Value: true}, []string{first.Start.UID()}},
			{"object", query.Eq{Field: "sample", Value: map[string]any{"name": "Si"}}, []string{first.Start.UID()}},
			{"no match", query.Eq{Field: "plan_name", Value: "scan"}, []string{}},
			{"string vs array", query.Eq{Field: "tags", Value: `["a","b"]`}, []string{}},
			{"string vs object", query.Eq{Field: "sample", Value: `{"name":"Si"}`}, []string{}},
			{"number vs bool", query.In{Field: "dry_run", Values: []any{1.0}}, []string{}},
			{"string vs number", query.Eq{Field: "scan_id", Value: "1"}, []string{}},
			{"string vs time", query.Eq{Field: "time", Value: fmt.Sprint(first.Start["time"])}, []string{}},
			{"mixed in", query.In{Field: "scan_id", Values: []any{"1", 2.0}}, []string{second.Start.UID()}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Find(ctx, document.KindStart, tt.pred)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, tt.want, uids(got))
			})
		}

		stop, ok, err := RunStop(ctx, s, first.Start.UID())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.Stop.UID(), stop.UID())

		_, ok, err = RunStop(ctx, s, open.Start.UID())
		require.NoError(t, err)
		assert.False(t, ok)

		descs, err := Descriptors(ctx, s, second.Start.UID())
		require.NoError(t, err)
		assert.Equal(t, []string{second.Descriptors[0].UID()}, uids(descs))
	})
}

func TestEventsOrderedBySeqNum(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := testutil.NewBuilder("r", 1000).Run(1, 12)
		require.NoError(t, s.Insert(ctx, document.KindStart, run.Start))
		require.NoError(t, s.Insert(ctx, document.KindDescriptor, run.Descriptors[0]))
		for i := len(run.Events) - 1; i >= 0; i-- {
			require.NoError(t, s.Insert(ctx, document.KindEvent, run.Events[i]))
		}

		events, err := Events(ctx, s, run.Descriptors[0].UID())
		require.NoError(t, err)
		require.Len(t, events, 12)
		for i, e := range events {
			seq, _ := e.Int("seq_num")
			assert.Equal(t, int64(i+1), seq)
		}
	})
}

func TestBulkInsertIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := testutil.NewBuilder("r", 1000).Run(1, 3)
		require.NoError(t, s.Insert(ctx, document.KindStart, run.Start))
		require.NoError(t, s.Insert(ctx, document.KindDescriptor, run.Descriptors[0]))

		bad := run.Events[2].Clone()
		bad["seq_num"] = int64(1)
		err := BulkInsert(ctx, s, document.KindEvent, []document.Document{run.Events[0], run.Events[1], bad})
		assert.ErrorIs(t, err, ErrConflict)

		events, err := Events(ctx, s, run.Descriptors[0].UID())
		require.NoError(t, err)
		assert.Empty(t, events)

		require.NoError(t, BulkInsert(ctx, s, document.KindEvent, run.Events))
		events, err = Events(ctx, s, run.Descriptors[0].UID())
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})
}

func TestFindRejectsBadFieldPath(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Find(context.Background(), document.KindStart, query.Eq{Field: "a b", Value: 1})
		assert.Error(t, err)
	})
}

func TestConcurrentInserts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		b := testutil.NewBuilder("r", 1000)
		runs := make([]*testutil.Run, 8)
		for i := range runs {
			runs[i] = b.Run(int64(i), 5)
		}

		errs := make(chan error, len(runs))
		for _, r := range runs {
			go func() { errs <- r.Insert(ctx, s) }()
		}
		for range runs {
			require.NoError(t, <-errs)
		}

		starts, err := s.Find(ctx, document.KindStart, query.All{})
		require.NoError(t, err)
		assert.Len(t, starts, len(runs), fmt.Sprintf("%v", uids(starts)))
	})
}
