package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/registry"
	"github.com/roach88/databroker/internal/testutil"
	"github.com/roach88/databroker/internal/timerange"
)

const t0 = 1_000_000_000

func newBroker(t *testing.T) *Broker {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.sqlite"))
	require.NoError(t, err)
	b := New(mds.NewMemory(), reg, WithLocation(time.UTC))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func headerUIDs(hs []*Header) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.UID()
	}
	return out
}

// imageRun inserts a run whose "img" key points at lines of a text file
// registered in b's registry.
func imageRun(t *testing.T, b *Broker, events int) *testutil.Run {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	content := ""
	for i := 1; i <= events; i++ {
		content += fmt.Sprintf("frame-%d\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frames.txt"), []byte(content), 0o644))

	res, err := b.Registry().InsertResource(ctx, registry.SpecTextLine, "frames.txt", nil,
		registry.WithRoot(dir), registry.WithUID("res"))
	require.NoError(t, err)
	for i := 1; i <= events; i++ {
		_, err := b.Registry().InsertDatum(ctx, res.UID(), fmt.Sprintf("res/%d", i), map[string]any{"line": i - 1})
		require.NoError(t, err)
	}

	run := testutil.NewBuilder("img", t0).Run(1, events, testutil.External("img", func(seq int64) string {
		return fmt.Sprintf("res/%d", seq)
	}))
	require.NoError(t, run.Insert(ctx, b))
	return run
}

func TestSearchNewestFirst(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	builder := testutil.NewBuilder("r", t0)
	var want []string
	for i := int64(1); i <= 3; i++ {
		run := builder.Run(i, 1)
		require.NoError(t, run.Insert(ctx, b))
		want = append([]string{run.Start.UID()}, want...)
	}

	hs, err := b.Search(ctx, query.All{})
	require.NoError(t, err)
	assert.Equal(t, want, headerUIDs(hs))
	assert.Equal(t, "success", hs[0].ExitStatus())
	assert.Equal(t, []string{"primary"}, hs[0].Streams())

	hs, err = b.Search(ctx, query.Eq{Field: "scan_id", Value: int64(2)})
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, int64(2), hs[0].ScanID())
}

func TestSearchRange(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	builder := testutil.NewBuilder("r", t0)
	// Each run takes start, descriptor, two events and stop: 5 ticks.
	runs := []*testutil.Run{builder.Run(1, 2), builder.Run(2, 2), builder.Run(3, 2)}
	for _, r := range runs {
		require.NoError(t, r.Insert(ctx, b))
	}

	tr, err := timerange.New("1000000004", "", timerange.WithLocation(time.UTC))
	require.NoError(t, err)
	hs, err := b.SearchRange(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, []string{runs[2].Start.UID(), runs[1].Start.UID()}, headerUIDs(hs))

	hs, err = b.SearchRange(ctx, tr, query.Eq{Field: "scan_id", Value: int64(2)})
	require.NoError(t, err)
	assert.Equal(t, []string{runs[1].Start.UID()}, headerUIDs(hs))

	hs, err = b.SearchRange(ctx, timerange.TimeRange{})
	require.NoError(t, err)
	assert.Len(t, hs, 3, "a zero range takes the broker timezone and matches everything")
}

func TestGet(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	builder := testutil.NewBuilder("r", t0)
	first := builder.Run(7, 1)
	second := builder.Run(8, 1, testutil.StartFields(map[string]any{"uid": "abcdef-0123"}))
	third := builder.Run(7, 1, testutil.Open())
	for _, r := range []*testutil.Run{first, second, third} {
		require.NoError(t, r.Insert(ctx, b))
	}

	cases := []struct {
		name string
		key  any
		want string
	}{
		{"latest", -1, third.Start.UID()},
		{"oldest", int64(-3), first.Start.UID()},
		{"scan id picks most recent", 7, third.Start.UID()},
		{"scan id", int64(8), "abcdef-0123"},
		{"uid", first.Start.UID(), first.Start.UID()},
		{"unique prefix", "abcdef", "abcdef-0123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := b.Get(ctx, tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.want, h.UID())
		})
	}

	h, err := b.Get(ctx, -1)
	require.NoError(t, err)
	assert.Nil(t, h.Stop, "open run has no stop")
	assert.Equal(t, "", h.ExitStatus())

	_, err = b.Get(ctx, -4)
	assert.ErrorIs(t, err, mds.ErrNotFound)
	_, err = b.Get(ctx, 99)
	assert.ErrorIs(t, err, mds.ErrNotFound)
	_, err = b.Get(ctx, "r-00")
	assert.ErrorIs(t, err, mds.ErrNotFound, "prefix too short")
	_, err = b.Get(ctx, "r-0000")
	assert.ErrorIs(t, err, ErrAmbiguous)
	_, err = b.Get(ctx, 0)
	assert.Error(t, err)
	_, err = b.Get(ctx, 1.5)
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	assert.Equal(t, int64(-1), ParseKey("-1"))
	assert.Equal(t, int64(42), ParseKey("42"))
	assert.Equal(t, "abc123", ParseKey("abc123"))
}

func TestEventsStreams(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	run := testutil.NewBuilder("r", t0).Run(1, 2, testutil.Stream("baseline", 1))
	require.NoError(t, run.Insert(ctx, b))
	h, err := b.Get(ctx, -1)
	require.NoError(t, err)

	evs, err := b.Events(ctx, h, DefaultEventsOptions())
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, []int64{1, 2}, []int64{evs[0].SeqNum, evs[1].SeqNum})

	all, err := b.Events(ctx, h, EventsOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "primary", all[0].Stream)
	assert.Equal(t, "baseline", all[2].Stream)

	none, err := b.Events(ctx, h, EventsOptions{Stream: "missing"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestEventsProjection(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	require.NoError(t, testutil.NewBuilder("r", t0).Run(1, 2).Insert(ctx, b))
	h, err := b.Get(ctx, -1)
	require.NoError(t, err)

	evs, err := b.Events(ctx, h, EventsOptions{Stream: DefaultStream, Fields: []string{"det"}})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, []string{"det"}, evs[1].Data.Keys())
	v, ok, err := evs[1].Value("det")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(20), v)
	assert.Len(t, evs[1].Timestamps, 1)
}

func TestEventsFill(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	imageRun(t, b, 3)
	h, err := b.Get(ctx, -1)
	require.NoError(t, err)

	t.Run("none", func(t *testing.T) {
		evs, err := b.Events(ctx, h, DefaultEventsOptions())
		require.NoError(t, err)
		v, _, err := evs[0].Value("img")
		require.NoError(t, err)
		assert.Equal(t, "res/1", v)
		assert.False(t, evs[0].Filled["img"])
	})

	t.Run("eager", func(t *testing.T) {
		evs, err := b.Events(ctx, h, EventsOptions{Stream: DefaultStream, Fill: FillEager})
		require.NoError(t, err)
		for i, ev := range evs {
			assert.True(t, ev.Data.Loaded("img"))
			v, _, err := ev.Value("img")
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("frame-%d", i+1), v)
			assert.True(t, ev.Filled["img"])
		}
	})

	t.Run("lazy", func(t *testing.T) {
		evs, err := b.Events(ctx, h, EventsOptions{Stream: DefaultStream, Fill: FillLazy})
		require.NoError(t, err)
		assert.False(t, evs[2].Data.Loaded("img"))
		v, _, err := evs[2].Value("img")
		require.NoError(t, err)
		assert.Equal(t, "frame-3", v)
		assert.True(t, evs[2].Data.Loaded("img"))
		assert.False(t, evs[1].Data.Loaded("img"), "other events stay deferred")
	})
}

func TestEagerFillReportsMissingDatum(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	run := testutil.NewBuilder("r", t0).Run(1, 1, testutil.External("img", func(int64) string { return "nowhere/1" }))
	require.NoError(t, run.Insert(ctx, b))
	h, err := b.Get(ctx, -1)
	require.NoError(t, err)

	_, err = b.Events(ctx, h, EventsOptions{Fill: FillEager})
	assert.ErrorIs(t, err, registry.ErrDatumNotFound)

	bare := New(mds.NewMemory(), nil)
	_, err = bare.Events(ctx, h, EventsOptions{Fill: FillLazy})
	assert.ErrorIs(t, err, ErrNoRegistry)
}

func TestParseFillMode(t *testing.T) {
	for _, m := range []FillMode{FillNone, FillEager, FillLazy} {
		got, err := ParseFillMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseFillMode("sometimes")
	assert.Error(t, err)
}

func TestTable(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	imageRun(t, b, 2)
	h, err := b.Get(ctx, -1)
	require.NoError(t, err)

	tbl, err := b.Table(ctx, h, EventsOptions{Stream: DefaultStream, Fill: FillLazy})
	require.NoError(t, err)
	assert.Equal(t, []string{"seq_num", "time", "det", "img", "x"}, tbl.Columns)
	assert.Equal(t, 2, tbl.Len())

	want := map[string][]any{
		"seq_num": {int64(1), int64(2)},
		"det":     {int64(10), int64(20)},
		"img":     {"frame-1", "frame-2"},
		"x":       {int64(1), int64(2)},
	}
	for col, values := range want {
		if diff := cmp.Diff(values, tbl.Data[col]); diff != "" {
			t.Errorf("column %s mismatch (-want +got):\n%s", col, diff)
		}
	}
}

func TestRunDocumentsReinsert(t *testing.T) {
	src := newBroker(t)
	ctx := context.Background()
	run := imageRun(t, src, 2)
	h, err := src.Get(ctx, run.Start.UID())
	require.NoError(t, err)

	entries, err := src.RunDocuments(ctx, h)
	require.NoError(t, err)
	kinds := make([]document.Kind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []document.Kind{
		document.KindStart, document.KindDescriptor, document.KindResource,
		document.KindDatum, document.KindDatum, document.KindEvent, document.KindEvent,
		document.KindStop,
	}, kinds)

	dst := newBroker(t)
	for _, e := range entries {
		require.NoError(t, dst.Insert(ctx, e.Kind, e.Doc))
	}
	copied, err := dst.Get(ctx, -1)
	require.NoError(t, err)
	evs, err := dst.Events(ctx, copied, EventsOptions{Stream: DefaultStream, Fill: FillEager})
	require.NoError(t, err)
	v, _, err := evs[1].Value("img")
	require.NoError(t, err)
	assert.Equal(t, "frame-2", v)
}

func TestInsertWithoutRegistry(t *testing.T) {
	b := New(mds.NewMemory(), nil)
	err := b.Insert(context.Background(), document.KindResource, document.Document{"uid": "r"})
	assert.ErrorIs(t, err, ErrNoRegistry)
}

func TestNamedConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "beamline.yml"), []byte(`
description: test beamline
metadatastore:
  backend: sqlite
  version: 1
  config:
    directory: mds
    timezone: America/New_York
assets:
  backend: sqlite
  version: 1
  config:
    dbpath: assets/registry.sqlite
`), 0o644))
	t.Setenv(config.EnvConfigPath, dir)

	ctx := context.Background()
	b, err := Named(ctx, "beamline")
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "America/New_York", b.Timezone().String())
	assert.NotNil(t, b.Registry())
	require.NoError(t, testutil.NewBuilder("r", t0).Run(1, 1).Insert(ctx, b))
	hs, err := b.Search(ctx, query.All{})
	require.NoError(t, err)
	assert.Len(t, hs, 1)
	assert.DirExists(t, filepath.Join(dir, "mds"))

	_, err = Named(ctx, "missing")
	var nf *config.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestFromConfigRejectsUnsupportedVersion(t *testing.T) {
	cfg := &config.Config{MetadataStore: config.MDSConfig{Backend: "memory", Version: 2}}
	_, err := FromConfig(context.Background(), cfg)
	var verr *config.VersionError
	assert.ErrorAs(t, err, &verr)
}
