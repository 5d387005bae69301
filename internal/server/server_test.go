package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/registry"
	"github.com/roach88/databroker/internal/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RateLimit = RateLimitConfig{}
	return cfg
}

func newTestServer(t *testing.T, store mds.Store, cfg Config) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(store, cfg, zerolog.Nop()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func seeded(t *testing.T) (mds.Store, *testutil.Run) {
	t.Helper()
	store := mds.NewMemory()
	run := testutil.NewBuilder("r", 1000).Run(1, 3)
	require.NoError(t, run.Insert(context.Background(), store))
	return store, run
}

func getJSON(t *testing.T, rawURL string, v any) int {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func post(t *testing.T, rawURL string, body any) (int, errorBody) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(rawURL, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var eb errorBody
	if resp.StatusCode >= 400 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	}
	return resp.StatusCode, eb
}

func TestFindQueryForms(t *testing.T) {
	store, run := seeded(t)
	ts := newTestServer(t, store, testConfig())
	descUID := run.Descriptors[0].UID()

	q, err := query.EncodeJSON(query.Eq{Field: "descriptor", Value: descUID})
	require.NoError(t, err)

	var named []document.Document
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/event?query="+url.QueryEscape(string(q)), &named))
	assert.Len(t, named, 3)

	var bare []document.Document
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/event?"+url.QueryEscape(string(q)), &bare))
	assert.Len(t, bare, 3)

	var all []document.Document
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/run_start", &all))
	require.Len(t, all, 1)
	assert.Equal(t, run.Start.UID(), all[0].UID())

	var page []document.Document
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/event?skip=1&limit=1", &page))
	require.Len(t, page, 1)
	assert.Equal(t, run.Events[1].UID(), page[0].UID())

	var empty []document.Document
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/event?skip=10", &empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestPageOfClampsBounds(t *testing.T) {
	docs := make([]document.Document, 4)
	for i := range docs {
		docs[i] = document.Document{"uid": fmt.Sprint(i)}
	}
	uids := func(page []document.Document) []string {
		out := []string{}
		for _, d := range page {
			out = append(out, d.UID())
		}
		return out
	}

	assert.Equal(t, []string{"0", "1", "2", "3"}, uids(pageOf(docs, 0, -1)))
	assert.Equal(t, []string{"1", "2"}, uids(pageOf(docs, 1, 2)))
	assert.Equal(t, []string{"3"}, uids(pageOf(docs, 3, 10)))
	assert.NotNil(t, pageOf(docs, 2, 0))
	assert.Empty(t, pageOf(docs, 2, 0))
	assert.NotNil(t, pageOf(docs, 9, -1))
	assert.Empty(t, pageOf(nil, 0, -1))
	assert.NotNil(t, pageOf(nil, 0, -1))
}

func TestFindRejectsBadParameters(t *testing.T) {
	store, _ := seeded(t)
	ts := newTestServer(t, store, testConfig())

	for _, raw := range []string{
		"/event?limit=-1",
		"/event?skip=abc",
		"/event?query=" + url.QueryEscape(`{"a":`),
		"/event?a=1&b=2",
	} {
		var eb errorBody
		assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+raw, &eb), raw)
		assert.Equal(t, "bad_query", eb.Error, raw)
	}

	var eb errorBody
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/start", &eb), "short kind names are not collections")
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/resource", &eb))
}

func TestGetDocument(t *testing.T) {
	store, run := seeded(t)
	ts := newTestServer(t, store, testConfig())

	var doc document.Document
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/run_stop/"+run.Stop.UID(), &doc))
	assert.Equal(t, "success", doc.String("exit_status"))

	var eb errorBody
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/run_stop/missing", &eb))
	assert.Equal(t, "not_found", eb.Error)
}

func TestInsert(t *testing.T) {
	store := mds.NewMemory()
	ts := newTestServer(t, store, testConfig())
	run := testutil.NewBuilder("r", 1000).Run(1, 2)

	status, _ := post(t, ts.URL+"/run_start", run.Start)
	assert.Equal(t, http.StatusCreated, status)
	status, _ = post(t, ts.URL+"/event_descriptor", run.Descriptors)
	assert.Equal(t, http.StatusCreated, status)
	status, _ = post(t, ts.URL+"/event", run.Events)
	assert.Equal(t, http.StatusCreated, status)

	events, err := mds.Events(context.Background(), store, run.Descriptors[0].UID())
	require.NoError(t, err)
	assert.Len(t, events, 2)

	status, eb := post(t, ts.URL+"/run_stop", document.Document{"uid": "s", "time": 1, "run_start": run.Start.UID(), "exit_status": "meh"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_document", eb.Error)
	assert.Equal(t, "exit_status", eb.Field)

	changed := run.Start.Clone()
	changed["plan_name"] = "scan"
	status, eb = post(t, ts.URL+"/run_start", changed)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", eb.Error)

	status, _ = post(t, ts.URL+"/run_stop", run.Stop)
	assert.Equal(t, http.StatusCreated, status)
}

func TestRequestIDAndMetrics(t *testing.T) {
	store, _ := seeded(t)
	ts := newTestServer(t, store, testConfig())

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get(HeaderRequestID))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "databroker_http_request_duration_seconds")
	assert.Contains(t, string(body), `path="/healthz"`)
}

func TestRateLimit(t *testing.T) {
	store, _ := seeded(t)
	cfg := testConfig()
	cfg.RateLimit = RateLimitConfig{RequestLimit: 2, WindowSize: time.Minute}
	ts := newTestServer(t, store, cfg)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", nil))
	}
	var eb errorBody
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, ts.URL+"/healthz", &eb))
	assert.Equal(t, "rate_limit_exceeded", eb.Error)
}

// panicStore panics on Find.
type panicStore struct {
	mds.Store
}

func (panicStore) Find(context.Context, document.Kind, query.Predicate) ([]document.Document, error) {
	panic("boom")
}

// failingStore fails every Find.
type failingStore struct {
	mds.Store
}

func (failingStore) Find(context.Context, document.Kind, query.Predicate) ([]document.Document, error) {
	return nil, errors.New("disk unavailable")
}

// lockedBuffer is a log sink safe for use by server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStoreErrorsLogWithRequestID(t *testing.T) {
	var sink lockedBuffer
	ts := httptest.NewServer(New(failingStore{mds.NewMemory()}, testConfig(), zerolog.New(&sink)).Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/event", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	require.Eventually(t, func() bool {
		return strings.Contains(sink.String(), `"message":"request"`)
	}, time.Second, 10*time.Millisecond)
	var failure map[string]any
	for _, line := range strings.Split(strings.TrimSpace(sink.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["message"] == "store operation failed" {
			failure = entry
		}
	}
	require.NotNil(t, failure)
	assert.Equal(t, "req-42", failure["request_id"])
	assert.Equal(t, "disk unavailable", failure["error"])
}

func TestRetrieveFollowsRootMap(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lines.txt"), []byte("zero\none\n"), 0o644))

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()
	res, err := reg.InsertResource(ctx, registry.SpecTextLine, "lines.txt", nil, registry.WithRoot("/beamline"))
	require.NoError(t, err)
	_, err = reg.InsertDatum(ctx, res.UID(), "scan/1", map[string]any{"line": 1})
	require.NoError(t, err)

	ts := httptest.NewServer(New(mds.NewMemory(), testConfig(), zerolog.Nop(), WithRetriever(reg)).Handler())
	defer ts.Close()

	var eb errorBody
	assert.Equal(t, http.StatusBadGateway, getJSON(t, ts.URL+"/datum/scan/1", &eb))
	assert.Equal(t, "retrieval_failed", eb.Error)

	reg.SetRootMap(map[string]string{"/beamline": dir})
	var got struct {
		DatumID string `json:"datum_id"`
		Value   any    `json:"value"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/datum/scan/1", &got))
	assert.Equal(t, "scan/1", got.DatumID)
	assert.Equal(t, "one", got.Value)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/datum/scan/9", &eb))
	assert.Equal(t, "not_found", eb.Error)
}

func TestRetrieveRouteNeedsRetriever(t *testing.T) {
	ts := newTestServer(t, mds.NewMemory(), testConfig())
	var eb errorBody
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/datum/scan/1", &eb))
}

func TestRecovererReturnsJSON(t *testing.T) {
	ts := newTestServer(t, panicStore{mds.NewMemory()}, testConfig())
	var eb errorBody
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, ts.URL+"/event", &eb))
	assert.Equal(t, "internal_error", eb.Error)
	assert.NotEmpty(t, eb.RequestID)
}

func TestServeShutsDownCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store, run := seeded(t)
	srv := New(store, testConfig(), zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 10*time.Millisecond)
	resp, err := client.Get(fmt.Sprintf("http://%s/run_start/%s", srv.Addr(), run.Start.UID()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestRunReportsListenError(t *testing.T) {
	cfg := testConfig()
	cfg.Addr = "256.0.0.1:0"
	err := New(mds.NewMemory(), cfg, zerolog.Nop()).Run(context.Background())
	assert.ErrorContains(t, err, "listen")
}
