package metrics_test

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/roach88/databroker/internal/metrics"
)

func TestRecordCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("miss"))

	metrics.RecordCacheLookup(true)
	metrics.RecordCacheLookup(false)
	metrics.RecordCacheLookup(false)

	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, misses+2, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("miss")))
}

func TestRecordConfigReload(t *testing.T) {
	before := testutil.ToFloat64(metrics.ConfigReloadsTotal.WithLabelValues("error"))
	metrics.RecordConfigReload(errors.New("bad yaml"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConfigReloadsTotal.WithLabelValues("error")))
}

func TestExposition(t *testing.T) {
	metrics.RecordInsert("start", "memory", "inserted")

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Contains(t, rec.Body.String(), `databroker_documents_inserted_total{backend="memory",kind="start",outcome="inserted"}`)
}
