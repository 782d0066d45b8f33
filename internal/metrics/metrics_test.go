package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Requests.WithLabelValues("tile", "200").Inc()
	m.CacheHits.Add(2)
	m.Conversions.WithLabelValues("vips-cli", "ok").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("tile", "200")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `slidezoom_http_requests_total{code="200",route="tile"} 1`)
	assert.Contains(t, string(body), "slidezoom_tile_cache_hits_total 2")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewUsesIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.CacheMisses.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheMisses))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheMisses))
}
