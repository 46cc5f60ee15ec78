package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/metrics"
)

type fakeStore struct {
	name    string
	healthy bool
}

func (f *fakeStore) Name() string  { return f.name }
func (f *fakeStore) Healthy() bool { return f.healthy }

func newTestServer(stores ...HealthChecker) (*MetricsServer, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)
	return NewMetricsServer(&MetricsServerConfig{Port: 0}, reg, m, stores, zap.NewNop()), m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMetricsServer_ExposesRegistry(t *testing.T) {
	s, m := newTestServer()
	m.RecordFrame()
	s.updateSystemMetrics()

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "syncnode_subscription_frames_total")
	assert.True(t, strings.Contains(body, `node_id="node-1"`))
	assert.Greater(t, testutil.ToFloat64(m.GoroutinesTotal), float64(0))
}

func TestMetricsServer_Probes(t *testing.T) {
	file := &fakeStore{name: "doc", healthy: true}
	s, _ := newTestServer(&fakeStore{name: "mem", healthy: true}, file)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/ready").Code)

	file.healthy = false
	rec := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy_stores":["doc"]`)
}
