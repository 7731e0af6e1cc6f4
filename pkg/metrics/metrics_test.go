package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit("local")
		m.ObserveRecordOp("2", "get", nil, time.Millisecond)
		m.PoolState(1, 2)
		m.XrefFailure("B")
	})
}

func TestRecordOpCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRecordOp("2", "update", nil, time.Millisecond)
	m.ObserveRecordOp("2", "update", errors.New("x"), time.Millisecond)
	m.ObserveRecordOp("2", "update", nil, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordOpsTotal.WithLabelValues("2", "update", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordOpsTotal.WithLabelValues("2", "update", "error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CacheHit("local")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "filebot_cache_hits_total")
}
