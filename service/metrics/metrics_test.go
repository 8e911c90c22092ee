package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestStatusCodeToString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{99, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeToString(tt.code))
	}
}

func TestRecordBlock_SetsChainHeight(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBlock("mainnet", 100)
	m.RecordBlock("mainnet", 105)

	assert.Equal(t, float64(105), value(t, m.chainHeight.WithLabelValues("mainnet")))
	assert.Equal(t, float64(2), value(t, m.blocksObserved.WithLabelValues("mainnet")))
}

func TestRecordCacheLookup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCacheLookup("eth_getBalance", true)
	m.RecordCacheLookup("eth_getBalance", false)
	m.RecordCacheLookup("eth_getBalance", false)

	assert.Equal(t, float64(1), value(t, m.cacheLookups.WithLabelValues("eth_getBalance", "hit")))
	assert.Equal(t, float64(2), value(t, m.cacheLookups.WithLabelValues("eth_getBalance", "miss")))
}

func TestInstrument_CapturesStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	handler := m.Instrument("/test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusInternalServerError) // superfluous, ignored by the recorder
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, float64(1), value(t, m.httpRequestsTotal.WithLabelValues("/test", http.MethodGet, "4xx")))
}

func TestInstrument_NilMetrics(t *testing.T) {
	var m *Metrics
	handler := m.Instrument("/test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}
