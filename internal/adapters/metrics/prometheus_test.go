package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveRequest("nfeAutorizacaoLote", "batch_received", 120*time.Millisecond)
	m.ObserveRequest("nfeAutorizacaoLote", "batch_received", 80*time.Millisecond)
	m.ObserveRequest("nfeRetAutorizacaoLote", "transport_error", time.Second)
	m.Transition("AUTHORIZED")
	m.SetQueueDepth(7)
	m.ImportResult("created", 3)
	m.ImportResult("skipped", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sefazRequests.WithLabelValues("nfeAutorizacaoLote", "batch_received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sefazRequests.WithLabelValues("nfeRetAutorizacaoLote", "transport_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("AUTHORIZED")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.importResults.WithLabelValues("created")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.importResults))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Transition("REJECTED")
	m.ObserveProcess("REJECTED", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `nfpe_document_transitions_total{status="REJECTED"} 1`)
	assert.Contains(t, string(body), `nfpe_process_duration_seconds_count{status="REJECTED"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
