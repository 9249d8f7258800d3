package app

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.gatewayOutcome(OutcomeAccepted)
		m.processed("payment.succeeded", "success")
		m.observeHandler("payment.succeeded", time.Second)
		m.reclaimed(3)
		m.renewal("created")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.gatewayOutcome(OutcomeDuplicate)
	m.gatewayOutcome(OutcomeDuplicate)
	m.reclaimed(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `billing_webhook_requests_total{outcome="duplicate"} 2`)
	assert.Contains(t, string(body), "billing_webhook_reclaimed_total 2")
	assert.Equal(t, 2.0, counterValue(t, m.WebhookRequests.WithLabelValues(OutcomeDuplicate)))
}
