package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Anomalies.WithLabelValues("chunk_dropped").Inc()
	m.Anomalies.WithLabelValues("chunk_dropped").Inc()
	m.TurnsSent.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Anomalies.WithLabelValues("chunk_dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsSent))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "kairo_dispatch_turns_sent_total 1"))

	// a second engine gets its own registry
	other := New()
	assert.Equal(t, 0.0, testutil.ToFloat64(other.TurnsSent))
}
