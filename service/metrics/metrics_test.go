package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePresence("online", 1)
		m.ObserveRoute("message", "offline")
		m.ObservePush(false)
		m.ObserveInbound("send", "ok")
		m.ObserveOffline("ok")
		m.IncBroadcast()
		m.SetConnections(3)
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObservePresence("online", 2)
	m.ObserveRoute("message", "delivered")
	m.ObservePush(true)
	m.ObservePush(false)
	m.SetConnections(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OnlineUsers))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pushes.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Routes.WithLabelValues("message", "delivered")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pprelay_online_users 2")
	assert.Contains(t, string(body), `pprelay_pushes_total{outcome="ok"} 1`)
}
